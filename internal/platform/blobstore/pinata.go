package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const DefaultPinataURL = "https://api.pinata.cloud"

// PinataStore pins files to IPFS through the Pinata pinning API.
type PinataStore struct {
	baseURL string
	jwt     string
	client  *http.Client
}

func NewPinataStore(baseURL, jwt string) *PinataStore {
	if baseURL == "" {
		baseURL = DefaultPinataURL
	}
	return &PinataStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		jwt:     jwt,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

func (s *PinataStore) Upload(ctx context.Context, p *Payload) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, p.FileName))
	h.Set("Content-Type", p.ContentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", uploadFailed("pinata", err)
	}
	if _, err := part.Write(p.Data); err != nil {
		return "", uploadFailed("pinata", err)
	}
	meta, _ := json.Marshal(map[string]string{"name": p.FileName})
	if err := w.WriteField("pinataMetadata", string(meta)); err != nil {
		return "", uploadFailed("pinata", err)
	}
	if err := w.Close(); err != nil {
		return "", uploadFailed("pinata", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/pinning/pinFileToIPFS", &body)
	if err != nil {
		return "", uploadFailed("pinata", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.jwt)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", uploadFailed("pinata", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", uploadFailed("pinata", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	var out pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", uploadFailed("pinata", fmt.Errorf("decode response: %w", err))
	}
	if out.IpfsHash == "" {
		return "", uploadFailed("pinata", fmt.Errorf("response carried no hash"))
	}
	return out.IpfsHash, nil
}

// Open is not supported: pinned files are read through the public gateway.
func (s *PinataStore) Open(context.Context, string) (io.ReadCloser, *Object, error) {
	return nil, nil, ErrNotServed
}

func (s *PinataStore) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/data/testAuthentication", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.jwt)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pinata authentication: status %d", resp.StatusCode)
	}
	return nil
}
