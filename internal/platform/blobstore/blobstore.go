// Package blobstore stores uploaded files by content address. A Policy is
// enforced before any byte leaves the process. Local backends address files
// by a CIDv0 of the raw bytes computed here; pinning services return their
// own UnixFS hash, which is then authoritative. Only the latter resolves on a
// public gateway.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/ehr/consentgate/internal/platform/apperr"
)

var (
	ErrBlobNotFound       = fmt.Errorf("%w: blob", apperr.ErrNotFound)
	ErrFileTooLarge       = fmt.Errorf("%w: file exceeds maximum allowed size", apperr.ErrInvalidInput)
	ErrInvalidContentType = fmt.Errorf("%w: content type is not allowed", apperr.ErrInvalidInput)
	ErrMissingFileName    = fmt.Errorf("%w: file name is required", apperr.ErrInvalidInput)
	ErrEmptyFile          = fmt.Errorf("%w: file is empty", apperr.ErrInvalidInput)
)

// DefaultMaxFileSize is 10 MB.
const DefaultMaxFileSize = 10 * 1024 * 1024

var extensionTypes = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",
}

// ReportContentTypes are accepted for diagnostic reports.
var ReportContentTypes = []string{"application/pdf", "image/jpeg", "image/png"}

// RecordContentTypes are accepted for patient past records.
var RecordContentTypes = []string{
	"application/pdf", "image/jpeg", "image/png", "application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "text/plain",
}

// Policy is the allow-list and size ceiling applied before upload.
type Policy struct {
	MaxSize      int64
	ContentTypes []string
}

func NewPolicy(maxSize int64, types []string) Policy {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return Policy{MaxSize: maxSize, ContentTypes: types}
}

func (p Policy) allows(ct string) bool {
	for _, t := range p.ContentTypes {
		if t == ct {
			return true
		}
	}
	return false
}

// File is an upload candidate.
type File struct {
	Name        string
	ContentType string
	Content     io.Reader
}

// Object describes a stored file.
type Object struct {
	CID         string    `json:"cid"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Payload is a file that passed the policy.
type Payload struct {
	Object
	Data []byte
}

// Apply reads f within the size ceiling, resolves its content type and
// rejects anything outside the allow-list.
func (p Policy) Apply(f File) (*Payload, error) {
	if strings.TrimSpace(f.Name) == "" {
		return nil, ErrMissingFileName
	}
	if f.Content == nil {
		return nil, ErrEmptyFile
	}
	data, err := io.ReadAll(io.LimitReader(f.Content, p.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > p.MaxSize {
		return nil, ErrFileTooLarge
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}

	ct := resolveContentType(f, data)
	if !p.allows(ct) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContentType, ct)
	}
	return &Payload{
		Object: Object{
			CID:         CID(data),
			FileName:    filepath.Base(f.Name),
			ContentType: ct,
			Size:        int64(len(data)),
			CreatedAt:   time.Now().UTC(),
		},
		Data: data,
	}, nil
}

func resolveContentType(f File, data []byte) string {
	if f.ContentType != "" && f.ContentType != "application/octet-stream" {
		if mt, _, err := mime.ParseMediaType(f.ContentType); err == nil {
			return mt
		}
	}
	if ct, ok := extensionTypes[strings.ToLower(filepath.Ext(f.Name))]; ok {
		return ct
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

// CID returns the CIDv0 of data: the base58btc sha2-256 multihash.
func CID(data []byte) string {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		// sha2-256 is always registered
		panic(err)
	}
	return cid.NewCidV0(sum).String()
}

// ParseCID checks that s is a well-formed content identifier of either
// version and returns its canonical string form.
func ParseCID(s string) (string, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: malformed content hash %q", apperr.ErrInvalidInput, s)
	}
	return c.String(), nil
}

// Store is a content-addressed storage backend.
type Store interface {
	Upload(ctx context.Context, p *Payload) (string, error)
	Open(ctx context.Context, cid string) (io.ReadCloser, *Object, error)
	Ping(ctx context.Context) error
}

// ErrNotServed is returned by stores that only publish through a gateway.
var ErrNotServed = errors.New("blob is served by the gateway")

func uploadFailed(backend string, err error) error {
	return fmt.Errorf("%s upload: %w: %v", backend, apperr.ErrStorageUploadFailed, err)
}

func readerOf(data []byte) io.ReadCloser { return io.NopCloser(bytes.NewReader(data)) }
