package blobstore

import (
	"context"
	"io"
	"sync"
)

type storedBlob struct {
	object Object
	data   []byte
}

// InMemoryStore keeps blobs in process memory; used in development and tests.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
	fail  error
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[string]*storedBlob)}
}

// FailUploads makes subsequent uploads fail with err (nil restores).
func (s *InMemoryStore) FailUploads(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *InMemoryStore) Upload(_ context.Context, p *Payload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", uploadFailed("memory", s.fail)
	}
	if _, ok := s.blobs[p.CID]; !ok {
		s.blobs[p.CID] = &storedBlob{object: p.Object, data: append([]byte(nil), p.Data...)}
	}
	return p.CID, nil
}

func (s *InMemoryStore) Open(_ context.Context, cid string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	b, ok := s.blobs[cid]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	obj := b.object
	return readerOf(b.data), &obj, nil
}

func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }
