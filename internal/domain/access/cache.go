package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// Hint is the last access decision observed for a pair. Advisory: it may
// be stale the moment it is written.
type Hint struct {
	ClinicianID string    `json:"clinician_id"`
	PatientID   string    `json:"patient_id"`
	Granted     bool      `json:"granted"`
	ObservedAt  time.Time `json:"observed_at"`
}

// AdvisoryCache stores hints. Implementations never return an error for a
// missing key; ok is false instead.
type AdvisoryCache interface {
	Put(ctx context.Context, h Hint) error
	Get(ctx context.Context, clinicianID, patientID string) (Hint, bool, error)
	Delete(ctx context.Context, clinicianID, patientID string) error
}

func hintKey(clinicianID, patientID string) string {
	return "hint:" + clinicianID + "|" + patientID
}

type MemoryCache struct {
	mu    sync.RWMutex
	hints map[string]Hint
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{hints: make(map[string]Hint)}
}

func (m *MemoryCache) Put(_ context.Context, h Hint) error {
	m.mu.Lock()
	m.hints[hintKey(h.ClinicianID, h.PatientID)] = h
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Get(_ context.Context, clinicianID, patientID string) (Hint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hints[hintKey(clinicianID, patientID)]
	return h, ok, nil
}

func (m *MemoryCache) Delete(_ context.Context, clinicianID, patientID string) error {
	m.mu.Lock()
	delete(m.hints, hintKey(clinicianID, patientID))
	m.mu.Unlock()
	return nil
}

// LevelCache persists hints in a leveldb database so they survive a
// restart, the way a browser kept them across reloads.
type LevelCache struct {
	db *leveldb.DB
}

// OpenLevelCache opens the database at path, or an in-memory one when path
// is empty.
func OpenLevelCache(path string) (*LevelCache, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open advisory cache: %w", err)
	}
	return &LevelCache{db: db}, nil
}

func (l *LevelCache) Put(_ context.Context, h Hint) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return l.db.Put([]byte(hintKey(h.ClinicianID, h.PatientID)), data, nil)
}

func (l *LevelCache) Get(_ context.Context, clinicianID, patientID string) (Hint, bool, error) {
	data, err := l.db.Get([]byte(hintKey(clinicianID, patientID)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Hint{}, false, nil
	}
	if err != nil {
		return Hint{}, false, err
	}
	var h Hint
	if err := json.Unmarshal(data, &h); err != nil {
		return Hint{}, false, fmt.Errorf("decode hint: %w", err)
	}
	return h, true, nil
}

func (l *LevelCache) Delete(_ context.Context, clinicianID, patientID string) error {
	return l.db.Delete([]byte(hintKey(clinicianID, patientID)), nil)
}

func (l *LevelCache) Close() error {
	return l.db.Close()
}
