package directory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrNotFound is returned by a Store when nothing is registered under a key.
var ErrNotFound = errors.New("not registered")

// Record is one registration held by the directory server.
type Record struct {
	Name      string    `json:"name"`
	API       int       `json:"api"`
	Location  string    `json:"location"`
	Port      int       `json:"port"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key is the identification name the record is stored under.
func (r Record) Key() string {
	return r.Name + "/v" + strconv.Itoa(r.API)
}

// Store persists registrations. A later Put for the same name and api
// replaces the earlier one.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, name string, api int) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// MemoryStore keeps registrations in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.records[rec.Key()] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string, api int) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[Record{Name: name, API: api}.Key()]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	SortRecords(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// SortRecords orders records by name, then api.
func SortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Name != recs[j].Name {
			return recs[i].Name < recs[j].Name
		}
		return recs[i].API < recs[j].API
	})
}
