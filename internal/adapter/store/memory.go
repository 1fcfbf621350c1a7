package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"a2a-coordinator/internal/domain"
)

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	// Dir, when set, holds one <table>.json snapshot per table, rewritten
	// after every upsert and loaded on open.
	Dir string
	// MaxRecords caps each table; the least recently updated records are
	// evicted first. Zero means unbounded.
	MaxRecords int
	Bus        domain.EventBus
	Clock      domain.Clock
	Logger     *slog.Logger
}

// MemoryStore keeps records in maps, one lock per table.
type MemoryStore struct {
	opts MemoryOptions
	feed *feed

	mu     sync.RWMutex
	tables map[string]*memTable
}

type memTable struct {
	mu      sync.RWMutex
	records map[string]domain.Record
}

// NewMemoryStore creates a memory store, loading snapshots from opts.Dir.
func NewMemoryStore(opts MemoryOptions) (*MemoryStore, error) {
	s := &MemoryStore{
		opts:   opts,
		feed:   newFeed(opts.Bus, opts.Clock, opts.Logger),
		tables: make(map[string]*memTable),
	}
	if opts.Dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("memstore: create dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("memstore: load: %w", err)
	}
	return s, nil
}

func (s *MemoryStore) table(name string) *memTable {
	s.mu.RLock()
	t, ok := s.tables[name]
	s.mu.RUnlock()
	if ok {
		return t
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok = s.tables[name]; !ok {
		t = &memTable{records: make(map[string]domain.Record)}
		s.tables[name] = t
	}
	return t
}

// Upsert inserts or replaces rec by ID.
func (s *MemoryStore) Upsert(ctx context.Context, table string, rec domain.Record) error {
	if rec.ID == "" {
		return domain.NewDomainError("MemoryStore.Upsert", domain.ErrInvalidInput, "record id is required")
	}
	if len(rec.Data) > 0 && !json.Valid(rec.Data) {
		return domain.NewDomainError("MemoryStore.Upsert", domain.ErrInvalidInput, "record data is not valid JSON")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.feed.clock.Now()
	}
	t := s.table(table)

	t.mu.Lock()
	op := domain.ChangeInsert
	if _, ok := t.records[rec.ID]; ok {
		op = domain.ChangeUpdate
	}
	t.records[rec.ID] = rec
	if s.opts.MaxRecords > 0 && len(t.records) > s.opts.MaxRecords {
		t.evictOldest(s.opts.MaxRecords)
	}
	var err error
	if s.opts.Dir != "" {
		err = writeJSON(s.snapshotPath(table), t.sorted())
	}
	t.mu.Unlock()

	if err != nil {
		return domain.WrapOp("MemoryStore.Upsert", err)
	}
	s.feed.emit(ctx, domain.ChangeEvent{Table: table, Op: op, Record: rec})
	return nil
}

// Query returns matching records ordered by update time.
func (s *MemoryStore) Query(_ context.Context, table string, filter domain.Filter) ([]domain.Record, error) {
	s.mu.RLock()
	t, ok := s.tables[table]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	t.mu.RLock()
	all := t.sorted()
	t.mu.RUnlock()

	if len(filter) == 0 {
		return all, nil
	}
	out := all[:0]
	for _, rec := range all {
		if matches(rec, filter) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Subscribe streams changes to table until ctx is done.
func (s *MemoryStore) Subscribe(ctx context.Context, table string, op domain.ChangeOp) (<-chan domain.ChangeEvent, error) {
	return s.feed.subscribe(ctx, table, op)
}

// Close ends all subscriptions.
func (s *MemoryStore) Close() error {
	s.feed.close()
	return nil
}

func (t *memTable) sorted() []domain.Record {
	out := make([]domain.Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// evictOldest removes the least recently updated records until at most limit remain.
func (t *memTable) evictOldest(limit int) {
	for _, r := range t.sorted() {
		if len(t.records) <= limit {
			return
		}
		delete(t.records, r.ID)
	}
}

func (s *MemoryStore) snapshotPath(table string) string {
	return filepath.Join(s.opts.Dir, table+".json")
}

func (s *MemoryStore) load() error {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return domain.WrapOp("read", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.opts.Dir, e.Name()))
		if err != nil {
			return domain.WrapOp("read", err)
		}
		var recs []domain.Record
		if err := json.Unmarshal(data, &recs); err != nil {
			return fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		t := s.table(e.Name()[:len(e.Name())-len(".json")])
		for _, r := range recs {
			t.records[r.ID] = r
		}
	}
	return nil
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}

// matches compares each filter value with the record's top-level field by
// JSON encoding, so 3 and 3.0 are equal and types otherwise must agree.
func matches(rec domain.Record, filter domain.Filter) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec.Data, &fields); err != nil {
		return false
	}
	for k, want := range filter {
		got, ok := fields[k]
		if !ok {
			return false
		}
		if !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

func jsonEqual(raw json.RawMessage, want any) bool {
	var got any
	if err := json.Unmarshal(raw, &got); err != nil {
		return false
	}
	a, err1 := json.Marshal(got)
	b, err2 := json.Marshal(want)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(a, b)
}
