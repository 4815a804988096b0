package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// MemoryConfig controls retention of the in-memory store.
type MemoryConfig struct {
	// Retention drops documents not updated within this window. Zero keeps
	// documents forever.
	Retention time.Duration
	// CleanupInterval is how often expired documents are swept. Zero disables
	// the background sweep.
	CleanupInterval time.Duration
	// MaxDocuments triggers an eager sweep when exceeded. Zero means no limit.
	MaxDocuments int
}

type memoryEntry struct {
	fields     map[string]any
	createTime time.Time
	updateTime time.Time
}

// CollectionStats summarises one collection.
type CollectionStats struct {
	Collection string    `json:"collection"`
	Documents  int       `json:"documents"`
	LastUpdate time.Time `json:"last_update"`
}

// MemoryStore is a process-local Store guarded by an RWMutex.
type MemoryStore struct {
	docs   map[string]map[string]*memoryEntry
	config MemoryConfig
	clock  quartz.Clock
	mutex  sync.RWMutex
	closed bool

	cleanupTicker *quartz.Ticker
	cleanupStop   chan struct{}
	stopOnce      sync.Once
}

// NewMemoryStore returns an empty store with no retention.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithConfig(MemoryConfig{}, quartz.NewReal())
}

// NewMemoryStoreWithConfig returns a store that sweeps expired documents.
func NewMemoryStoreWithConfig(config MemoryConfig, clock quartz.Clock) *MemoryStore {
	s := &MemoryStore{
		docs:        make(map[string]map[string]*memoryEntry),
		config:      config,
		clock:       clock,
		cleanupStop: make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		s.startCleanupRoutine()
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, collection, id string) (*Document, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return nil, ErrUnavailable
	}
	entry, ok := s.docs[collection][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return &Document{
		ID:         id,
		Fields:     cloneFields(entry.fields),
		UpdateTime: entry.updateTime,
	}, nil
}

func (s *MemoryStore) Set(_ context.Context, collection, id string, writes []Write) error {
	if collection == "" || id == "" {
		return fmt.Errorf("%w: collection and id are required", ErrInvalidWrite)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrUnavailable
	}

	now := s.clock.Now().UTC()
	coll := s.docs[collection]
	if coll == nil {
		coll = make(map[string]*memoryEntry)
		s.docs[collection] = coll
	}

	entry := coll[id]
	var fields map[string]any
	if entry == nil {
		fields = make(map[string]any)
	} else {
		fields = cloneFields(entry.fields)
	}
	if err := applyWrites(fields, writes, now); err != nil {
		return err
	}

	if entry == nil {
		entry = &memoryEntry{createTime: now}
		coll[id] = entry
	}
	entry.fields = fields
	entry.updateTime = now

	if s.shouldCleanup() {
		s.performCleanup()
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return ErrUnavailable
	}
	return nil
}

// Close stops the cleanup routine. Subsequent calls return ErrUnavailable.
func (s *MemoryStore) Close() error {
	s.Stop()
	s.mutex.Lock()
	s.closed = true
	s.mutex.Unlock()
	return nil
}

// Stop ends the background sweep without closing the store.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.cleanupStop) })
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *MemoryStore) Delete(_ context.Context, collection, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.docs[collection], id)
	return nil
}

// Stats returns per-collection document counts ordered by collection name.
func (s *MemoryStore) Stats() []CollectionStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]CollectionStats, 0, len(s.docs))
	for name, coll := range s.docs {
		cs := CollectionStats{Collection: name, Documents: len(coll)}
		for _, e := range coll {
			if e.updateTime.After(cs.LastUpdate) {
				cs.LastUpdate = e.updateTime
			}
		}
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Collection < out[j].Collection
	})
	return out
}

// DeleteBefore drops documents not updated since cutoff.
func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return int64(s.deleteBefore(cutoff)), nil
}

// Reset drops every document.
func (s *MemoryStore) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.docs = make(map[string]map[string]*memoryEntry)
}

func (s *MemoryStore) count() int {
	n := 0
	for _, coll := range s.docs {
		n += len(coll)
	}
	return n
}

func (s *MemoryStore) shouldCleanup() bool {
	return s.config.MaxDocuments > 0 && s.count() > s.config.MaxDocuments
}

// performCleanup drops expired documents. Caller holds the write lock.
func (s *MemoryStore) performCleanup() int {
	if s.config.Retention <= 0 {
		return 0
	}
	return s.deleteBefore(s.clock.Now().UTC().Add(-s.config.Retention))
}

func (s *MemoryStore) deleteBefore(cutoff time.Time) int {
	removed := 0
	for name, coll := range s.docs {
		for id, e := range coll {
			if e.updateTime.Before(cutoff) {
				delete(coll, id)
				removed++
			}
		}
		if len(coll) == 0 {
			delete(s.docs, name)
		}
	}
	return removed
}

func (s *MemoryStore) startCleanupRoutine() {
	s.cleanupTicker = s.clock.NewTicker(s.config.CleanupInterval, "storage", "cleanup")

	go func() {
		for {
			select {
			case <-s.cleanupTicker.C:
				s.mutex.Lock()
				s.performCleanup()
				s.mutex.Unlock()
			case <-s.cleanupStop:
				s.cleanupTicker.Stop()
				return
			}
		}
	}()
}
