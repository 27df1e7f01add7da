package notify

import (
	"log/slog"
	"strings"
	"sync"
)

// DefaultCapacity is the number of records a Store retains when no capacity
// is given.
const DefaultCapacity = 100

// ChangeKind identifies a Store mutation.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeEvicted ChangeKind = "evicted"
	ChangeRead    ChangeKind = "read"
	ChangeRemoved ChangeKind = "removed"
	ChangeCleared ChangeKind = "cleared"
	ChangeUpdated ChangeKind = "updated"
)

// Change describes one mutation. Records holds the affected records as they
// were after the mutation (or before, for evictions, removals and clears).
type Change struct {
	Kind    ChangeKind
	Records []Record
	Unread  int
}

// Store keeps the newest notification records, deduplicated by id.
//
// Every public method is atomic. Change listeners run after the lock is
// released, so a listener may call back into the Store.
type Store struct {
	mu        sync.Mutex
	capacity  int
	records   []Record // newest first
	ids       map[string]struct{}
	unread    int
	listeners map[int]func(Change)
	nextID    int
	logger    *slog.Logger
}

// NewStore creates an empty Store. capacity <= 0 selects DefaultCapacity.
func NewStore(capacity int, logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		capacity:  capacity,
		ids:       make(map[string]struct{}),
		listeners: make(map[int]func(Change)),
		logger:    logger,
	}
}

// OnChange registers fn for every mutation and returns a function that
// removes it.
func (s *Store) OnChange(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Add inserts rec at the front unless a record with the same id is already
// present, in which case the Store is left unchanged and Add returns false.
// Records beyond capacity are evicted from the tail.
func (s *Store) Add(rec Record) bool {
	s.mu.Lock()
	if _, dup := s.ids[rec.ID]; dup {
		s.mu.Unlock()
		s.logger.Debug("duplicate notification ignored", "id", rec.ID)
		return false
	}

	s.records = append([]Record{rec}, s.records...)
	s.ids[rec.ID] = struct{}{}

	var evicted []Record
	if len(s.records) > s.capacity {
		evicted = append(evicted, s.records[s.capacity:]...)
		s.records = s.records[:s.capacity:s.capacity]
		for _, r := range evicted {
			delete(s.ids, r.ID)
		}
	}
	s.recount()
	unread := s.unread
	fns := s.snapshotListeners()
	s.mu.Unlock()

	if len(evicted) > 0 {
		s.logger.Debug("notifications evicted", "count", len(evicted))
		notify(fns, Change{Kind: ChangeEvicted, Records: evicted, Unread: unread})
	}
	notify(fns, Change{Kind: ChangeAdded, Records: []Record{rec}, Unread: unread})
	return true
}

// MarkRead marks the record with id read. It returns false if no such record
// exists.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	changed := !s.records[i].Read
	s.records[i].Read = true
	s.recount()
	rec, unread := s.records[i], s.unread
	fns := s.snapshotListeners()
	s.mu.Unlock()

	if changed {
		notify(fns, Change{Kind: ChangeRead, Records: []Record{rec}, Unread: unread})
	}
	return true
}

// MarkAllRead marks every record read and returns how many changed.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	var changed []Record
	for i := range s.records {
		if !s.records[i].Read {
			s.records[i].Read = true
			changed = append(changed, s.records[i])
		}
	}
	s.recount()
	unread := s.unread
	fns := s.snapshotListeners()
	s.mu.Unlock()

	if len(changed) > 0 {
		notify(fns, Change{Kind: ChangeRead, Records: changed, Unread: unread})
	}
	return len(changed)
}

// Remove deletes the record with id. It returns false if no such record
// exists.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	rec := s.records[i]
	s.records = append(s.records[:i], s.records[i+1:]...)
	delete(s.ids, id)
	s.recount()
	unread := s.unread
	fns := s.snapshotListeners()
	s.mu.Unlock()

	notify(fns, Change{Kind: ChangeRemoved, Records: []Record{rec}, Unread: unread})
	return true
}

// Clear removes every record.
func (s *Store) Clear() {
	s.mu.Lock()
	cleared := s.records
	s.records = nil
	s.ids = make(map[string]struct{})
	s.unread = 0
	fns := s.snapshotListeners()
	s.mu.Unlock()

	notify(fns, Change{Kind: ChangeCleared, Records: cleared})
}

// Refresh re-derives the message of records whose message is a raw JSON dump
// or a generic fallback, using the record's payload. It returns the number of
// records updated.
func (s *Store) Refresh() int {
	s.mu.Lock()
	var updated []Record
	for i := range s.records {
		r := &s.records[i]
		if r.Payload == nil || !staleMessage(r.Message) {
			continue
		}
		if msg := PayloadMessage(r.Payload); msg != "" && msg != r.Message {
			r.Message = msg
			updated = append(updated, *r)
		}
	}
	unread := s.unread
	fns := s.snapshotListeners()
	s.mu.Unlock()

	if len(updated) > 0 {
		notify(fns, Change{Kind: ChangeUpdated, Records: updated, Unread: unread})
	}
	return len(updated)
}

func staleMessage(msg string) bool {
	m := strings.TrimSpace(msg)
	if strings.HasPrefix(m, "{") || strings.HasPrefix(m, "[") || strings.Contains(m, `{"`) {
		return true
	}
	switch m {
	case genericFallback, eventTable[EventLeaveAlert].fallback, eventTable[EventEApprovalAlert].fallback:
		return true
	}
	return false
}

// List returns a copy of the records, newest first.
func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Get returns the record with id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.records[i], true
	}
	return Record{}, false
}

// UnreadCount returns the number of unread records.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) indexOf(id string) int {
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	for i := range s.records {
		if s.records[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) recount() {
	n := 0
	for i := range s.records {
		if !s.records[i].Read {
			n++
		}
	}
	s.unread = n
}

func (s *Store) snapshotListeners() []func(Change) {
	if len(s.listeners) == 0 {
		return nil
	}
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func(Change), c Change) {
	for _, fn := range fns {
		fn(c)
	}
}
