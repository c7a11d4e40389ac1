// Package queue implements the durable pending, in-flight and retry queues.
// A URL is a member of at most one of them; the retry queue supersedes the
// other two.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// Name identifies one of the queues.
type Name string

// Queue names. InFlight holds entries handed out by DequeueBatch that have not
// been completed or isolated yet; on disk it lets a crashed run be resumed.
const (
	Pending  Name = "pending"
	InFlight Name = "in_flight"
	Retry    Name = "retry"
)

var names = []Name{Pending, InFlight, Retry}

// Sentinel errors returned by Enqueue and MoveToRetry.
var (
	ErrIndexed       = errors.New("url already indexed")
	ErrAlreadyQueued = errors.New("url already queued")
	ErrNotQueued     = errors.New("url not queued")
	ErrInvalidEntry  = errors.New("queue entry has no normalized url")
)

// Failure describes why an entry is being isolated.
type Failure struct {
	Err      error
	Class    catalog.Class
	Attempts int
	At       time.Time
}

// Set holds the three queues and the membership index that keeps them
// mutually exclusive.
type Set struct {
	lists map[Name][]catalog.QueueEntry
	where map[string]Name
	dirty map[Name]bool
}

// NewSet returns empty queues.
func NewSet() *Set {
	s := &Set{
		lists: make(map[Name][]catalog.QueueEntry, len(names)),
		where: make(map[string]Name),
		dirty: make(map[Name]bool, len(names)),
	}
	for _, n := range names {
		s.lists[n] = nil
	}
	return s
}

// Where reports which queue holds url.
func (s *Set) Where(url string) (Name, bool) {
	n, ok := s.where[url]
	return n, ok
}

// Contains reports whether url is in any queue.
func (s *Set) Contains(url string) bool {
	_, ok := s.where[url]
	return ok
}

// Enqueue appends entry to the pending queue. It is a no-op returning
// ErrIndexed when the URL is indexed and the entry is not forced, and
// ErrAlreadyQueued when any queue already holds it.
func (s *Set) Enqueue(entry catalog.QueueEntry, indexed bool) error {
	if entry.NormalizedURL == "" {
		return ErrInvalidEntry
	}
	if indexed && !entry.Metadata.Force {
		return ErrIndexed
	}
	if n, ok := s.where[entry.NormalizedURL]; ok {
		return fmt.Errorf("%w in %s", ErrAlreadyQueued, n)
	}
	s.push(Pending, entry)
	return nil
}

// DequeueBatch moves up to n entries from the head of pending to in-flight and
// returns them.
func (s *Set) DequeueBatch(n int) []catalog.QueueEntry {
	pending := s.lists[Pending]
	if n <= 0 || len(pending) == 0 {
		return nil
	}
	if n > len(pending) {
		n = len(pending)
	}
	batch := make([]catalog.QueueEntry, n)
	copy(batch, pending[:n])
	s.lists[Pending] = append([]catalog.QueueEntry(nil), pending[n:]...)
	s.dirty[Pending] = true
	for _, e := range batch {
		s.push(InFlight, e)
	}
	return batch
}

// Complete removes a processed entry from in-flight (or pending).
func (s *Set) Complete(url string) bool {
	n, ok := s.where[url]
	if !ok || n == Retry {
		return false
	}
	s.remove(n, url)
	return true
}

// MoveToRetry isolates url into the retry queue. The entry leaves whichever
// queue held it in the same mutation, so it lands in retry exactly once; an
// entry already in retry only has its failure metadata refreshed.
func (s *Set) MoveToRetry(url string, f Failure) (catalog.QueueEntry, error) {
	n, ok := s.where[url]
	if !ok {
		return catalog.QueueEntry{}, fmt.Errorf("move %s to retry: %w", url, ErrNotQueued)
	}
	entry, _ := s.remove(n, url)
	entry.Metadata.Attempts = f.Attempts
	if f.Err != nil {
		entry.Metadata.LastError = f.Err.Error()
	}
	entry.Metadata.ErrorClass = f.Class
	entry.Metadata.FailedAt = f.At
	s.push(Retry, entry)
	return entry, nil
}

// DrainRetryIntoPending moves every retry entry to the tail of pending with
// its attempt counter reset. It returns the number moved.
func (s *Set) DrainRetryIntoPending() int {
	retry := s.lists[Retry]
	for _, e := range retry {
		s.remove(Retry, e.NormalizedURL)
		e.Metadata.Attempts = 0
		s.push(Pending, e)
	}
	return len(retry)
}

// RecoverInFlight returns in-flight entries left by an interrupted run to the
// head of pending, preserving their order.
func (s *Set) RecoverInFlight() int {
	inflight := s.lists[InFlight]
	if len(inflight) == 0 {
		return 0
	}
	for _, e := range inflight {
		s.where[e.NormalizedURL] = Pending
	}
	s.lists[Pending] = append(append([]catalog.QueueEntry(nil), inflight...), s.lists[Pending]...)
	s.lists[InFlight] = nil
	s.dirty[Pending] = true
	s.dirty[InFlight] = true
	return len(inflight)
}

// RemoveURL drops url from whichever queue holds it.
func (s *Set) RemoveURL(url string) (Name, bool) {
	n, ok := s.where[url]
	if !ok {
		return "", false
	}
	s.remove(n, url)
	return n, true
}

// Len returns the length of one queue.
func (s *Set) Len(n Name) int {
	return len(s.lists[n])
}

// Entries returns a copy of one queue in order.
func (s *Set) Entries(n Name) []catalog.QueueEntry {
	return append([]catalog.QueueEntry(nil), s.lists[n]...)
}

// Dirty reports whether a queue changed since it was loaded or saved.
func (s *Set) Dirty(n Name) bool {
	return s.dirty[n]
}

func (s *Set) push(n Name, e catalog.QueueEntry) {
	s.lists[n] = append(s.lists[n], e)
	s.where[e.NormalizedURL] = n
	s.dirty[n] = true
}

func (s *Set) remove(n Name, url string) (catalog.QueueEntry, bool) {
	list := s.lists[n]
	for i, e := range list {
		if e.NormalizedURL != url {
			continue
		}
		s.lists[n] = append(list[:i:i], list[i+1:]...)
		if s.where[url] == n {
			delete(s.where, url)
		}
		s.dirty[n] = true
		return e, true
	}
	return catalog.QueueEntry{}, false
}
