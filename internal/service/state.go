package service

import (
	"log/slog"
	"sort"
	"sync"

	"telegram-queue-bot/internal/domain"
)

// Entry is a registry record together with its id, for listings and
// keyboard construction.
type Entry struct {
	ID     int64
	Name   string
	Banned bool
}

// State owns the user registry and the per-subject queues behind a
// single lock. Every successful mutation is written through the store;
// a failed write is logged and the in-memory state stands.
//
// Queues hold display names, not ids. Two users sharing a name is a
// known limitation carried over from the stored format; the id-keyed
// methods below resolve names internally so callers never depend on
// it.
type State struct {
	mu       sync.Mutex
	store    domain.SnapshotStore
	subjects []string
	users    map[int64]domain.User
	order    []int64
	queues   map[string][]string
	log      *slog.Logger
}

// NewState builds the container from a loaded snapshot. Only the
// configured subjects get queues; a subject missing from the snapshot
// starts empty. Registry iteration order is insertion order within a
// run; records loaded from disk are ordered by ascending id.
func NewState(subjects []string, snap *domain.Snapshot, store domain.SnapshotStore, log *slog.Logger) *State {
	s := &State{
		store:    store,
		subjects: append([]string(nil), subjects...),
		users:    make(map[int64]domain.User, len(snap.Users)),
		queues:   make(map[string][]string, len(subjects)),
		log:      log,
	}
	for id, u := range snap.Users {
		s.users[id] = u
		s.order = append(s.order, id)
	}
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
	for _, subject := range subjects {
		s.queues[subject] = append([]string(nil), snap.Queues[subject]...)
	}
	return s
}

// persist writes the full snapshot. Called with the lock held; failure
// is logged and never surfaced to the operation that caused it.
func (s *State) persist() {
	snap := &domain.Snapshot{Users: s.users, Queues: s.queues}
	if err := s.store.Save(snap); err != nil {
		s.log.Error("state persist failed", "err", err)
	}
}

func (s *State) Subjects() []string {
	return append([]string(nil), s.subjects...)
}

// Register creates a record for a new user. Fails if the id is
// already registered.
func (s *State) Register(id int64, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; ok {
		return false
	}
	s.users[id] = domain.User{Name: name}
	s.order = append(s.order, id)
	s.persist()
	s.log.Info("user registered", "user_id", id, "name", name)
	return true
}

func (s *State) Get(id int64) (domain.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *State) NameOf(id int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u.Name, ok
}

// Forget deletes the record entirely. Queue entries under the user's
// name are not touched here; the forget flow purges them with
// PurgeName as its second step.
func (s *State) Forget(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return false
	}
	delete(s.users, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.persist()
	s.log.Info("user forgotten", "user_id", id)
	return true
}

// PurgeName removes every queue occurrence of the given display name
// and reports how many entries went away. Persists only when
// something was removed.
func (s *State) PurgeName(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.purgeNameLocked(name)
	if removed > 0 {
		s.persist()
	}
	return removed
}

func (s *State) purgeNameLocked(name string) int {
	removed := 0
	for subject, queue := range s.queues {
		kept := queue[:0]
		for _, n := range queue {
			if n == name {
				removed++
				continue
			}
			kept = append(kept, n)
		}
		s.queues[subject] = kept
	}
	return removed
}

// Users returns every registry record in insertion order.
func (s *State) Users() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		u := s.users[id]
		out = append(out, Entry{ID: id, Name: u.Name, Banned: u.Banned})
	}
	return out
}

// AllBanned returns the banned records in registry insertion order.
func (s *State) AllBanned() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, id := range s.order {
		if u := s.users[id]; u.Banned {
			out = append(out, Entry{ID: id, Name: u.Name, Banned: true})
		}
	}
	return out
}

// Queue returns a copy of the subject's queue. The second result is
// false for subjects outside the configured set.
func (s *State) Queue(subject string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[subject]
	if !ok {
		return nil, false
	}
	return append([]string(nil), q...), true
}

// InQueue reports whether the user's name currently sits in the
// subject's queue.
func (s *State) InQueue(id int64, subject string) bool {
	_, at := s.PositionOf(id, subject)
	return at
}

// PositionOf returns the 0-based queue index of the user's name.
func (s *State) PositionOf(id int64, subject string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, false
	}
	for i, n := range s.queues[subject] {
		if n == u.Name {
			return i, true
		}
	}
	return 0, false
}

// AddToQueue puts the user's name into the subject's queue. An
// existing occurrence is removed first, so a successful add never
// duplicates, only repositions. A position in [0, len] inserts there
// (len appends); nil or out-of-range appends. Fails for unknown
// subjects, unknown ids, and banned users.
func (s *State) AddToQueue(id int64, subject string, position *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		s.log.Warn("add to queue: unknown user", "user_id", id, "subject", subject)
		return false
	}
	if u.Banned {
		s.log.Warn("add to queue: user is banned", "user_id", id, "subject", subject)
		return false
	}
	queue, ok := s.queues[subject]
	if !ok {
		s.log.Warn("add to queue: unknown subject", "user_id", id, "subject", subject)
		return false
	}
	queue = removeName(queue, u.Name)
	if position != nil && *position >= 0 && *position <= len(queue) {
		queue = append(queue, "")
		copy(queue[*position+1:], queue[*position:])
		queue[*position] = u.Name
		s.log.Info("queue insert", "user_id", id, "subject", subject, "position", *position)
	} else {
		queue = append(queue, u.Name)
		s.log.Info("queue append", "user_id", id, "subject", subject)
	}
	s.queues[subject] = queue
	s.persist()
	return true
}

// RemoveFromQueue drops the user's single occurrence from the
// subject's queue. Fails when the name is not there.
func (s *State) RemoveFromQueue(id int64, subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return false
	}
	if u.Banned {
		return false
	}
	queue, ok := s.queues[subject]
	if !ok || !contains(queue, u.Name) {
		s.log.Info("remove from queue: not present", "user_id", id, "subject", subject)
		return false
	}
	s.queues[subject] = removeName(queue, u.Name)
	s.persist()
	s.log.Info("removed from queue", "user_id", id, "subject", subject)
	return true
}

// MoveInQueue repositions the user's name. newPosition is validated
// against the queue before removal, which makes [0, len-1] exactly the
// indices reachable after the remove-then-insert.
func (s *State) MoveInQueue(id int64, subject string, newPosition int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || u.Banned {
		return false
	}
	queue, ok := s.queues[subject]
	if !ok || !contains(queue, u.Name) {
		return false
	}
	if newPosition < 0 || newPosition >= len(queue) {
		s.log.Warn("move in queue: position out of range", "user_id", id, "subject", subject, "position", newPosition)
		return false
	}
	queue = removeName(queue, u.Name)
	queue = append(queue, "")
	copy(queue[newPosition+1:], queue[newPosition:])
	queue[newPosition] = u.Name
	s.queues[subject] = queue
	s.persist()
	s.log.Info("moved in queue", "user_id", id, "subject", subject, "position", newPosition)
	return true
}

// CleanOrphans removes queue entries whose name matches no registry
// record. Persists only when at least one entry was removed.
func (s *State) CleanOrphans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]bool, len(s.users))
	for _, u := range s.users {
		known[u.Name] = true
	}
	removed := 0
	for subject, queue := range s.queues {
		kept := queue[:0]
		for _, n := range queue {
			if !known[n] {
				removed++
				continue
			}
			kept = append(kept, n)
		}
		s.queues[subject] = kept
	}
	if removed > 0 {
		s.persist()
		s.log.Info("orphaned queue entries removed", "count", removed)
	}
	return removed
}

// Ban marks the user banned and purges their name from every queue.
// Fails for unknown ids and users already banned. Notifying the user
// is the caller's concern.
func (s *State) Ban(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || u.Banned {
		return false
	}
	u.Banned = true
	s.users[id] = u
	s.purgeNameLocked(u.Name)
	s.persist()
	s.log.Info("user banned", "user_id", id, "name", u.Name)
	return true
}

// Unban clears the ban flag. Queue positions lost to the ban are not
// restored; the user rejoins on their own.
func (s *State) Unban(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return false
	}
	u.Banned = false
	s.users[id] = u
	s.persist()
	s.log.Info("user unbanned", "user_id", id, "name", u.Name)
	return true
}

// IsBanned reports the ban flag; unknown ids are not banned.
func (s *State) IsBanned(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id].Banned
}

func removeName(queue []string, name string) []string {
	for i, n := range queue {
		if n == name {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

func contains(queue []string, name string) bool {
	for _, n := range queue {
		if n == name {
			return true
		}
	}
	return false
}
