package domain

// User is a registered student. Queue entries reference users by the
// display name stored here, not by id: the registry is the single
// source of identity for queue membership.
type User struct {
	Name   string `cbor:"name"`
	Banned bool   `cbor:"banned"`
}

// Snapshot is the full persisted state: the user registry plus one
// ordered queue per subject. It is rewritten as a whole after every
// mutation.
type Snapshot struct {
	Users  map[int64]User      `cbor:"users"`
	Queues map[string][]string `cbor:"queues"`
}

// NewSnapshot returns an empty snapshot with both maps allocated.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Users:  make(map[int64]User),
		Queues: make(map[string][]string),
	}
}

// Ratings maps subject -> full name -> score. A subject's map is
// replaced wholesale on each refresh.
type Ratings map[string]map[string]float64

// SnapshotStore persists the registry and queues as one blob.
// Load never fails: a missing or unreadable file yields a fresh empty
// snapshot (which is immediately written back).
type SnapshotStore interface {
	Save(s *Snapshot) error
	Load() *Snapshot
}

// RatingStore persists the rating cache, independent of the snapshot.
type RatingStore interface {
	SaveRatings(r Ratings) error
	LoadRatings() Ratings
}
