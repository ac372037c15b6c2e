package service

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fxamacker/cbor/v2"

	"telegram-queue-bot/internal/domain"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding: sorted map keys, smallest integer encoding. Same logical
// state always produces identical bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR; unknown fields are ignored so newer
// code keeps reading older snapshots.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// Store persists the state snapshot and the rating cache, each as a
// single CBOR file rewritten in full on every save.
type Store struct {
	dataPath   string
	ratingPath string
	log        *slog.Logger
}

func NewStore(dataPath, ratingPath string, log *slog.Logger) *Store {
	return &Store{dataPath: dataPath, ratingPath: ratingPath, log: log}
}

// snapshotWire mirrors domain.Snapshot with raw user values so that
// legacy snapshots, where a user was stored as a bare name string, can
// still be decoded.
type snapshotWire struct {
	Users  map[int64]cbor.RawMessage `cbor:"users"`
	Queues map[string][]string       `cbor:"queues"`
}

func (st *Store) Save(s *domain.Snapshot) error {
	data, err := encMode.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(st.dataPath, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", st.dataPath, err)
	}
	return nil
}

// Load reads the snapshot file. A missing file means first run: an
// empty snapshot is created and written so the file exists from then
// on. Any other failure is logged and the state resets to empty —
// recovery from corruption is "start over", not "repair".
func (st *Store) Load() *domain.Snapshot {
	raw, err := os.ReadFile(st.dataPath)
	if errors.Is(err, os.ErrNotExist) {
		st.log.Info("snapshot file not found, starting with empty state", "path", st.dataPath)
		return st.reset()
	}
	if err != nil {
		st.log.Error("snapshot read failed, resetting to empty state", "path", st.dataPath, "err", err)
		return st.reset()
	}

	var wire snapshotWire
	if err := decMode.Unmarshal(raw, &wire); err != nil {
		st.log.Error("snapshot decode failed, resetting to empty state", "path", st.dataPath, "err", err)
		return st.reset()
	}

	snap := domain.NewSnapshot()
	for id, rawUser := range wire.Users {
		u, err := decodeUser(rawUser)
		if err != nil {
			st.log.Warn("skipping undecodable user record", "user_id", id, "err", err)
			continue
		}
		snap.Users[id] = u
	}
	for subject, queue := range wire.Queues {
		snap.Queues[subject] = queue
	}
	st.log.Info("snapshot loaded", "path", st.dataPath, "users", len(snap.Users), "queues", len(snap.Queues))
	return snap
}

func (st *Store) reset() *domain.Snapshot {
	snap := domain.NewSnapshot()
	if err := st.Save(snap); err != nil {
		st.log.Error("writing fresh snapshot failed", "err", err)
	}
	return snap
}

// decodeUser accepts the current {name, banned} record and the legacy
// shape where the value was just the display name.
func decodeUser(raw cbor.RawMessage) (domain.User, error) {
	var u domain.User
	if err := decMode.Unmarshal(raw, &u); err == nil {
		return u, nil
	}
	var name string
	if err := decMode.Unmarshal(raw, &name); err != nil {
		return domain.User{}, fmt.Errorf("user record is neither a struct nor a name: %w", err)
	}
	return domain.User{Name: name}, nil
}

func (st *Store) SaveRatings(r domain.Ratings) error {
	data, err := encMode.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode ratings: %w", err)
	}
	if err := os.WriteFile(st.ratingPath, data, 0o644); err != nil {
		return fmt.Errorf("write ratings %s: %w", st.ratingPath, err)
	}
	return nil
}

// LoadRatings reads the rating cache, falling back to an empty cache
// when the file is missing or unreadable. Unlike the snapshot, nothing
// is written back: the cache reappears on the next manual refresh.
func (st *Store) LoadRatings() domain.Ratings {
	raw, err := os.ReadFile(st.ratingPath)
	if errors.Is(err, os.ErrNotExist) {
		st.log.Info("rating cache not found", "path", st.ratingPath)
		return make(domain.Ratings)
	}
	if err != nil {
		st.log.Error("rating cache read failed", "path", st.ratingPath, "err", err)
		return make(domain.Ratings)
	}
	var r domain.Ratings
	if err := decMode.Unmarshal(raw, &r); err != nil {
		st.log.Error("rating cache decode failed", "path", st.ratingPath, "err", err)
		return make(domain.Ratings)
	}
	if r == nil {
		r = make(domain.Ratings)
	}
	return r
}
