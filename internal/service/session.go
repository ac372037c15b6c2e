package service

import "sync"

// Step enumerates what a wizard is waiting for next. One table entry
// per operator, so starting any flow cancels every other in-flight
// flow for that operator.
type Step int

const (
	StepNone Step = iota
	StepRemoveSubject
	StepRemoveUser
	StepForgetUser
	StepAddSubject
	StepAddUser
	StepAddPosition
	StepBanUser
	StepUnbanUser
)

// Session is one operator's in-flight wizard: the pending step plus
// whatever the earlier steps already selected. Transient; lost on
// restart.
type Session struct {
	Step    Step
	Subject string
	Target  int64
}

// Sessions tracks elevated operators and their wizard sessions.
type Sessions struct {
	mu       sync.Mutex
	elevated map[int64]bool
	pending  map[int64]Session
}

func NewSessions() *Sessions {
	return &Sessions{
		elevated: make(map[int64]bool),
		pending:  make(map[int64]Session),
	}
}

// Elevate grants operator access. The flag has no expiry; only Demote
// clears it.
func (t *Sessions) Elevate(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elevated[id] = true
}

// Demote drops operator access along with any in-flight wizard.
func (t *Sessions) Demote(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.elevated, id)
	delete(t.pending, id)
}

func (t *Sessions) IsElevated(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elevated[id]
}

// Begin starts a wizard at the given step, discarding whatever flow
// the operator had pending before.
func (t *Sessions) Begin(id int64, step Step) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id] = Session{Step: step}
}

// Expect returns the operator's session when its pending step matches
// the event being handled. A mismatch means the event is stale (old
// button, replayed callback) and must not advance anything.
func (t *Sessions) Expect(id int64, step Step) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.pending[id]
	if !ok || s.Step != step {
		return Session{}, false
	}
	return s, true
}

// Update records the operator's session after a valid step input.
func (t *Sessions) Update(id int64, s Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id] = s
}

// Clear ends the operator's wizard, keeping elevation.
func (t *Sessions) Clear(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}
