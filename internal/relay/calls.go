package relay

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/skipon/matchmaker/internal/participant"
	"github.com/skipon/matchmaker/internal/protocol"
)

// CallStatus is the state of a room's video call.
type CallStatus string

const (
	CallRinging  CallStatus = "ringing"
	CallAccepted CallStatus = "accepted"
	CallRejected CallStatus = "rejected"
	CallEnded    CallStatus = "ended"
)

var (
	// ErrCallConflict is returned for an offer while a call is ringing or live.
	ErrCallConflict = errors.New("relay: call already in progress")
	// ErrNoCall is returned when the action does not apply to the current call.
	ErrNoCall = errors.New("relay: no matching call")
)

// Call is a room's video call. Rejected and ended calls are not kept.
type Call struct {
	Caller    participant.ID
	Callee    participant.ID
	Status    CallStatus
	Video     bool
	CreatedAt time.Time
}

func (c Call) active() bool {
	return c.Status == CallRinging || c.Status == CallAccepted
}

func (c Call) state() *protocol.CallState {
	return &protocol.CallState{
		Caller: string(c.Caller),
		Callee: string(c.Callee),
		Status: string(c.Status),
		Video:  c.Video,
	}
}

func callFromState(s *protocol.CallState) Call {
	return Call{
		Caller: participant.ID(s.Caller),
		Callee: participant.ID(s.Callee),
		Status: CallStatus(s.Status),
		Video:  s.Video,
	}
}

// CallRegistry tracks the call of every room with a connection on this
// instance.
type CallRegistry struct {
	mu    sync.Mutex
	calls map[string]Call
	now   func() time.Time
}

func NewCallRegistry() *CallRegistry {
	return &CallRegistry{calls: make(map[string]Call), now: time.Now}
}

// Apply performs a call_* action by actor against partner and returns the
// resulting call.
//
//	call_offer   no active call        -> ringing, actor is the caller
//	call_accept  ringing, actor callee -> accepted
//	call_reject  ringing, actor callee -> rejected
//	call_end     active, actor a party -> ended
func (r *CallRegistry) Apply(roomID string, actor, partner participant.ID, action string, video bool) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.calls[roomID]
	var next Call

	switch action {
	case protocol.TypeCallOffer:
		if ok && cur.active() {
			return cur, ErrCallConflict
		}
		next = Call{Caller: actor, Callee: partner, Status: CallRinging, Video: video, CreatedAt: r.now()}
	case protocol.TypeCallAccept:
		if !ok || cur.Status != CallRinging || cur.Callee != actor {
			return Call{}, ErrNoCall
		}
		next = cur
		next.Status = CallAccepted
	case protocol.TypeCallReject:
		if !ok || cur.Status != CallRinging || cur.Callee != actor {
			return Call{}, ErrNoCall
		}
		next = cur
		next.Status = CallRejected
	case protocol.TypeCallEnd:
		if !ok || !cur.active() || (cur.Caller != actor && cur.Callee != actor) {
			return Call{}, ErrNoCall
		}
		next = cur
		next.Status = CallEnded
	default:
		return Call{}, ErrNoCall
	}

	r.set(roomID, next)
	log.Printf("[relay] call room=%s caller=%s status=%s", roomID, next.Caller, next.Status)
	return next, nil
}

// Mirror records a call state decided by another instance.
func (r *CallRegistry) Mirror(roomID string, c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	r.set(roomID, c)
}

func (r *CallRegistry) set(roomID string, c Call) {
	if c.active() {
		r.calls[roomID] = c
		return
	}
	delete(r.calls, roomID)
}

// Get returns the active call of a room.
func (r *CallRegistry) Get(roomID string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[roomID]
	return c, ok
}

// End drops the room's call.
func (r *CallRegistry) End(roomID string) {
	r.mu.Lock()
	delete(r.calls, roomID)
	r.mu.Unlock()
}
