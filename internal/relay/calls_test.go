package relay

import (
	"errors"
	"testing"

	"github.com/skipon/matchmaker/internal/protocol"
)

func TestCallRegistry_OfferAcceptEnd(t *testing.T) {
	r := NewCallRegistry()

	c, err := r.Apply("room", "a", "b", protocol.TypeCallOffer, true)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if c.Status != CallRinging || c.Caller != "a" || c.Callee != "b" || !c.Video {
		t.Fatalf("unexpected call after offer: %+v", c)
	}

	if _, err := r.Apply("room", "a", "b", protocol.TypeCallAccept, false); !errors.Is(err, ErrNoCall) {
		t.Errorf("caller must not accept own call, got %v", err)
	}

	c, err = r.Apply("room", "b", "a", protocol.TypeCallAccept, false)
	if err != nil || c.Status != CallAccepted {
		t.Fatalf("accept: %+v, %v", c, err)
	}

	c, err = r.Apply("room", "b", "a", protocol.TypeCallEnd, false)
	if err != nil || c.Status != CallEnded {
		t.Fatalf("end: %+v, %v", c, err)
	}
	if _, ok := r.Get("room"); ok {
		t.Error("ended call should not be kept")
	}
}

func TestCallRegistry_Reject(t *testing.T) {
	r := NewCallRegistry()
	r.Apply("room", "a", "b", protocol.TypeCallOffer, false)

	c, err := r.Apply("room", "b", "a", protocol.TypeCallReject, false)
	if err != nil || c.Status != CallRejected {
		t.Fatalf("reject: %+v, %v", c, err)
	}
	if _, ok := r.Get("room"); ok {
		t.Error("rejected call should not be kept")
	}

	// A new offer is allowed after a rejection.
	if _, err := r.Apply("room", "b", "a", protocol.TypeCallOffer, false); err != nil {
		t.Errorf("offer after reject: %v", err)
	}
}

func TestCallRegistry_Conflict(t *testing.T) {
	r := NewCallRegistry()
	r.Apply("room", "a", "b", protocol.TypeCallOffer, false)

	if _, err := r.Apply("room", "b", "a", protocol.TypeCallOffer, false); !errors.Is(err, ErrCallConflict) {
		t.Errorf("expected ErrCallConflict, got %v", err)
	}
}

func TestCallRegistry_NoCall(t *testing.T) {
	r := NewCallRegistry()

	for _, action := range []string{protocol.TypeCallAccept, protocol.TypeCallReject, protocol.TypeCallEnd, "call_bogus"} {
		if _, err := r.Apply("room", "a", "b", action, false); !errors.Is(err, ErrNoCall) {
			t.Errorf("%s: expected ErrNoCall, got %v", action, err)
		}
	}
}

func TestCallRegistry_Mirror(t *testing.T) {
	r := NewCallRegistry()

	r.Mirror("room", callFromState(&protocol.CallState{Caller: "a", Callee: "b", Status: "ringing"}))
	c, ok := r.Get("room")
	if !ok || c.Caller != "a" || c.Status != CallRinging {
		t.Fatalf("unexpected mirrored call: %+v", c)
	}

	r.Mirror("room", callFromState(&protocol.CallState{Caller: "a", Callee: "b", Status: "ended"}))
	if _, ok := r.Get("room"); ok {
		t.Error("mirrored end should drop the call")
	}
}
