package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestAddAndGet(t *testing.T) {
	mb := NewMessageBuffer()

	mb.Add("room1", Message{From: "a", Text: "hello", Ts: 1})
	mb.Add("room1", Message{From: "b", Text: "hi", Ts: 2})

	msgs := mb.Get("room1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "hello" || msgs[1].Text != "hi" {
		t.Errorf("unexpected order: %+v", msgs)
	}
}

func TestKeepsLastMessages(t *testing.T) {
	mb := NewMessageBuffer()

	for i := 1; i <= 7; i++ {
		mb.Add("room1", Message{From: "a", Text: fmt.Sprintf("msg-%d", i), Ts: int64(i)})
	}

	msgs := mb.Get("room1")
	if len(msgs) != MaxBufferMessages {
		t.Fatalf("expected %d messages, got %d", MaxBufferMessages, len(msgs))
	}
	for i, msg := range msgs {
		if want := fmt.Sprintf("msg-%d", i+3); msg.Text != want {
			t.Errorf("index %d: expected %q, got %q", i, want, msg.Text)
		}
	}
}

func TestGetReturnsCopy(t *testing.T) {
	mb := NewMessageBuffer()
	mb.Add("room1", Message{Text: "original"})

	msgs := mb.Get("room1")
	msgs[0].Text = "changed"

	if got := mb.Get("room1")[0].Text; got != "original" {
		t.Errorf("buffer was modified through Get result: %q", got)
	}
}

func TestGetUnknownRoom(t *testing.T) {
	mb := NewMessageBuffer()

	msgs := mb.Get("nope")
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", msgs)
	}
}

func TestRemove(t *testing.T) {
	mb := NewMessageBuffer()
	mb.Add("room1", Message{Text: "hello"})
	mb.Add("room2", Message{Text: "other"})

	mb.Remove("room1")
	mb.Remove("does-not-exist")

	if n := len(mb.Get("room1")); n != 0 {
		t.Errorf("expected room1 cleared, got %d messages", n)
	}
	if n := len(mb.Get("room2")); n != 1 {
		t.Errorf("expected room2 untouched, got %d messages", n)
	}
}

func TestConcurrentAccess(t *testing.T) {
	mb := NewMessageBuffer()

	var wg sync.WaitGroup
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for m := 0; m < 20; m++ {
				mb.Add("room", Message{Text: fmt.Sprintf("g%d-m%d", id, m)})
				_ = mb.Get("room")
			}
		}(g)
	}
	wg.Wait()

	if n := len(mb.Get("room")); n != MaxBufferMessages {
		t.Fatalf("expected %d messages, got %d", MaxBufferMessages, n)
	}
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want error
	}{
		{"ok", "hello there", nil},
		{"empty", "", ErrEmptyMessage},
		{"blank", " \t\n", ErrEmptyMessage},
		{"too many bytes", strings.Repeat("a", MaxMessageBytes+1), ErrMessageTooLong},
		{"too many chars", strings.Repeat("é", MaxTextChars+1), ErrMessageTooLong},
		{"invalid utf8", "bad\xff", ErrInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if tt.want == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
