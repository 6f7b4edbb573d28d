// Package participant defines the identity and gender values shared by the
// queue, the room store and the matchmaker, along with the gender
// compatibility rule used to pair participants.
package participant

import (
	"errors"
	"fmt"
	"strings"
)

// ID is an opaque, stable participant identifier. Guest and authenticated
// participants share the same representation; whether an ID belongs to a
// guest is tracked separately and never encoded in the string itself.
type ID string

// Gender is the declared gender of a participant and also names the queue
// bucket the participant waits in.
type Gender string

const (
	Male   Gender = "male"
	Female Gender = "female"
	Other  Gender = "other"
)

var (
	// ErrInvalidGender is returned by ParseGender for values outside the
	// closed gender set.
	ErrInvalidGender = errors.New("participant: invalid gender")

	// ErrMissingIdentity is returned when neither a verified credential nor
	// an explicit guest identifier is available for a request.
	ErrMissingIdentity = errors.New("participant: missing identity")
)

// Genders lists every bucket in a stable order.
var Genders = []Gender{Male, Female, Other}

// ParseGender normalizes s and validates it against the closed gender set.
func ParseGender(s string) (Gender, error) {
	g := Gender(strings.ToLower(strings.TrimSpace(s)))
	if !g.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidGender, s)
	}
	return g, nil
}

// Valid reports whether g is one of the known genders.
func (g Gender) Valid() bool {
	switch g {
	case Male, Female, Other:
		return true
	}
	return false
}

// Compatible reports whether participants of genders a and b may be paired.
// Male and female match each other; other matches only other. Identity
// checks (a participant matching itself) are the caller's job.
func Compatible(a, b Gender) bool {
	switch {
	case a == Other && b == Other:
		return true
	case a == Male && b == Female, a == Female && b == Male:
		return true
	}
	return false
}

// CompatibleGenders returns the buckets a participant of gender g may be
// paired from, in the order they should be searched.
func CompatibleGenders(g Gender) []Gender {
	out := make([]Gender, 0, len(Genders))
	for _, candidate := range Genders {
		if Compatible(g, candidate) {
			out = append(out, candidate)
		}
	}
	return out
}
