package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/skipon/matchmaker/internal/participant"
)

var errBadToken = errors.New("httpapi: invalid bearer token")

// identity is the participant a request acts for.
type identity struct {
	ID      participant.ID
	IsGuest bool
}

// identify resolves the caller. A bearer token wins over a guest id; an
// invalid token is an error rather than a silent fallback to guest. A guest
// id is only ever taken from the request, never minted here.
func (s *Server) identify(r *http.Request, guestID string) (identity, error) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		id, err := s.verifier.Verify(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			return identity{}, errBadToken
		}
		return identity{ID: id}, nil
	}

	if guestID == "" {
		guestID = r.URL.Query().Get("guest_id")
	}
	guestID = strings.TrimSpace(guestID)
	if guestID == "" {
		return identity{}, participant.ErrMissingIdentity
	}
	return identity{ID: participant.ID(guestID), IsGuest: true}, nil
}

// writeIdentityError maps identify errors to responses.
func writeIdentityError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBadToken) {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid bearer token")
		return
	}
	writeError(w, http.StatusBadRequest, CodeMissingIdentity, "a bearer token or guest_id is required")
}
