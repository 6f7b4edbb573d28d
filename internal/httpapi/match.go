package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/skipon/matchmaker/internal/matching"
	"github.com/skipon/matchmaker/internal/metrics"
	"github.com/skipon/matchmaker/internal/participant"
	"github.com/skipon/matchmaker/internal/ratelimit"
)

type MatchRequest struct {
	GuestID string `json:"guest_id"`
	Gender  string `json:"gender"`
}

type LeaveRequest struct {
	GuestID string `json:"guest_id"`
}

// MatchResponse is returned by the request and status endpoints. The room
// fields are present only when matched, retry_after_ms only when searching.
type MatchResponse struct {
	Status         string `json:"status"`
	RoomID         string `json:"room_id,omitempty"`
	PartnerID      string `json:"partner_id,omitempty"`
	PartnerIsGuest *bool  `json:"partner_is_guest,omitempty"`
	RetryAfterMs   int64  `json:"retry_after_ms,omitempty"`
}

func newMatchResponse(res matching.Result) MatchResponse {
	out := MatchResponse{Status: string(res.Status)}
	switch res.Status {
	case matching.StatusMatched:
		isGuest := res.PartnerIsGuest
		out.RoomID = res.RoomID
		out.PartnerID = string(res.PartnerID)
		out.PartnerIsGuest = &isGuest
	case matching.StatusSearching:
		out.RetryAfterMs = res.RetryAfter.Milliseconds()
	}
	return out
}

// decodeBody decodes an optional JSON body. An empty body leaves v as is.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	return strconv.FormatInt(max(secs, 1), 10)
}

func (s *Server) handleRequestMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid json")
		return
	}

	who, err := s.identify(r, req.GuestID)
	if err != nil {
		metrics.MatchRequests.WithLabelValues("rejected").Inc()
		writeIdentityError(w, err)
		return
	}

	gender, err := participant.ParseGender(req.Gender)
	if err != nil {
		metrics.MatchRequests.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, CodeInvalidGender, "gender must be one of male, female, other")
		return
	}

	if s.bans != nil {
		st, err := s.bans.IsBanned(r.Context(), who.ID)
		if err != nil {
			log.Printf("[http] ban check %s: %v (failing open)", who.ID, err)
		} else if st.Banned {
			metrics.MatchRequests.WithLabelValues("rejected").Inc()
			writeJSON(w, http.StatusForbidden, ErrorResponse{
				Code:         CodeBanned,
				Message:      "banned: " + st.Reason,
				RetryAfterMs: st.Remaining.Milliseconds(),
			})
			return
		}
	}

	if !s.allow(w, r, who.ID, ratelimit.RuleMatch) {
		metrics.MatchRequests.WithLabelValues("rejected").Inc()
		return
	}

	res, err := s.mm.RequestMatch(r.Context(), who.ID, who.IsGuest, gender)
	if err != nil {
		metrics.MatchRequests.WithLabelValues("rejected").Inc()
		switch {
		case errors.Is(err, participant.ErrMissingIdentity):
			writeIdentityError(w, err)
		case errors.Is(err, participant.ErrInvalidGender):
			writeError(w, http.StatusBadRequest, CodeInvalidGender, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, CodeInternal, "match request failed")
		}
		return
	}

	metrics.MatchRequests.WithLabelValues(string(res.Status)).Inc()
	writeJSON(w, http.StatusOK, newMatchResponse(res))
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req LeaveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid json")
		return
	}

	who, err := s.identify(r, req.GuestID)
	if err != nil {
		writeIdentityError(w, err)
		return
	}

	if err := s.mm.Leave(r.Context(), who.ID); err != nil {
		writeIdentityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	who, err := s.identify(r, "")
	if err != nil {
		writeIdentityError(w, err)
		return
	}

	res, err := s.mm.Status(r.Context(), who.ID)
	if err != nil {
		writeIdentityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newMatchResponse(res))
}
