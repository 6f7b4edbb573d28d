package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/skipon/matchmaker/internal/ratelimit"
	"github.com/skipon/matchmaker/internal/report"
	"github.com/skipon/matchmaker/internal/store"
)

type ReportRequest struct {
	GuestID string `json:"guest_id"`
	RoomID  string `json:"room_id"`
	Reason  string `json:"reason"`
}

// handleReport files a report against the reporter's partner in a room. The
// last messages of the room are attached with ids hidden.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid json")
		return
	}

	who, err := s.identify(r, req.GuestID)
	if err != nil {
		writeIdentityError(w, err)
		return
	}

	req.Reason = strings.ToLower(strings.TrimSpace(req.Reason))
	if err := report.ValidateReason(req.Reason); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidReason, "reason must be one of harassment, spam, explicit, other")
		return
	}
	if req.RoomID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "room_id is required")
		return
	}

	if !s.allow(w, r, who.ID, ratelimit.RuleReport) {
		return
	}

	room, err := s.mm.Room(r.Context(), req.RoomID)
	if errors.Is(err, store.ErrRoomNotFound) {
		writeError(w, http.StatusNotFound, CodeRoomNotFound, "room not found")
		return
	}
	if err != nil {
		log.Printf("[http] report: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to read room")
		return
	}

	reported, _, _, ok := room.Partner(who.ID)
	if !ok || reported == "" {
		writeError(w, http.StatusForbidden, CodeNotInRoom, "only room occupants can report")
		return
	}

	rep := &report.Report{
		ReporterID: who.ID,
		ReportedID: reported,
		RoomID:     req.RoomID,
		Reason:     req.Reason,
	}
	if s.messages != nil {
		rep.Messages = report.Snapshot(s.messages.Get(req.RoomID), who.ID)
	}

	if s.reports != nil {
		if err := s.reports.Create(r.Context(), rep); err != nil {
			log.Printf("[http] report: persist: %v", err)
			writeError(w, http.StatusInternalServerError, CodeInternal, "failed to store report")
			return
		}
	}

	if s.bans != nil {
		d, err := s.bans.RecordReport(r.Context(), reported)
		if err != nil {
			log.Printf("[http] report: count %s: %v", reported, err)
		} else if d > 0 {
			log.Printf("[http] %s auto-banned for %v", reported, d)
		}
	}

	log.Printf("[http] %s reported %s in room %s (%s)", who.ID, reported, req.RoomID, req.Reason)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "reported"})
}
