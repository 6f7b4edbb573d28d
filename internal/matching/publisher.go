package matching

import (
	"encoding/json"
	"log"

	"github.com/skipon/matchmaker/internal/messaging"
	"github.com/skipon/matchmaker/internal/participant"
	"github.com/skipon/matchmaker/internal/store"
)

// Notifier is told about room lifecycle events. Delivery is best effort; the
// polling API stays authoritative.
type Notifier interface {
	MatchFound(room store.Room)
	MatchEnded(roomID string, left, partner participant.ID)
}

type nopNotifier struct{}

func (nopNotifier) MatchFound(store.Room) {}
func (nopNotifier) MatchEnded(string, participant.ID, participant.ID) {}

// MatchEvent is the payload published on match.found.<id> and match.ended.<id>.
type MatchEvent struct {
	Type           string `json:"type"` // "match_found", "match_ended"
	RoomID         string `json:"room_id"`
	PartnerID      string `json:"partner_id,omitempty"`
	PartnerIsGuest bool   `json:"partner_is_guest,omitempty"`
}

// Publisher is a Notifier backed by NATS.
type Publisher struct {
	nats *messaging.NATSClient
}

// NewPublisher creates a NATS-backed notifier.
func NewPublisher(nats *messaging.NATSClient) *Publisher {
	return &Publisher{nats: nats}
}

// MatchFound publishes the room to both occupants, each seeing the other as partner.
func (p *Publisher) MatchFound(room store.Room) {
	for _, id := range []participant.ID{room.ParticipantA, room.ParticipantB} {
		partnerID, isGuest, _, _ := room.Partner(id)
		data, err := json.Marshal(MatchEvent{
			Type:           "match_found",
			RoomID:         room.ID,
			PartnerID:      string(partnerID),
			PartnerIsGuest: isGuest,
		})
		if err != nil {
			log.Printf("[matcher] marshal match.found for %s: %v", id, err)
			continue
		}
		if err := p.nats.PublishMatchFound(string(id), data); err != nil {
			log.Printf("[matcher] publish match.found for %s: %v", id, err)
		}
	}
}

// MatchEnded tells the remaining occupant that their partner left.
func (p *Publisher) MatchEnded(roomID string, left, partner participant.ID) {
	data, err := json.Marshal(MatchEvent{
		Type:      "match_ended",
		RoomID:    roomID,
		PartnerID: string(left),
	})
	if err != nil {
		log.Printf("[matcher] marshal match.ended for %s: %v", partner, err)
		return
	}
	if err := p.nats.PublishMatchEnded(string(partner), data); err != nil {
		log.Printf("[matcher] publish match.ended for %s: %v", partner, err)
	}
}
