// Package events ships parking domain events to a message broker.
package events

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/parkpoints/pkg/parking"
)

const defaultSubjectPrefix = "parkpoints."

// Envelope is the wire form of a parking.Event.
type Envelope struct {
	Type       string          `json:"type"`
	BookingID  string          `json:"booking_id,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	SpotID     string          `json:"spot_id,omitempty"`
	OwnerID    string          `json:"owner_id,omitempty"`
	Points     int64           `json:"points,omitempty"`
	Summary    *SummaryPayload `json:"summary,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// SummaryPayload carries the purge outcome for account.purged events.
type SummaryPayload struct {
	SpotsDeleted      int   `json:"spots_deleted"`
	BookingsRefunded  int   `json:"bookings_refunded"`
	BookingsReleased  int   `json:"bookings_released"`
	UnrecoveredPoints int64 `json:"unrecovered_points"`
	AccountDeleted    bool  `json:"account_deleted"`
}

// Encode renders event as JSON.
func Encode(event parking.Event) ([]byte, error) {
	envelope := Envelope{
		Type:       event.Type,
		BookingID:  event.BookingID,
		UserID:     event.UserID,
		SpotID:     event.SpotID,
		OwnerID:    event.OwnerID,
		Points:     event.Points,
		OccurredAt: time.Unix(event.OccurredAtUnix, 0).UTC(),
	}
	if event.Summary != nil {
		envelope.Summary = &SummaryPayload{
			SpotsDeleted:      event.Summary.SpotsDeleted,
			BookingsRefunded:  event.Summary.BookingsRefunded,
			BookingsReleased:  event.Summary.BookingsReleased,
			UnrecoveredPoints: event.Summary.UnrecoveredPoints.Int64(),
			AccountDeleted:    event.Summary.AccountDeleted,
		}
	}
	return json.Marshal(envelope)
}

// partitionKey keeps the events of one booking (or one account) in order.
func partitionKey(event parking.Event) string {
	if event.BookingID != "" {
		return event.BookingID
	}
	return event.UserID
}
