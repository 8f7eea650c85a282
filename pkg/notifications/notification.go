// Package notifications is the client-side source of truth for
// notification state. It merges two sources, an initial REST bulk fetch
// and the live push stream from pkg/realtime, into one deduplicated
// collection, tracks read/unread state, and bumps per-topic refresh
// counters so independent views (chat list, offer list, community feed)
// know to re-fetch their own data.
package notifications

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PushIDPrefix namespaces notifications synthesized from push frames so
// they never collide with REST-origin ids of the same backend entity.
// Entries carrying the prefix are ephemeral: marking them read is a local
// operation only.
const PushIDPrefix = "push_"

// Notification is an immutable value except for its IsRead flag, which is
// owned by the Store.
type Notification struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`

	// Correlation fields, present depending on Type. Used for dedup
	// against push frames and for navigation.
	OfferID   int64 `json:"offer_id,omitempty"`
	MessageID int64 `json:"message_id,omitempty"`
	PostID    int64 `json:"post_id,omitempty"`

	// Extra context carried by the REST payload.
	OfferTitle    string `json:"offer_title,omitempty"`
	OfferUsername string `json:"offer_username,omitempty"`
	PostContent   string `json:"post_content,omitempty"`
}

// UnmarshalJSON accepts both numeric and string ids. The backend emits
// notification ids as JSON numbers; push-synthesized entries carry string
// ids. Everything is normalized to a string.
func (n *Notification) UnmarshalJSON(data []byte) error {
	type alias Notification
	aux := struct {
		ID json.RawMessage `json:"id"`
		*alias
	}{alias: (*alias)(n)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.ID) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.ID, &s); err == nil {
		n.ID = s
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(aux.ID, &num); err != nil {
		return fmt.Errorf("notification id must be a string or number: %w", err)
	}
	n.ID = num.String()
	return nil
}

// IsPushOrigin reports whether the notification was synthesized from a
// push frame rather than fetched over REST.
func (n Notification) IsPushOrigin() bool {
	return strings.HasPrefix(n.ID, PushIDPrefix)
}

// CorrelationID returns the backend-domain id embedded in the
// notification, or 0 when the type carries none.
func (n Notification) CorrelationID() int64 {
	switch {
	case n.OfferID != 0:
		return n.OfferID
	case n.MessageID != 0:
		return n.MessageID
	case n.PostID != 0:
		return n.PostID
	default:
		return 0
	}
}

// sortTime is the presentation ordering key: newest first by ModifiedAt,
// falling back to CreatedAt for REST rows that omit it.
func (n Notification) sortTime() time.Time {
	if !n.ModifiedAt.IsZero() {
		return n.ModifiedAt
	}
	return n.CreatedAt
}

// parseCorrelationID converts a push frame id to the numeric backend id.
// Non-numeric ids yield 0, which disables correlation-based dedup for that
// entry; see Store.ingest for the accepted consequence.
func parseCorrelationID(raw string) int64 {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
