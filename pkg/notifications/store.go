package notifications

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/soukhq/souk/pkg/log"
	"github.com/soukhq/souk/pkg/realtime"
)

// API is the slice of the REST client the store depends on.
type API interface {
	Notifications(ctx context.Context) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Channel is the slice of the connection manager the store may tear down
// on an auth failure.
type Channel interface {
	Disconnect()
}

// Archiver receives every notification the store ingests, for optional
// local persistence.
type Archiver interface {
	Archive(Notification)
}

// Store aggregates REST-fetched and push-delivered notifications. Views
// read snapshots and invoke the mutation methods; they never touch the
// collection directly.
type Store struct {
	api    API
	gate   func() bool
	logger *log.Logger

	// now is swapped in tests for deterministic synthesized ids.
	now func() time.Time

	mu        sync.Mutex
	items     []Notification
	unread    int
	loading   bool
	connected bool
	triggers  map[Topic]int
	channel   Channel
	archiver  Archiver
}

// NewStore builds a store over the given REST API. gate is re-evaluated on
// every fetch; returning false suppresses the fetch (e.g. unauthenticated
// session). A nil gate always allows fetching.
func NewStore(api API, gate func() bool) *Store {
	if gate == nil {
		gate = func() bool { return true }
	}
	triggers := make(map[Topic]int, len(Topics))
	for _, t := range Topics {
		triggers[t] = 0
	}
	return &Store{
		api:      api,
		gate:     gate,
		logger:   log.ForService("notifications"),
		now:      time.Now,
		triggers: triggers,
	}
}

// SetChannel attaches the connection manager torn down on token errors.
func (s *Store) SetChannel(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = ch
}

// SetArchiver attaches an optional notification archiver.
func (s *Store) SetArchiver(a Archiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archiver = a
}

// HandleEvent implements realtime.Listener.
func (s *Store) HandleEvent(evt realtime.Event) {
	switch e := evt.(type) {
	case realtime.Connected:
		s.mu.Lock()
		s.connected = e.Connected
		s.mu.Unlock()
	case realtime.Notification:
		s.ingest(e.Payload)
	case realtime.TokenError:
		if e.NeedsRefresh {
			s.handleTokenError()
		}
	case realtime.ConnError:
		s.logger.Debugf("channel error: %v", e.Err)
	}
}

// Fetch replaces the store's contents with the REST bulk fetch. The gate
// is re-evaluated on every call. A failed fetch preserves prior state: a
// refresh must never wipe already-displayed notifications.
func (s *Store) Fetch(ctx context.Context) error {
	if !s.gate() {
		return nil
	}

	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	items, err := s.api.Notifications(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false

	if err != nil {
		s.logger.Errorf("fetching notifications: %v", err)
		return fmt.Errorf("fetching notifications: %w", err)
	}

	unread := 0
	for _, n := range items {
		if !n.IsRead {
			unread++
		}
	}
	s.items = items
	s.unread = unread
	return nil
}

// ingest merges one push frame into the collection. Known limitation: a
// frame whose id is not numeric cannot be correlated with a REST-origin
// entry of the same backend entity, so a visual duplicate is possible for
// such types. The backend contract is expected to include the id.
func (s *Store) ingest(p realtime.Payload) {
	now := s.now()
	modified := now
	if t, err := time.Parse(time.RFC3339, p.ModifiedAt); err == nil {
		modified = t
	}

	n := Notification{
		ID:         fmt.Sprintf("%s%s_%d", PushIDPrefix, p.ID.String(), now.UnixMilli()),
		Type:       p.Type,
		Message:    p.Message,
		IsRead:     false,
		CreatedAt:  modified,
		ModifiedAt: modified,
	}

	corr := parseCorrelationID(p.ID.String())
	switch correlationKindFor(p.Type) {
	case correlationOffer:
		n.OfferID = corr
		n.OfferTitle = p.Message
	case correlationMessage:
		n.MessageID = corr
	case correlationPost:
		n.PostID = corr
	}

	s.mu.Lock()
	if s.existsLocked(n) {
		s.mu.Unlock()
		return
	}
	s.items = append([]Notification{n}, s.items...)
	s.unread++
	for _, topic := range RouteFor(p.Type).Topics {
		s.triggers[topic]++
	}
	archiver := s.archiver
	s.mu.Unlock()

	if archiver != nil {
		archiver.Archive(n)
	}
}

func (s *Store) existsLocked(n Notification) bool {
	corr := n.CorrelationID()
	for _, have := range s.items {
		if have.ID == n.ID {
			return true
		}
		if corr != 0 && have.Type == n.Type && have.CorrelationID() == corr {
			return true
		}
	}
	return false
}

// MarkRead marks a single notification read. Unknown ids are a no-op. The
// REST endpoint is only invoked for REST-origin entries; push-synthesized
// ones are local-only.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := -1
	for i, n := range s.items {
		if n.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 || s.items[idx].IsRead {
		s.mu.Unlock()
		return nil
	}
	pushOrigin := s.items[idx].IsPushOrigin()
	s.mu.Unlock()

	if !pushOrigin {
		if err := s.api.MarkNotificationRead(ctx, id); err != nil {
			s.logger.Errorf("marking notification %s read: %v", id, err)
			return fmt.Errorf("marking notification read: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.items {
		if n.ID == id && !n.IsRead {
			s.items[i].IsRead = true
			if s.unread > 0 {
				s.unread--
			}
			break
		}
	}
	return nil
}

// MarkAllRead marks everything read, locally and server-side. Local state
// only changes after the REST call succeeds.
func (s *Store) MarkAllRead(ctx context.Context) error {
	if err := s.api.MarkAllNotificationsRead(ctx); err != nil {
		s.logger.Errorf("marking all notifications read: %v", err)
		return fmt.Errorf("marking all notifications read: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		s.items[i].IsRead = true
	}
	s.unread = 0
	return nil
}

// Clear drops all local notification state, e.g. when authentication is
// lost.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.unread = 0
}

func (s *Store) handleTokenError() {
	s.logger.Infof("push token rejected, disconnecting and clearing local state")
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch != nil {
		ch.Disconnect()
	}
	s.Clear()
	// The REST layer refreshes the session token on its next call; the
	// channel reconnects on the next auth-state change.
}

// Snapshot returns a copy of the collection sorted newest-first. Sort
// order is a presentation concern, not a storage invariant.
func (s *Store) Snapshot() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.items))
	copy(out, s.items)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].sortTime().After(out[j].sortTime())
	})
	return out
}

// UnreadCount returns the number of unread notifications.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Loading reports whether a fetch is in flight.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Connected reports the last known channel state.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Triggers returns a copy of the refresh counters. Consumers react to
// increases, never to absolute values.
func (s *Store) Triggers() map[Topic]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Topic]int, len(s.triggers))
	for k, v := range s.triggers {
		out[k] = v
	}
	return out
}
