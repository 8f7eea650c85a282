// Package realtime maintains the single authenticated WebSocket to the
// marketplace backend's push endpoint and fans received events out to
// subscribed listeners.
//
// The client owns the transport exclusively: callers interact through
// Connect/Disconnect/MarkRead and the event subscription API, never with
// the socket itself. Unexpected drops are recovered with exponential
// backoff up to an attempt ceiling; a normal closure or an explicit
// Disconnect never reconnects.
package realtime

import "encoding/json"

// Payload is a validated inbound notification frame. Only frames carrying
// all of id, type, message and modified_at are delivered; anything else on
// the channel is dropped so unrelated traffic can coexist.
type Payload struct {
	ID         json.Number `json:"id"`
	Type       string      `json:"type"`
	Message    string      `json:"message"`
	ModifiedAt string      `json:"modified_at"`
}

func (p Payload) valid() bool {
	return p.ID.String() != "" && p.Type != "" && p.Message != "" && p.ModifiedAt != ""
}

// Event is the tagged union delivered to listeners. Exactly one of the
// concrete types below is sent per delivery.
type Event interface {
	isEvent()
}

// Connected reports a connection state transition. Connected=false is only
// emitted for drops the client did not initiate.
type Connected struct {
	Connected bool
}

// Notification carries a validated push frame.
type Notification struct {
	Payload Payload
}

// TokenError signals that the channel's auth token was rejected. The
// client does not refresh tokens itself; consumers are expected to tear
// down local state and let the REST layer's refresh path run.
type TokenError struct {
	NeedsRefresh bool
}

// ConnError reports a transport-level error. Errors alone never trigger a
// reconnect; only an abnormal close does.
type ConnError struct {
	Err error
}

func (Connected) isEvent()    {}
func (Notification) isEvent() {}
func (TokenError) isEvent()   {}
func (ConnError) isEvent()    {}

// Listener receives fanned-out events. Listeners are invoked from the
// client's reader goroutine; a panicking listener is isolated and does not
// prevent delivery to the others.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(evt Event) {
	f(evt)
}
