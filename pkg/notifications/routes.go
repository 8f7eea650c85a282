package notifications

import "strings"

// Topic names a category of UI data that may need re-fetching when related
// server-side state changes.
type Topic string

const (
	TopicNotifications Topic = "notifications"
	TopicChats         Topic = "chats"
	TopicOffers        Topic = "offers"
	TopicCommunity     Topic = "community"
	TopicConversations Topic = "conversations"
)

// Topics lists every refresh topic, in display order.
var Topics = []Topic{
	TopicNotifications,
	TopicChats,
	TopicOffers,
	TopicCommunity,
	TopicConversations,
}

// Target is the navigation destination associated with a notification
// type.
type Target string

const (
	TargetOffers    Target = "offers"
	TargetChats     Target = "chats"
	TargetCommunity Target = "community"
	TargetNone      Target = ""
)

// Route binds a notification type to the refresh topics it bumps and the
// view it navigates to. Defined once here so adding a type is a single
// table update instead of string comparisons scattered across the store
// and the view layer.
type Route struct {
	Topics []Topic
	Target Target
}

var routes = map[string]Route{
	"offer_created":    {Topics: []Topic{TopicNotifications, TopicOffers}, Target: TargetOffers},
	"offer_updated":    {Topics: []Topic{TopicNotifications, TopicOffers}, Target: TargetOffers},
	"offer_negotiated": {Topics: []Topic{TopicNotifications, TopicOffers}, Target: TargetOffers},
	"offer_accepted":   {Topics: []Topic{TopicNotifications, TopicOffers}, Target: TargetOffers},
	"offer_rejected":   {Topics: []Topic{TopicNotifications, TopicOffers}, Target: TargetOffers},
	"chat_created":     {Topics: []Topic{TopicNotifications, TopicConversations}, Target: TargetChats},
	"message_sent":     {Topics: []Topic{TopicNotifications, TopicChats}, Target: TargetChats},
	"post_created":     {Topics: []Topic{TopicNotifications, TopicCommunity}, Target: TargetCommunity},
	"post_updated":     {Topics: []Topic{TopicNotifications, TopicCommunity}, Target: TargetCommunity},
}

// RouteFor returns the route for a notification type. Unknown types bump
// only the notifications topic and navigate nowhere.
func RouteFor(notifType string) Route {
	if r, ok := routes[notifType]; ok {
		return r
	}
	return Route{Topics: []Topic{TopicNotifications}, Target: TargetNone}
}

// correlationKind buckets a type by the domain entity its push frame id
// refers to. Mirrors the substring convention the backend uses when
// composing type names.
type correlationKind int

const (
	correlationNone correlationKind = iota
	correlationOffer
	correlationMessage
	correlationPost
)

func correlationKindFor(notifType string) correlationKind {
	switch {
	case strings.Contains(notifType, "offer"):
		return correlationOffer
	case strings.Contains(notifType, "message"):
		return correlationMessage
	case strings.Contains(notifType, "post"):
		return correlationPost
	default:
		return correlationNone
	}
}
