package observe

import "context"

const dispatchContextKey contextKey = iota

type contextKey int

type dispatchContextData struct {
	subscriptionID string
	eventType      string
	channel        Channel
}

// ContextSubscriptionID returns the ID of the subscription whose listener is
// handling the current dispatch, or "" outside a dispatch.
func ContextSubscriptionID(ctx context.Context) string {
	d, ok := ctx.Value(dispatchContextKey).(*dispatchContextData)
	if ok {
		return d.subscriptionID
	}
	return ""
}

// ContextEventType returns the event type of the current dispatch,
// or "" outside a dispatch.
func ContextEventType(ctx context.Context) string {
	d, ok := ctx.Value(dispatchContextKey).(*dispatchContextData)
	if ok {
		return d.eventType
	}
	return ""
}

// ContextChannel returns the notification channel the current dispatch is
// bound to. Returns ChannelNext outside a dispatch.
func ContextChannel(ctx context.Context) Channel {
	d, ok := ctx.Value(dispatchContextKey).(*dispatchContextData)
	if ok {
		return d.channel
	}
	return ChannelNext
}

func contextWithDispatch(ctx context.Context, subscriptionID, eventType string, ch Channel) context.Context {
	return context.WithValue(ctx, dispatchContextKey, &dispatchContextData{
		subscriptionID: subscriptionID,
		eventType:      eventType,
		channel:        ch,
	})
}
