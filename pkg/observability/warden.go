package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Moderation semantic convention attributes.
var (
	AttrOperation     = attribute.Key("warden.operation")
	AttrCommunityID   = attribute.Key("warden.community.id")
	AttrChannelID     = attribute.Key("warden.channel.id")
	AttrModel         = attribute.Key("warden.classifier.model")
	AttrAction        = attribute.Key("warden.enforcement.action")
	AttrDispatchState = attribute.Key("warden.enforcement.state")
	AttrExecuted      = attribute.Key("warden.enforcement.executed")
)

// ClassifyOperation creates attributes for a classifier call.
func ClassifyOperation(communityID, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCommunityID.String(communityID),
		AttrModel.String(model),
	}
}

// DispatchOperation creates attributes for one dispatch.
func DispatchOperation(communityID, channelID, action string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCommunityID.String(communityID),
		AttrChannelID.String(channelID),
		AttrAction.String(action),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
