package events

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ggoodman/httpl-go/internal/jsoncodec"
)

// MetadataEvent is the message metadata key naming the event. Messages
// without it are emitted as "message".
const MetadataEvent = "event"

// Feed emits every message published on topic through h until ctx is done
// or the subscription closes. JSON payloads are emitted decoded; anything
// else is emitted as text. A message is acked once emitted and nacked when
// emitting fails.
func Feed(ctx context.Context, h *Host, sub message.Subscriber, topic string) error {
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			name := msg.Metadata.Get(MetadataEvent)
			if name == "" {
				name = "message"
			}
			var data any = string(msg.Payload)
			if jsoncodec.Valid(msg.Payload) {
				var v any
				if err := jsoncodec.Unmarshal(msg.Payload, &v); err == nil {
					data = v
				}
			}
			if err := h.Emit(msg.Context(), name, data); err != nil {
				h.log.WarnContext(ctx, "sse.feed.emit.fail",
					slog.String("topic", topic),
					slog.String("msg_uuid", msg.UUID),
					slog.String("err", err.Error()),
				)
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}
}
