package events

import (
	"strconv"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	wmessage "github.com/ThreeDotsLabs/watermill/message"

	"github.com/ggoodman/httpl-go/content"
	"github.com/ggoodman/httpl-go/dispatch"
	"github.com/ggoodman/httpl-go/internal/jsoncodec"
	"github.com/ggoodman/httpl-go/message"
)

// Service exposes h as a request handler. GET and SUBSCRIBE register the
// response as a stream, replaying journaled events after the last-event-id
// header. POST emits its body as the event named by the request path
// ("message" at the root).
//
// When pub is set, POST publishes to topic instead of emitting directly; a
// Feed on the same topic delivers the events.
func Service(h *Host, pub wmessage.Publisher, topic string) dispatch.Service {
	subscribe := func(req *message.Request, res *message.Response) {
		lastID := int64(-1)
		if raw := req.Header().String("last-event-id"); raw != "" {
			id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				res.Fail(400, "invalid last-event-id")
				return
			}
			lastID = id
		}
		res.SetHeader("content-type", content.TypeEventStream)
		if _, err := h.Resume(req.Context(), res, lastID); err != nil {
			res.Fail(500, err.Error())
			return
		}
		// The head goes out only once the stream is registered.
		res.WriteHead(200, "ok", nil)
	}
	return dispatch.Service{
		"GET":           subscribe,
		MethodSubscribe: subscribe,
		"POST": func(req *message.Request, res *message.Response) {
			ctx := req.Context()
			name := strings.Trim(req.Path, "/")
			if name == "" {
				name = "message"
			}
			data, err := req.Body(ctx)
			if err != nil {
				res.Fail(400, err.Error())
				return
			}

			if pub == nil {
				err = h.Emit(ctx, name, data)
			} else {
				var payload []byte
				if payload, err = jsoncodec.Marshal(data); err == nil {
					msg := wmessage.NewMessage(watermill.NewUUID(), payload)
					msg.Metadata.Set(MetadataEvent, name)
					msg.SetContext(ctx)
					err = pub.Publish(topic, msg)
				}
			}
			if err != nil {
				res.Fail(500, err.Error())
				return
			}
			res.WriteHead(202, "accepted", nil)
			_ = res.End()
		},
	}
}
