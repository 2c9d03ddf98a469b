package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/invopop/jsonschema"

	"github.com/ggoodman/httpl-go/auth"
	"github.com/ggoodman/httpl-go/dispatch"
	"github.com/ggoodman/httpl-go/internal/jsoncodec"
	"github.com/ggoodman/httpl-go/message"
	"github.com/ggoodman/httpl-go/wire"
)

// RequestEnvelope is a whole request in one JSON document.
type RequestEnvelope struct {
	Method  string         `json:"method,omitempty" jsonschema:"description=Request method; GET when empty"`
	URL     string         `json:"url" jsonschema:"minLength=1,description=Target URL; its authority selects the handler"`
	Path    string         `json:"path,omitempty" jsonschema:"description=Overrides the path of url"`
	Query   *message.Query `json:"query,omitempty"`
	Headers map[string]any `json:"headers,omitempty"`
	Body    any            `json:"body,omitempty"`
}

// ResponseEnvelope is a whole response in one JSON document. Status 0
// means the target could not be reached.
type ResponseEnvelope struct {
	Status  int               `json:"status"`
	Reason  string            `json:"reason,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

func buildSchema() ([]byte, error) {
	queryType := reflect.TypeOf(message.Query{})
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t != queryType && t != reflect.PointerTo(queryType) {
				return nil
			}
			return &jsonschema.Schema{
				Type:                 "object",
				Description:          "Query parameters, applied in document order",
				AdditionalProperties: &jsonschema.Schema{Type: "string"},
			}
		},
	}
	return jsoncodec.Marshal(map[string]*jsonschema.Schema{
		"request":  r.Reflect(new(RequestEnvelope)),
		"response": r.Reflect(new(ResponseEnvelope)),
		"frame":    r.Reflect(new(wire.Frame)),
	})
}

func (h *Handler) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var env RequestEnvelope
	if err := jsoncodec.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&env); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request envelope")
		h.log.InfoContext(ctx, "http.envelope.invalid", slog.String("err", err.Error()))
		return
	}
	u, err := url.Parse(env.URL)
	if err != nil || u.Host == "" {
		writeJSONError(w, http.StatusBadRequest, "envelope url must name an authority")
		return
	}
	if s := strings.ToLower(u.Scheme); s == "http" || s == "https" {
		writeJSONError(w, http.StatusForbidden, "remote targets are not dispatched through the gateway")
		return
	}

	headers := make(map[string]any, len(env.Headers)+1)
	for k, v := range env.Headers {
		headers[strings.ToLower(k)] = v
	}
	delete(headers, UserHeader)
	if ui, ok := auth.UserInfoFrom(ctx); ok {
		headers[UserHeader] = ui.UserID()
	}

	req := message.NewRequest(message.Options{
		Method:  env.Method,
		URL:     env.URL,
		Path:    env.Path,
		Query:   env.Query,
		Headers: headers,
		Body:    env.Body,
	})
	fut := h.d.Dispatch(ctx, req)
	if err := req.End(env.Body); err != nil {
		req.Close()
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := fut.Wait(ctx)
	var rerr *dispatch.ResponseError
	if err != nil && !errors.As(err, &rerr) && !errors.Is(err, message.ErrClosed) {
		h.log.InfoContext(ctx, "http.envelope.cancel", slog.String("err", err.Error()))
		return
	}

	out := ResponseEnvelope{Status: res.Status(), Reason: res.Reason()}
	if err := res.SerializeHeaders(); err == nil {
		out.Headers = make(map[string]string, len(res.Header()))
		for _, k := range res.Header().Keys() {
			out.Headers[k] = res.Header().String(k)
		}
	}
	// A response closed without ending never materializes its body.
	if res.Ended() {
		if body, err := res.Body(ctx); err == nil {
			out.Body = body
		}
	}
	if out.Body == nil {
		if b := res.BodyBytes(); len(b) > 0 {
			out.Body = string(b)
		}
	}

	h.log.InfoContext(ctx, "http.envelope.done",
		slog.String("url", env.URL),
		slog.Int("status", out.Status),
	)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = jsoncodec.NewEncoder(w).Encode(out)
}
