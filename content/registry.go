// Package content maps media types to body serializers and header names to
// header codecs.
//
// A Registry is an explicit value. Components accept one through their
// options and fall back to Default, which is populated with the built-in
// codecs at package initialisation and is otherwise left alone.
package content

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/ajg/form"
	"github.com/elnormous/contenttype"

	"github.com/ggoodman/httpl-go/internal/jsoncodec"
)

const (
	TypeJSON        = "application/json"
	TypeText        = "text/plain"
	TypeForm        = "application/x-www-form-urlencoded"
	TypeEventStream = "text/event-stream"
	TypeHTML        = "text/html"
	TypeAny         = "*/*"
)

// ErrUnserializable is returned when a structured value must be encoded
// with a media type that has no registered serializer.
var ErrUnserializable = errors.New("no serializer for media type")

// SerializationError reports a body that could not be converted to or from
// its declared media type.
type SerializationError struct {
	MediaType string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("content %s: %v", e.MediaType, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Serializer encodes a structured value.
type Serializer func(v any) ([]byte, error)

// Deserializer decodes a body into a structured value.
type Deserializer func(b []byte) (any, error)

type codec struct {
	ser Serializer
	de  Deserializer
}

// Registry maps media types (type/subtype) to codecs.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]codec
}

// NewRegistry returns a registry carrying the built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]codec)}
	r.Register(TypeJSON, serializeJSON, deserializeJSON)
	r.Register(TypeText, serializeText, deserializeText)
	r.Register(TypeHTML, serializeText, deserializeText)
	r.Register(TypeForm, serializeForm, deserializeForm)
	r.Register(TypeEventStream, serializeEvents, deserializeEvents)
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the shared registry.
func Default() *Registry { return defaultRegistry }

// Register installs (or replaces) the codec for mediaType. Either function
// may be nil.
func (r *Registry) Register(mediaType string, ser Serializer, de Deserializer) {
	key := Key(mediaType)
	if key == "" {
		return
	}
	r.mu.Lock()
	r.codecs[key] = codec{ser: ser, de: de}
	r.mu.Unlock()
}

func (r *Registry) lookup(mediaType string) (codec, bool) {
	key := Key(mediaType)
	if key == "" {
		return codec{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.codecs[key]; ok {
		return c, true
	}
	// Structured syntax suffix: application/problem+json -> application/json.
	typ, sub, _ := strings.Cut(key, "/")
	if _, suffix, ok := strings.Cut(sub, "+"); ok {
		if c, ok := r.codecs[typ+"/"+suffix]; ok {
			return c, true
		}
		if c, ok := r.codecs["application/"+suffix]; ok {
			return c, true
		}
	}
	return codec{}, false
}

// Serialize encodes v for mediaType. Raw payloads (string, []byte) are
// returned unchanged.
func (r *Registry) Serialize(mediaType string, v any) ([]byte, error) {
	switch raw := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return raw, nil
	case string:
		return []byte(raw), nil
	}
	c, ok := r.lookup(mediaType)
	if !ok || c.ser == nil {
		return nil, &SerializationError{MediaType: mediaType, Err: ErrUnserializable}
	}
	b, err := c.ser(v)
	if err != nil {
		return nil, &SerializationError{MediaType: mediaType, Err: err}
	}
	return b, nil
}

// Deserialize decodes b according to mediaType. Bodies whose media type has
// no deserializer are returned as text.
func (r *Registry) Deserialize(mediaType string, b []byte) (any, error) {
	c, ok := r.lookup(mediaType)
	if !ok || c.de == nil {
		return string(b), nil
	}
	v, err := c.de(b)
	if err != nil {
		return nil, &SerializationError{MediaType: mediaType, Err: err}
	}
	return v, nil
}

// Key normalises a media type string to its lowercase type/subtype form.
// It returns "" for values that do not parse.
func Key(mediaType string) string {
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" {
		return ""
	}
	mt, err := contenttype.ParseMediaType(mediaType)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt.Type + "/" + mt.Subtype)
}

// Matches reports whether the media type value matches pattern, which may
// use the */* and type/* wildcards.
func Matches(value, pattern string) bool {
	mt, err := contenttype.ParseMediaType(value)
	if err != nil {
		return false
	}
	p, err := contenttype.ParseMediaType(pattern)
	if err != nil {
		return false
	}
	if p.Type != "*" && !strings.EqualFold(p.Type, mt.Type) {
		return false
	}
	return p.Subtype == "*" || strings.EqualFold(p.Subtype, mt.Subtype)
}

func serializeJSON(v any) ([]byte, error) {
	return jsoncodec.Marshal(v)
}

func deserializeJSON(b []byte) (any, error) {
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	var v any
	if err := jsoncodec.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func serializeText(v any) ([]byte, error) {
	if s, ok := v.(fmt.Stringer); ok {
		return []byte(s.String()), nil
	}
	return []byte(fmt.Sprint(v)), nil
}

func deserializeText(b []byte) (any, error) {
	return string(b), nil
}

func serializeForm(v any) ([]byte, error) {
	if vals, ok := v.(url.Values); ok {
		return []byte(vals.Encode()), nil
	}
	s, err := form.EncodeToString(v)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func deserializeForm(b []byte) (any, error) {
	out := map[string]any{}
	if err := form.DecodeString(&out, string(b)); err != nil {
		return nil, err
	}
	return out, nil
}
