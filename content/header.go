package content

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// HeaderSerializer renders a structured header value as text.
type HeaderSerializer func(v any) (string, error)

// HeaderDeserializer parses header text into a structured value.
type HeaderDeserializer func(s string) (any, error)

type headerCodec struct {
	ser HeaderSerializer
	de  HeaderDeserializer
}

// HeaderRegistry maps lowercase header names to codecs.
type HeaderRegistry struct {
	mu     sync.RWMutex
	codecs map[string]headerCodec
}

// NewHeaderRegistry returns a registry with the link codec installed.
func NewHeaderRegistry() *HeaderRegistry {
	r := &HeaderRegistry{codecs: make(map[string]headerCodec)}
	r.Register("link", serializeLinkHeader, deserializeLinkHeader)
	return r
}

var defaultHeaders = NewHeaderRegistry()

// DefaultHeaders returns the shared header registry.
func DefaultHeaders() *HeaderRegistry { return defaultHeaders }

func (r *HeaderRegistry) Register(name string, ser HeaderSerializer, de HeaderDeserializer) {
	r.mu.Lock()
	r.codecs[strings.ToLower(name)] = headerCodec{ser: ser, de: de}
	r.mu.Unlock()
}

func (r *HeaderRegistry) get(name string) (headerCodec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[strings.ToLower(name)]
	return c, ok
}

// Serialize renders v for header name. Strings pass through; values with
// no codec are formatted with fmt.
func (r *HeaderRegistry) Serialize(name string, v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	if c, ok := r.get(name); ok && c.ser != nil {
		return c.ser(v)
	}
	return fmt.Sprint(v), nil
}

// Deserialize parses header text. The second result is false when no codec
// is registered for name.
func (r *HeaderRegistry) Deserialize(name, s string) (any, bool, error) {
	c, ok := r.get(name)
	if !ok || c.de == nil {
		return nil, false, nil
	}
	v, err := c.de(s)
	if err != nil {
		return nil, true, fmt.Errorf("header %s: %w", name, err)
	}
	return v, true, nil
}

// Link is one entry of a link header.
type Link struct {
	Href  string `json:"href"`
	Rel   string `json:"rel,omitempty"`
	Title string `json:"title,omitempty"`
	ID    string `json:"id,omitempty"`
	Type  string `json:"type,omitempty"`
	// Params holds any other attributes, keyed by lowercase name.
	Params map[string]string `json:"params,omitempty"`
}

// String renders the link as <href>; rel="..."; ...
func (l Link) String() string {
	var b strings.Builder
	b.WriteString("<")
	b.WriteString(l.Href)
	b.WriteString(">")
	write := func(k, v string) {
		if v == "" {
			return
		}
		fmt.Fprintf(&b, "; %s=%q", k, v)
	}
	write("rel", l.Rel)
	write("title", l.Title)
	write("id", l.ID)
	write("type", l.Type)
	keys := make([]string, 0, len(l.Params))
	for k := range l.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k, l.Params[k])
	}
	return b.String()
}

// FormatLinks renders a link header value.
func FormatLinks(links []Link) string {
	parts := make([]string, len(links))
	for i, l := range links {
		parts[i] = l.String()
	}
	return strings.Join(parts, ", ")
}

// ParseLinks parses a link header value.
func ParseLinks(s string) ([]Link, error) {
	var links []Link
	for _, entry := range splitOutsideQuotes(s, ',') {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.HasPrefix(entry, "<") {
			return nil, fmt.Errorf("link entry %q: missing <href>", entry)
		}
		end := strings.Index(entry, ">")
		if end == -1 {
			return nil, fmt.Errorf("link entry %q: unterminated <href>", entry)
		}
		l := Link{Href: entry[1:end]}
		for _, param := range splitOutsideQuotes(entry[end+1:], ';') {
			k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok {
				continue
			}
			k = strings.ToLower(strings.TrimSpace(k))
			v = strings.Trim(strings.TrimSpace(v), `"`)
			switch k {
			case "rel":
				l.Rel = v
			case "title":
				l.Title = v
			case "id":
				l.ID = v
			case "type":
				l.Type = v
			default:
				if l.Params == nil {
					l.Params = map[string]string{}
				}
				l.Params[k] = v
			}
		}
		links = append(links, l)
	}
	return links, nil
}

func splitOutsideQuotes(s string, sep rune) []string {
	var (
		out   []string
		start int
		quote bool
	)
	for i, r := range s {
		switch {
		case r == '"':
			quote = !quote
		case r == sep && !quote:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func serializeLinkHeader(v any) (string, error) {
	switch l := v.(type) {
	case []Link:
		return FormatLinks(l), nil
	case Link:
		return l.String(), nil
	case []map[string]any:
		links := make([]Link, 0, len(l))
		for _, m := range l {
			links = append(links, linkFromMap(m))
		}
		return FormatLinks(links), nil
	case []any:
		links := make([]Link, 0, len(l))
		for _, item := range l {
			m, ok := item.(map[string]any)
			if !ok {
				return "", fmt.Errorf("cannot encode %T as a link", item)
			}
			links = append(links, linkFromMap(m))
		}
		return FormatLinks(links), nil
	}
	return "", fmt.Errorf("cannot encode %T as a link header", v)
}

func linkFromMap(m map[string]any) Link {
	var l Link
	for k, raw := range m {
		v := fmt.Sprint(raw)
		switch strings.ToLower(k) {
		case "href":
			l.Href = v
		case "rel":
			l.Rel = v
		case "title":
			l.Title = v
		case "id":
			l.ID = v
		case "type":
			l.Type = v
		default:
			if l.Params == nil {
				l.Params = map[string]string{}
			}
			l.Params[strings.ToLower(k)] = v
		}
	}
	return l
}

func deserializeLinkHeader(s string) (any, error) {
	return ParseLinks(s)
}
