package message

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Header holds message headers keyed by lowercase name. Values are usually
// strings; structured values (for example a []content.Link under "link")
// are rendered by the header registry when the message is serialized.
type Header map[string]any

func (h Header) Get(name string) any {
	return h[strings.ToLower(name)]
}

// String returns the header as text, formatting non-string values.
func (h Header) String(name string) string {
	switch v := h[strings.ToLower(name)].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (h Header) Has(name string) bool {
	_, ok := h[strings.ToLower(name)]
	return ok
}

func (h Header) Set(name string, v any) {
	h[strings.ToLower(name)] = v
}

func (h Header) Del(name string) {
	delete(h, strings.ToLower(name))
}

func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Keys returns the header names in sorted order.
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Query is an insertion-ordered set of query parameters.
type Query struct {
	m *orderedmap.OrderedMap[string, string]
}

func NewQuery() *Query {
	return &Query{m: orderedmap.New[string, string]()}
}

// ParseQuery parses a raw query string, keeping the first value of each
// repeated key.
func ParseQuery(raw string) *Query {
	q := NewQuery()
	for _, part := range strings.Split(strings.TrimPrefix(raw, "?"), "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		if uk, err := url.QueryUnescape(k); err == nil {
			k = uk
		}
		if uv, err := url.QueryUnescape(v); err == nil {
			v = uv
		}
		if _, exists := q.m.Get(k); !exists {
			q.m.Set(k, v)
		}
	}
	return q
}

func (q *Query) Get(k string) string {
	if q.Len() == 0 {
		return ""
	}
	v, _ := q.m.Get(k)
	return v
}

func (q *Query) Lookup(k string) (string, bool) {
	if q.Len() == 0 {
		return "", false
	}
	return q.m.Get(k)
}

func (q *Query) Set(k, v string) {
	if q.m == nil {
		q.m = orderedmap.New[string, string]()
	}
	q.m.Set(k, v)
}

func (q *Query) Del(k string) {
	if q.m != nil {
		q.m.Delete(k)
	}
}

func (q *Query) Len() int {
	if q == nil || q.m == nil {
		return 0
	}
	return q.m.Len()
}

// Keys returns the parameter names in insertion order.
func (q *Query) Keys() []string {
	if q.Len() == 0 {
		return nil
	}
	keys := make([]string, 0, q.m.Len())
	for p := q.m.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Map returns a plain copy of the parameters.
func (q *Query) Map() map[string]string {
	out := make(map[string]string, q.Len())
	if q.Len() == 0 {
		return out
	}
	for p := q.m.Oldest(); p != nil; p = p.Next() {
		out[p.Key] = p.Value
	}
	return out
}

func (q *Query) Clone() *Query {
	out := NewQuery()
	if q.Len() == 0 {
		return out
	}
	for p := q.m.Oldest(); p != nil; p = p.Next() {
		out.m.Set(p.Key, p.Value)
	}
	return out
}

// Encode renders the parameters in insertion order.
func (q *Query) Encode() string {
	if q.Len() == 0 {
		return ""
	}
	var b strings.Builder
	for p := q.m.Oldest(); p != nil; p = p.Next() {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// QueryOf builds a query from m with its keys sorted, for callers that only
// have a plain map.
func QueryOf(m map[string]string) *Query {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	q := NewQuery()
	for _, k := range keys {
		q.m.Set(k, m[k])
	}
	return q
}

// MarshalJSON renders the parameters as an object in insertion order.
func (q *Query) MarshalJSON() ([]byte, error) {
	if q.Len() == 0 {
		return []byte("{}"), nil
	}
	return q.m.MarshalJSON()
}

// UnmarshalJSON reads an object of string values, keeping document order.
func (q *Query) UnmarshalJSON(b []byte) error {
	q.m = orderedmap.New[string, string]()
	return q.m.UnmarshalJSON(b)
}
