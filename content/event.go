package content

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ggoodman/httpl-go/internal/jsoncodec"
)

// Event is a single text/event-stream frame.
type Event struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	// Data is the decoded payload: the JSON value when the data lines form
	// valid JSON, otherwise the raw text.
	Data any `json:"data,omitempty"`
	// Retry is the reconnection hint in milliseconds, or 0 when absent.
	Retry int `json:"retry,omitempty"`
}

// Name returns the event name, defaulting to "message".
func (e Event) Name() string {
	if e.Event == "" {
		return "message"
	}
	return e.Event
}

// NumericID returns the frame id as an integer when it parses as one.
func (e Event) NumericID() (int64, bool) {
	if e.ID == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(e.ID), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	var b []byte
	switch d := e.Data.(type) {
	case string:
		b = []byte(d)
	case []byte:
		b = d
	default:
		var err error
		if b, err = jsoncodec.Marshal(d); err != nil {
			return err
		}
	}
	return jsoncodec.Unmarshal(b, v)
}

// Encode renders the frame, including the terminating blank line.
func (e Event) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if e.ID != "" {
		fmt.Fprintf(&buf, "id: %s\r\n", e.ID)
	}
	if e.Event != "" {
		fmt.Fprintf(&buf, "event: %s\r\n", e.Event)
	}
	if e.Retry > 0 {
		fmt.Fprintf(&buf, "retry: %d\r\n", e.Retry)
	}
	if e.Data != nil {
		var payload string
		switch d := e.Data.(type) {
		case string:
			payload = d
		case []byte:
			payload = string(d)
		default:
			b, err := jsoncodec.Marshal(d)
			if err != nil {
				return nil, err
			}
			payload = string(b)
		}
		for _, line := range strings.Split(strings.ReplaceAll(payload, "\r\n", "\n"), "\n") {
			buf.WriteString("data: ")
			buf.WriteString(line)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// ParseEvent parses one frame (without its trailing blank line). Unknown
// fields and comment lines are ignored.
func ParseEvent(frame string) Event {
	var (
		ev   Event
		data []string
		seen bool
	)
	frame = strings.ReplaceAll(frame, "\r\n", "\n")
	for _, line := range strings.Split(frame, "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
			seen = true
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				ev.Retry = n
			}
		}
	}
	if seen {
		raw := strings.Join(data, "\n")
		var v any
		if err := jsoncodec.Unmarshal([]byte(raw), &v); err == nil {
			ev.Data = v
		} else {
			ev.Data = raw
		}
	}
	return ev
}

// NextFrame finds the earliest complete frame in buf. It returns the frame
// text, the remainder after its delimiter, and whether a frame was found.
// Both CRLF and LF blank-line delimiters are recognised.
func NextFrame(buf string) (frame, rest string, ok bool) {
	crlf := strings.Index(buf, "\r\n\r\n")
	lf := strings.Index(buf, "\n\n")
	switch {
	case crlf == -1 && lf == -1:
		return "", buf, false
	case lf == -1 || (crlf != -1 && crlf <= lf):
		return buf[:crlf], buf[crlf+4:], true
	default:
		return buf[:lf], buf[lf+2:], true
	}
}

func serializeEvents(v any) ([]byte, error) {
	switch ev := v.(type) {
	case Event:
		return ev.Encode()
	case *Event:
		return ev.Encode()
	case []Event:
		var buf bytes.Buffer
		for _, e := range ev {
			b, err := e.Encode()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		return buf.Bytes(), nil
	case map[string]any:
		e := Event{Data: ev["data"]}
		if s, ok := ev["event"].(string); ok {
			e.Event = s
		}
		switch id := ev["id"].(type) {
		case string:
			e.ID = id
		case int:
			e.ID = strconv.Itoa(id)
		case int64:
			e.ID = strconv.FormatInt(id, 10)
		case float64:
			e.ID = strconv.FormatInt(int64(id), 10)
		}
		return e.Encode()
	}
	return nil, fmt.Errorf("cannot encode %T as an event frame", v)
}

func deserializeEvents(b []byte) (any, error) {
	var (
		out  []Event
		rest = string(b)
	)
	for {
		frame, next, ok := NextFrame(rest)
		if !ok {
			break
		}
		if strings.TrimSpace(frame) != "" {
			out = append(out, ParseEvent(frame))
		}
		rest = next
	}
	if strings.TrimSpace(rest) != "" {
		out = append(out, ParseEvent(rest))
	}
	return out, nil
}
