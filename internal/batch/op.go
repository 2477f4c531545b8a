package batch

import "fmt"

// OpType classifies a planned operation for result accounting.
type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpPatch  OpType = "patch"
	OpDelete OpType = "delete"
)

// Op is one inner request of a batch call.
type Op struct {
	Method string // POST, PUT, PATCH or DELETE
	Path   string // inner request path, e.g. /calendar/v3/calendars/primary/events
	Body   any    // JSON-marshalable body, nil for DELETE

	Type            OpType
	TaskID          string
	OriginalEventID string
}

func (o Op) String() string {
	return fmt.Sprintf("%s %s (%s task=%s)", o.Method, o.Path, o.Type, o.TaskID)
}

// Result is the parsed outcome of one inner request. Status 0 means the op
// never produced a usable inner response (transport failure, structural
// mismatch, cancellation before dispatch).
type Result struct {
	Status int
	Body   Payload
}

// OK reports an inner 2xx status.
func (r Result) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Payload is the tagged variant for an inner response body: parsed JSON,
// plain text, or empty.
type Payload struct {
	JSON  any // map[string]any or []any when the body parsed as JSON
	Text  string
	Empty bool
}

// TextPayload wraps a plain message.
func TextPayload(text string) Payload {
	return Payload{Text: text}
}

// ID returns the "id" field of a JSON object body, or "".
func (p Payload) ID() string {
	if obj, ok := p.JSON.(map[string]any); ok {
		if id, ok := obj["id"].(string); ok {
			return id
		}
	}
	return ""
}

// ErrorMessage digs out the most specific error text available.
func (p Payload) ErrorMessage() string {
	if obj, ok := p.JSON.(map[string]any); ok {
		if errObj, ok := obj["error"].(map[string]any); ok {
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				return msg
			}
		}
		if msg, ok := obj["message"].(string); ok {
			return msg
		}
	}
	return p.Text
}

// Summary returns the "summary" field of a JSON object body, or "".
func (p Payload) Summary() string {
	if obj, ok := p.JSON.(map[string]any); ok {
		if s, ok := obj["summary"].(string); ok {
			return s
		}
	}
	return ""
}
