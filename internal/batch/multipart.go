package batch

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// multipart/mixed framing for the calendar batch endpoint. Each part carries
// one application/http inner request; the response mirrors the structure
// with one inner HTTP response per part.

// NewBoundary returns a fresh boundary nonce for one sub-batch call.
func NewBoundary() string {
	return "batch_" + uuid.NewString()
}

// EncodeBody renders ops into a multipart/mixed body with the given
// boundary. Content-IDs are item-0..item-N in op order.
func EncodeBody(ops []Op, boundary string) (string, error) {
	var b strings.Builder

	for i, op := range ops {
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: application/http\r\n")
		b.WriteString(fmt.Sprintf("Content-ID: <item-%d>\r\n", i))
		b.WriteString("\r\n")
		b.WriteString(op.Method + " " + op.Path + "\r\n")

		if op.Body != nil {
			body, err := json.Marshal(op.Body)
			if err != nil {
				return "", fmt.Errorf("failed to marshal body for %s: %w", op, err)
			}
			b.WriteString("Content-Type: application/json\r\n")
			b.WriteString("\r\n")
			b.Write(body)
			b.WriteString("\r\n")
		} else {
			b.WriteString("\r\n")
		}
	}

	b.WriteString("--" + boundary + "--\r\n")
	return b.String(), nil
}

// ContentType returns the outer Content-Type header value.
func ContentType(boundary string) string {
	return mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": boundary})
}

// BoundaryFromContentType extracts the boundary of a batch response.
func BoundaryFromContentType(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("failed to parse content type %q: %w", contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("unexpected batch response content type %q", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", fmt.Errorf("batch response content type %q has no boundary", contentType)
	}
	return boundary, nil
}

var innerStatusRe = regexp.MustCompile(`HTTP/\d\.\d\s+(\d{3})`)

// DecodeResponse parses a multipart batch response into per-part results,
// in part order.
func DecodeResponse(body io.Reader, boundary string) ([]Result, error) {
	reader := multipart.NewReader(body, boundary)

	var results []Result
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read batch response part: %w", err)
		}

		raw, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read batch response part body: %w", err)
		}

		result, err := decodeInnerResponse(string(raw))
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	return results, nil
}

// decodeInnerResponse parses one application/http part: status line, inner
// headers, blank line, inner body.
func decodeInnerResponse(raw string) (Result, error) {
	m := innerStatusRe.FindStringSubmatchIndex(raw)
	if m == nil {
		return Result{}, fmt.Errorf("batch response part has no inner status line")
	}
	status, err := strconv.Atoi(raw[m[2]:m[3]])
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse inner status: %w", err)
	}

	// The inner body starts after the first blank line following the status
	// line.
	rest := raw[m[1]:]
	bodyStart := len(rest)
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if i := strings.Index(rest, sep); i >= 0 && i+len(sep) < bodyStart {
			bodyStart = i + len(sep)
		}
	}

	var body string
	if bodyStart < len(rest) {
		body = strings.TrimSpace(rest[bodyStart:])
	}

	return Result{Status: status, Body: parsePayload(status, body)}, nil
}

// parsePayload applies the body classification rules: JSON when it looks
// like JSON, empty for 204, otherwise text wrapped by success or error
// shape.
func parsePayload(status int, body string) Payload {
	if status == 204 || body == "" {
		return Payload{Empty: true}
	}

	if strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(body), &parsed); err == nil {
			return Payload{JSON: parsed}
		}
	}

	if status >= 200 && status < 300 {
		return Payload{JSON: map[string]any{"message": body}, Text: body}
	}
	return Payload{JSON: map[string]any{"error": map[string]any{"message": body}}, Text: body}
}
