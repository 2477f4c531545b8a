package batch

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBody_Framing(t *testing.T) {
	ops := []Op{
		{Method: "POST", Path: "/calendar/v3/calendars/primary/events", Body: map[string]string{"summary": "x"}, Type: OpInsert},
		{Method: "DELETE", Path: "/calendar/v3/calendars/primary/events/ev1", Type: OpDelete},
	}

	body, err := EncodeBody(ops, "batch_test")
	require.NoError(t, err)

	assert.Contains(t, body, "--batch_test\r\n")
	assert.Contains(t, body, "Content-Type: application/http\r\n")
	assert.Contains(t, body, "Content-ID: <item-0>\r\n")
	assert.Contains(t, body, "Content-ID: <item-1>\r\n")
	assert.Contains(t, body, "POST /calendar/v3/calendars/primary/events\r\n")
	assert.Contains(t, body, `{"summary":"x"}`)
	assert.Contains(t, body, "DELETE /calendar/v3/calendars/primary/events/ev1\r\n")
	assert.True(t, strings.HasSuffix(body, "--batch_test--\r\n"), "terminator part")

	// The delete part carries no JSON content type.
	deletePart := body[strings.Index(body, "Content-ID: <item-1>"):]
	assert.NotContains(t, deletePart, "application/json")
}

func TestContentTypeRoundTrip(t *testing.T) {
	boundary := NewBoundary()
	ct := ContentType(boundary)

	parsed, err := BoundaryFromContentType(ct)
	require.NoError(t, err)
	assert.Equal(t, boundary, parsed)
}

func TestBoundaryFromContentType_Errors(t *testing.T) {
	_, err := BoundaryFromContentType("application/json")
	assert.Error(t, err)

	_, err = BoundaryFromContentType("multipart/mixed")
	assert.Error(t, err)
}

func innerPart(contentID string, status int, statusText, body string) string {
	part := fmt.Sprintf("Content-Type: application/http\r\nContent-ID: <%s>\r\n\r\nHTTP/1.1 %d %s\r\nContent-Type: application/json; charset=UTF-8\r\n\r\n%s\r\n",
		contentID, status, statusText, body)
	return part
}

func batchResponse(boundary string, parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString(p)
	}
	b.WriteString("--" + boundary + "--\r\n")
	return b.String()
}

func TestDecodeResponse_JSONBodies(t *testing.T) {
	raw := batchResponse("b1",
		innerPart("response-item-0", 200, "OK", `{"id":"ev1","summary":"Buy milk"}`),
		innerPart("response-item-1", 404, "Not Found", `{"error":{"code":404,"message":"Not Found"}}`),
	)

	results, err := DecodeResponse(strings.NewReader(raw), "b1")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, 200, results[0].Status)
	assert.Equal(t, "ev1", results[0].Body.ID())
	assert.Equal(t, "Buy milk", results[0].Body.Summary())

	assert.Equal(t, 404, results[1].Status)
	assert.Equal(t, "Not Found", results[1].Body.ErrorMessage())
}

func TestDecodeResponse_NoContent(t *testing.T) {
	raw := batchResponse("b1", innerPart("response-item-0", 204, "No Content", ""))

	results, err := DecodeResponse(strings.NewReader(raw), "b1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 204, results[0].Status)
	assert.True(t, results[0].Body.Empty)
}

func TestDecodeResponse_TextBodies(t *testing.T) {
	success := batchResponse("b1", innerPart("response-item-0", 200, "OK", "all good"))
	results, err := DecodeResponse(strings.NewReader(success), "b1")
	require.NoError(t, err)
	obj, ok := results[0].Body.JSON.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "all good", obj["message"])

	failure := batchResponse("b1", innerPart("response-item-0", 503, "Service Unavailable", "backend unavailable"))
	results, err = DecodeResponse(strings.NewReader(failure), "b1")
	require.NoError(t, err)
	assert.Equal(t, "backend unavailable", results[0].Body.ErrorMessage())
}

func TestDecodeResponse_MissingStatusLine(t *testing.T) {
	raw := batchResponse("b1", "Content-Type: application/http\r\n\r\nnot an http response\r\n")

	_, err := DecodeResponse(strings.NewReader(raw), "b1")
	assert.Error(t, err)
}
