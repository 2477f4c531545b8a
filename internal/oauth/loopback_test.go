package oauth

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func doneClosed(s *CallbackServer) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startServer(t *testing.T, m *Manager, store *memStore, port int) *CallbackServer {
	t.Helper()
	s := NewCallbackServer(m, store, nil)
	require.NoError(t, s.Start(context.Background(), port))
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestCallbackServer_BindsConfiguredPort(t *testing.T) {
	auth := newFakeAuthServer(t)
	store := &memStore{}
	m := newTestManager(t, store, auth)

	port := freePort(t)
	s := startServer(t, m, store, port)

	assert.Equal(t, port, s.Port())
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/oauth2callback", port), s.RedirectURI())
	assert.Nil(t, store.doc, "unchanged port is not persisted")
}

func TestCallbackServer_AutoAdvancesTakenPort(t *testing.T) {
	auth := newFakeAuthServer(t)
	store := &memStore{}
	m := newTestManager(t, store, auth)

	port := freePort(t)
	blocker, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer blocker.Close()

	s := startServer(t, m, store, port)

	assert.Greater(t, s.Port(), port)
	assert.LessOrEqual(t, s.Port(), port+9)
	require.NotNil(t, store.doc, "advanced port must be persisted")
	assert.Equal(t, s.Port(), store.doc.RedirectPort)
}

func TestCallbackServer_Routes(t *testing.T) {
	auth := newFakeAuthServer(t)
	store := &memStore{}
	m := newTestManager(t, store, auth)
	s := startServer(t, m, store, freePort(t))

	base := fmt.Sprintf("http://127.0.0.1:%d", s.Port())

	tests := []struct {
		path   string
		status int
	}{
		{"/", http.StatusOK},
		{"/favicon.ico", http.StatusNoContent},
		{"/nope", http.StatusNotFound},
		// Callback without an active flow fails server-side.
		{"/oauth2callback?state=x", http.StatusInternalServerError},
	}
	for _, tc := range tests {
		resp, err := http.Get(base + tc.path)
		require.NoError(t, err, tc.path)
		resp.Body.Close()
		assert.Equal(t, tc.status, resp.StatusCode, tc.path)
	}
}

func TestCallbackServer_SuccessfulCallbackCompletesFlow(t *testing.T) {
	auth := newFakeAuthServer(t)
	store := &memStore{}
	m := newTestManager(t, store, auth)
	s := startServer(t, m, store, freePort(t))

	// Point the manager at the bound server's URI, then run the flow.
	_, err := m.BeginAuth(context.Background())
	require.NoError(t, err)
	assert.False(t, doneClosed(s))

	resp, err := http.Get(fmt.Sprintf("%s?state=%s&code=the-code", s.RedirectURI(), m.pendingState))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Authentication complete")
	assert.True(t, m.HasCredentials())
	assert.True(t, doneClosed(s), "a successful callback signals completion")
}

func TestCallbackServer_DoneWaitsForCallbackDespiteExistingGrant(t *testing.T) {
	auth := newFakeAuthServer(t)
	store := &memStore{}
	m := newTestManager(t, store, auth)
	m.token = &oauth2.Token{RefreshToken: "prior-grant"}
	s := startServer(t, m, store, freePort(t))

	require.True(t, m.HasCredentials())
	assert.False(t, doneClosed(s), "a grant from a previous run must not signal completion")

	_, err := m.BeginAuth(context.Background())
	require.NoError(t, err)

	// A rejected callback leaves the signal open too.
	resp, err := http.Get(fmt.Sprintf("%s?state=%s&error=access_denied", s.RedirectURI(), m.pendingState))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.False(t, doneClosed(s))
}

func TestCallbackServer_ErrorResponseEscapesMessage(t *testing.T) {
	auth := newFakeAuthServer(t)
	store := &memStore{}
	m := newTestManager(t, store, auth)
	s := startServer(t, m, store, freePort(t))

	_, err := m.BeginAuth(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("%s?state=%s&error=%s", s.RedirectURI(), m.pendingState, "%3Cscript%3E"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, string(body), "<script>")
	assert.Contains(t, string(body), "&lt;script&gt;")
}
