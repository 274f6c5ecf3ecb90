package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-livelink/internal/logging"
	"github.com/lightforgemedia/go-livelink/pkg/coordinator"
	"github.com/lightforgemedia/go-livelink/pkg/envelope"
	"github.com/lightforgemedia/go-livelink/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func echoBackend(t *testing.T) *testutil.MockBackend {
	t.Helper()
	mb := testutil.NewMockBackend(t)
	mb.OnEvent(func(b *testutil.MockBackend, ev envelope.Event) {
		req, ok := ev.(envelope.TestRequest)
		if !ok {
			return
		}
		if req.Message == "boom" {
			_ = b.Send(envelope.TestError{CorrelationID: req.CorrelationID, Message: "device rejected"})
			return
		}
		_ = b.Send(envelope.TestResponse{CorrelationID: req.CorrelationID, Text: req.SessionID + " says " + req.Message})
	})
	return mb
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)

	out, err = run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "livelink dev")
	assert.Contains(t, out, "Go version")
}

func TestTestCommandPrintsReply(t *testing.T) {
	mb := echoBackend(t)

	out, err := run(t, "test", "S1", "hello", "--url", mb.WsURL, "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "S1 says hello\n", out)
}

func TestSendTestTracksSessionFirst(t *testing.T) {
	mb := echoBackend(t)
	opts := coordinator.DefaultOptions()
	opts.Logger = logging.Discard()
	c := coordinator.New(mb.WsURL, opts)
	defer c.Close()

	var out bytes.Buffer
	err := sendTest(context.Background(), c, &out, "S7", "hello", 3*time.Second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "S7 says hello\n", out.String())

	s, ok := c.Session("S7")
	require.True(t, ok, "the session is tracked before the request goes out")
	assert.Equal(t, "S7", s.ID)

	err = sendTest(context.Background(), c, &out, "", "hello", time.Second, time.Second)
	require.ErrorIs(t, err, coordinator.ErrEmptySessionID)
	assert.Equal(t, 1, len(mb.Received()), "nothing is sent for an empty session id")
}

func TestTestCommandReportsRemoteError(t *testing.T) {
	mb := echoBackend(t)

	_, err := run(t, "test", "S1", "boom", "--url", mb.WsURL, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device rejected")
}

func TestTestCommandTimesOutWithoutBackend(t *testing.T) {
	_, err := run(t, "test", "S1", "hello",
		"--url", "ws://127.0.0.1:1/ws", "--connect-timeout", "100ms", "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestMissingURLIsAConfigError(t *testing.T) {
	t.Setenv("LIVELINK_URL", "")
	_, err := run(t, "test", "S1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url is required")
}

func TestExplicitEnvFileMustExist(t *testing.T) {
	_, err := run(t, "version", "--env-file", "does-not-exist.env")
	require.NoError(t, err, "version does not load configuration")

	_, err = run(t, "test", "S1", "hi", "--env-file", "does-not-exist.env")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load env file")
}

func TestWatchStreamsSessionChanges(t *testing.T) {
	mb := testutil.NewMockBackend(t)

	var out, errOut bytes.Buffer
	w := &syncWriter{buf: &out}
	cmd := newRootCmd(w, &errOut)
	cmd.SetArgs([]string{"watch", "--url", mb.WsURL, "--session", "S1", "--log-level", "error"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.NoError(t, testutil.WaitFor(t, "backend connected", 3*time.Second, mb.Connected))
	require.NoError(t, testutil.WaitFor(t, "session send", 3*time.Second, func() bool {
		return mb.Send(envelope.PairingCode{SessionID: "S1", Payload: "qr-9"}) == nil
	}))
	require.NoError(t, testutil.WaitFor(t, "pairing printed", 3*time.Second, func() bool {
		return strings.Contains(w.String(), "pairing=qr-9")
	}))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not exit after cancel")
	}

	text := w.String()
	assert.Contains(t, text, "session S1 #1 pending")
	assert.Contains(t, text, "connection open")
}

func TestHealthzReportsConnectivity(t *testing.T) {
	mb := testutil.NewMockBackend(t)
	opts := coordinator.DefaultOptions()
	opts.Logger = logging.Discard()
	c := coordinator.New(mb.WsURL, opts)
	defer c.Close()
	_, err := c.TrackSession("S1", "")
	require.NoError(t, err)

	srv := httptest.NewServer(metricsRouter(c))
	defer srv.Close()

	get := func() (int, health) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		var h health
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
		return resp.StatusCode, h
	}

	code, h := get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "idle", h.Connectivity)
	assert.Equal(t, 1, h.Sessions)

	c.Start(context.Background())
	require.NoError(t, testutil.WaitFor(t, "healthy", 3*time.Second, func() bool {
		code, _ := get()
		return code == http.StatusOK
	}))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type syncWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
