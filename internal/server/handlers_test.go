package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "http://localhost:8080"

// wsClient reads frames and splits them into protocol lines.
type wsClient struct {
	conn    *websocket.Conn
	pending []string
}

func dialWebSocket(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{testOrigin}}

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{conn: conn}
}

func (c *wsClient) send(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(line)))
}

func (c *wsClient) expect(t *testing.T, want string) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	for {
		for len(c.pending) > 0 {
			line := c.pending[0]
			c.pending = c.pending[1:]
			if line == want {
				return
			}
		}
		_, data, err := c.conn.ReadMessage()
		require.NoError(t, err, "waiting for %q", want)
		c.pending = strings.Split(string(data), "\n")
	}
}

func (c *wsClient) login(t *testing.T, name string) {
	t.Helper()
	c.expect(t, BannerLine)
	c.expect(t, UsernamePrompt)
	c.send(t, name)
	c.expect(t, "Welcome "+name+"! Type ';h' for a list of commands.")
}

func startGateway(t *testing.T) (*runningRelay, *httptest.Server) {
	t.Helper()
	relay := startRelay(t, nil)
	ts := httptest.NewServer(SetupRoutes(relay.srv))
	t.Cleanup(ts.Close)
	return relay, ts
}

func TestWebSocketHandler_SharesRelayWithRawClients(t *testing.T) {
	relay, ts := startGateway(t)

	carol := dialWebSocket(t, ts)
	carol.login(t, "carol")

	dave := dialRelay(t, relay.addr)
	dave.login(t, "dave")
	carol.expect(t, "dave is online")

	carol.send(t, "hello from the browser")
	carol.expect(t, AckMarker)
	dave.expect(t, "carol: hello from the browser")

	dave.send(t, "hello back")
	carol.expect(t, "dave: hello back")

	// The name is shared across transports.
	other := dialWebSocket(t, ts)
	other.expect(t, UsernamePrompt)
	other.send(t, "dave")
	other.expect(t, "Username 'dave' is already taken")

	carol.send(t, ";help")
	carol.expect(t, "Available commands:")

	carol.send(t, ";e")
	carol.expect(t, "Goodbye, carol!")
	dave.expect(t, "carol has logged off")

	require.NoError(t, carol.conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, _, err := carol.conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}

func TestWebSocketHandler_RejectsDisallowedOrigin(t *testing.T) {
	_, ts := startGateway(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketHandler_MethodNotAllowed(t *testing.T) {
	relay := startRelay(t, nil)

	rec := httptest.NewRecorder()
	relay.srv.WebSocketHandler(rec, httptest.NewRequest(http.MethodPost, "/ws", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Body.String(), "Method not allowed")
}

func TestHealthHandler(t *testing.T) {
	relay, ts := startGateway(t)

	alice := dialRelay(t, relay.addr)
	alice.login(t, "alice")

	for _, path := range []string{"/", "/healthz"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
		assert.Equal(t, "Chat relay is running! Users online: 1", string(body))
	}
}

func TestWebSocketHandler_GETWithoutUpgrade(t *testing.T) {
	relay := startRelay(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", testOrigin)
	rec := httptest.NewRecorder()
	relay.srv.WebSocketHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, relay.srv.ActiveConnections())
}

func TestWebSocketHandler_OversizedFrameEndsSession(t *testing.T) {
	relay, ts := startGateway(t)

	carol := dialWebSocket(t, ts)
	carol.login(t, "carol")
	dave := dialRelay(t, relay.addr)
	dave.login(t, "dave")

	carol.send(t, strings.Repeat("x", defaultMaxLineLength+1))
	dave.expect(t, "carol has logged off")
}

func TestCreateServer(t *testing.T) {
	relay := startRelay(t, nil)
	mux := SetupRoutes(relay.srv)

	srv := CreateServer(":8080", mux)

	assert.Equal(t, ":8080", srv.Addr)
	assert.Equal(t, mux, srv.Handler)
	assert.Equal(t, 5*time.Second, srv.ReadHeaderTimeout)
	assert.Equal(t, 15*time.Second, srv.ReadTimeout)
	assert.Equal(t, 60*time.Second, srv.IdleTimeout)
	assert.NoError(t, ShutdownServer(srv, time.Second))
}

func TestWebSocketHandler_MultiLineFrameIsSplit(t *testing.T) {
	relay, ts := startGateway(t)

	bob := dialRelay(t, relay.addr)
	bob.login(t, "bob")

	mallory := dialWebSocket(t, ts)
	mallory.login(t, "mallory")
	bob.expect(t, "mallory is online")

	mallory.send(t, "hi\nalice: give me your password\r\ncarol has logged off\n")
	for i := 0; i < 3; i++ {
		mallory.expect(t, AckMarker)
	}

	// Every line is attributed to its real sender.
	assert.Equal(t, "mallory: hi", bob.next(t))
	assert.Equal(t, "mallory: alice: give me your password", bob.next(t))
	assert.Equal(t, "mallory: carol has logged off", bob.next(t))
}

func TestSplitFrame(t *testing.T) {
	cases := map[string][]string{
		"":             {""},
		"hello":        {"hello"},
		"hello\r\n":    {"hello"},
		"a\nb":         {"a", "b"},
		"a\r\n\nb\n":   {"a", "", "b"},
		"keep\rinside": {"keep\rinside"},
	}
	for frame, want := range cases {
		assert.Equal(t, want, splitFrame(frame), "frame %q", frame)
	}
}
