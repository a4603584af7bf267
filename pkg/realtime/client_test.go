package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// startServer runs a WebSocket test server and hands each accepted
// connection to handler. The server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestReconnectPolicy_Delay(t *testing.T) {
	p := ReconnectPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     4 * time.Second,
	}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 4 * time.Second}, // capped
		{0, time.Second},     // clamped to the first attempt
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestClient_ConnectWhileConnected(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Read(context.Background())
	})

	c := NewClient(Config{URL: wsURL(srv)})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	if err := c.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestClient_ConnectRetriesThenFails(t *testing.T) {
	var dials atomic.Int32
	c := NewClient(Config{
		URL: "ws://127.0.0.1:1", // never used, dial is overridden
		Reconnect: ReconnectPolicy{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			Multiplier:   1,
		},
	})
	defer c.Close()
	c.dial = func(ctx context.Context) (*websocket.Conn, error) {
		dials.Add(1)
		return nil, errors.New("refused")
	}

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect to fail")
	}
	if got := dials.Load(); got != 3 { // initial dial plus two retries
		t.Errorf("dial count = %d, want 3", got)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
}

func TestClient_ConnectRetryCountsDelays(t *testing.T) {
	var delays []time.Duration
	c := NewClient(Config{
		Reconnect: ReconnectPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			Multiplier:   2,
			MaxDelay:     10 * time.Millisecond,
		},
		OnRetry: func(_ int, delay time.Duration) {
			delays = append(delays, delay)
		},
	})
	defer c.Close()
	c.dial = func(ctx context.Context) (*websocket.Conn, error) {
		return nil, errors.New("refused")
	}

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect to fail")
	}
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("observed %d retry delays, want %d", len(delays), len(want))
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("retry %d delay = %v, want %v", i+1, delays[i], want[i])
		}
	}
}

func TestClient_SendWithoutConnection(t *testing.T) {
	c := NewClient(Config{})
	if err := c.Send(context.Background(), []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send = %v, want ErrNotConnected", err)
	}
	c.Close()
	if err := c.Send(context.Background(), []byte("{}")); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close = %v, want ErrClosed", err)
	}
}

func TestClient_CloseIsTerminal(t *testing.T) {
	c := NewClient(Config{})
	c.Close()
	c.Close() // idempotent
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("connect after close = %v, want ErrClosed", err)
	}
	if got := c.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestClient_DispatchByType(t *testing.T) {
	c := NewClient(Config{})
	defer c.Close()

	var namedGot, genericType string
	c.On("session.created", func(raw json.RawMessage) {
		var ev struct {
			Type string `json:"type"`
		}
		json.Unmarshal(raw, &ev)
		namedGot = ev.Type
	})
	c.OnMessage(func(eventType string, _ json.RawMessage) {
		genericType = eventType
	})

	c.dispatch([]byte(`{"type":"session.created","session":{}}`))
	if namedGot != "session.created" {
		t.Errorf("named handler got %q", namedGot)
	}
	if genericType != "session.created" {
		t.Errorf("generic handler got %q", genericType)
	}
}

func TestClient_DispatchDropsMalformed(t *testing.T) {
	c := NewClient(Config{})
	defer c.Close()

	called := false
	c.OnMessage(func(string, json.RawMessage) { called = true })

	c.dispatch([]byte(`not json at all`))
	c.dispatch([]byte(`{"no_type_field":true}`))
	if called {
		t.Error("malformed events must not reach handlers")
	}
}

func TestClient_ReceivesServerEvents(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"session.created"}`))
		conn.Read(ctx)
	})

	c := NewClient(Config{URL: wsURL(srv)})
	defer c.Close()

	got := make(chan string, 1)
	c.On("session.created", func(json.RawMessage) {
		select {
		case got <- "session.created":
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dispatched event")
	}
}

func TestClient_ReconnectsAfterAbnormalClose(t *testing.T) {
	var accepts atomic.Int32
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		if accepts.Add(1) == 1 {
			conn.Close(websocket.StatusInternalError, "going down")
			return
		}
		conn.Read(context.Background())
	})

	c := NewClient(Config{
		URL: wsURL(srv),
		Reconnect: ReconnectPolicy{
			MaxAttempts:  3,
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   1,
		},
	})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if accepts.Load() >= 2 && c.State() == StateConnected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no reconnect observed: accepts=%d state=%v", accepts.Load(), c.State())
}

func TestClient_NoReconnectOnNormalClosure(t *testing.T) {
	var accepts atomic.Int32
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		accepts.Add(1)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	c := NewClient(Config{
		URL: wsURL(srv),
		Reconnect: ReconnectPolicy{
			MaxAttempts:  3,
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   1,
		},
	})
	defer c.Close()

	closed := make(chan error, 1)
	c.OnClose(func(err error) {
		select {
		case closed <- err:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("close handler got %v, want nil for normal closure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for close notification")
	}
	time.Sleep(50 * time.Millisecond)
	if got := accepts.Load(); got != 1 {
		t.Errorf("server saw %d connections, want 1 (no reconnect)", got)
	}
}
