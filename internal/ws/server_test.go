package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/whisper/groupchat/internal/protocol"
)

func testConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.WorkerPoolSize = 4
	cfg.Heartbeat = HeartbeatConfig{}
	return cfg
}

func startServer(t *testing.T, setup func(*Server, *MessageDispatcher)) string {
	t.Helper()
	d := NewMessageDispatcher(nil, slog.Default())
	s := NewServer(testConfig(), slog.Default(), d.Dispatch)
	d.SetServer(s)
	if setup != nil {
		setup(s, d)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, br, _, err := ws.Dial(ctx, "ws://"+addr+"/ws")
		if err != nil {
			return false
		}
		conn = c
		if br != nil {
			// Frames sent right after the handshake are already buffered.
			conn = bufferedConn{Conn: c, r: br}
		}
		return true
	}, 2*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func readFrame(t *testing.T, conn net.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &body))
	return body
}

func Test_Server_RoundTrip(t *testing.T) {
	req := require.New(t)
	disconnected := make(chan string, 1)

	addr := startServer(t, func(s *Server, d *MessageDispatcher) {
		s.SetOnConnect(func(connID string) {
			data, _ := protocol.NewServerMessage(protocol.TypeOnlineCount, protocol.OnlineCountMsg{Count: 7})
			_ = s.SendMessage(connID, data)
			s.Activate(connID)
		})
		s.SetOnDisconnect(func(connID string) { disconnected <- connID })
		d.Register(func(conn *Connection, msgType string, msg interface{}) {
			join := msg.(*protocol.JoinMsg)
			data, _ := protocol.NewServerMessage(protocol.TypeSubmissionRejected,
				protocol.SubmissionRejectedMsg{Reason: "hi " + join.DisplayName})
			s.Broadcast(data)
		}, protocol.TypeJoin)
	})

	conn := dial(t, addr)

	greeting := readFrame(t, conn)
	req.Equal(protocol.TypeOnlineCount, greeting["type"])
	req.Equal(7.0, greeting["count"])

	req.NoError(wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)))
	req.Equal(protocol.TypePong, readFrame(t, conn)["type"])

	req.NoError(wsutil.WriteClientText(conn, []byte(`{"type":"join","display_name":"Fox #12"}`)))
	reply := readFrame(t, conn)
	req.Equal("hi Fox #12", reply["reason"])

	req.NoError(wsutil.WriteClientText(conn, []byte(`{nope`)))
	bad := readFrame(t, conn)
	req.Equal(protocol.TypeError, bad["type"])
	req.Equal(protocol.CodeInvalidPayload, bad["code"])

	req.NoError(wsutil.WriteClientText(conn, []byte(`{"type":"find_match"}`)))
	req.Equal("unsupported_type", readFrame(t, conn)["code"])

	_ = conn.Close()
	select {
	case id := <-disconnected:
		req.NotEmpty(id)
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect callback not called")
	}
}

func Test_Broadcast_Skips_Connections_Not_Yet_Live(t *testing.T) {
	req := require.New(t)
	var server *Server
	var pending atomic.Value

	addr := startServer(t, func(s *Server, _ *MessageDispatcher) {
		server = s
		s.SetOnConnect(func(connID string) { pending.Store(connID) })
	})

	conn := dial(t, addr)
	req.Eventually(func() bool { return pending.Load() != nil }, 2*time.Second, 10*time.Millisecond)

	server.Broadcast([]byte(`{"type":"message_removed","message_id":"early"}`))
	server.Activate(pending.Load().(string))
	server.Broadcast([]byte(`{"type":"message_removed","message_id":"late"}`))

	req.Equal("late", readFrame(t, conn)["message_id"])
}

func Test_Health(t *testing.T) {
	s := NewServer(testConfig(), slog.Default(), nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, 0.0, body["connections"])
}

func Test_Metrics_Route(t *testing.T) {
	s := NewServer(testConfig(), slog.Default(), nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "groupchat_connections_total")
}

func Test_Heartbeat_Evicts_Stale_Connections(t *testing.T) {
	req := require.New(t)
	s := NewServer(testConfig(), slog.Default(), nil)
	var evicted []string
	s.SetOnDisconnect(func(id string) { evicted = append(evicted, id) })

	fresh, freshPeer := net.Pipe()
	stale, stalePeer := net.Pipe()
	defer freshPeer.Close()
	defer stalePeer.Close()
	go func() { _, _ = io.Copy(io.Discard, freshPeer) }()

	cFresh := newConnection("fresh", fresh, 0)
	cStale := newConnection("stale", stale, 0)
	cStale.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())
	s.conns.Add(cFresh)
	s.conns.Add(cStale)

	checkConnections(s, HeartbeatConfig{Interval: time.Second, Timeout: time.Second}, time.Now())

	req.Equal([]string{"stale"}, evicted)
	req.NotNil(s.conns.Get("fresh"))
	req.Nil(s.conns.Get("stale"))
}

func Test_ConnectionManager(t *testing.T) {
	req := require.New(t)
	cm := NewConnectionManager()
	a, aPeer := net.Pipe()
	defer aPeer.Close()

	c := newConnection("a", a, 0)
	cm.Add(c)
	req.Equal(1, cm.Count())
	req.Same(c, cm.Get("a"))

	req.True(cm.Remove("a"))
	req.False(cm.Remove("a"))
	req.Zero(cm.Count())
	req.Empty(cm.All())
	req.ErrorIs(c.Send([]byte("late")), net.ErrClosed)
}

func Test_Stalled_Connection_Does_Not_Delay_Others(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	cfg.SendQueueSize = 4
	cfg.WriteTimeout = 5 * time.Second
	s := NewServer(cfg, slog.Default(), nil)
	dropped := make(chan string, 1)
	s.SetOnDisconnect(func(id string) { dropped <- id })

	fast, fastPeer := net.Pipe()
	stalled, stalledPeer := net.Pipe()
	defer fastPeer.Close()
	defer stalledPeer.Close() // never read
	for id, conn := range map[string]net.Conn{"fast": fast, "stalled": stalled} {
		c := newConnection(id, conn, cfg.SendQueueSize)
		c.live.Store(true)
		s.attach(c)
	}
	t.Cleanup(func() { s.conns.Remove("fast") })

	// The stalled writer blocks on the first frame; the next SendQueueSize
	// fill its queue and the last one overflows it.
	start := time.Now()
	for i := 0; i < cfg.SendQueueSize+2; i++ {
		want := fmt.Sprintf(`{"n":%d}`, i)
		s.Broadcast([]byte(want))

		_ = fastPeer.SetReadDeadline(time.Now().Add(time.Second))
		data, err := wsutil.ReadServerText(fastPeer)
		req.NoError(err)
		req.JSONEq(want, string(data))
	}
	req.Less(time.Since(start), cfg.WriteTimeout/2)

	select {
	case id := <-dropped:
		req.Equal("stalled", id)
	case <-time.After(2 * time.Second):
		t.Fatal("stalled connection was not dropped")
	}
	req.NotNil(s.conns.Get("fast"))
	req.Nil(s.conns.Get("stalled"))
}
