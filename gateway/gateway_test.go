package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	derrors "github.com/vinayprograms/dispatchkit/errors"
	"github.com/vinayprograms/dispatchkit/ratelimit"
)

// testServer accepts one websocket, reports every frame it reads and
// writes whatever is sent on out.
type testServer struct {
	*httptest.Server
	frames chan Payload
	out    chan []byte
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{
		frames: make(chan Payload, 64),
		out:    make(chan []byte, 16),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade error: %v", err)
			return
		}
		defer ws.Close()

		go func() {
			for data := range s.out {
				if ws.WriteMessage(websocket.TextMessage, data) != nil {
					return
				}
			}
		}()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var p Payload
			if json.Unmarshal(data, &p) == nil {
				s.frames <- p
			}
		}
	}))
	t.Cleanup(func() {
		close(s.out)
		s.Close()
	})
	return s
}

func (s *testServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *testServer) next(t *testing.T) Payload {
	t.Helper()
	select {
	case p := <-s.frames:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return Payload{}
	}
}

func newTestDispatcher(t *testing.T, buckets map[ratelimit.BucketKey]ratelimit.Limit) *ratelimit.Dispatcher {
	t.Helper()
	cfg := ratelimit.DefaultConfig()
	for k, v := range buckets {
		cfg.Buckets[k] = v
	}
	d, err := ratelimit.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func dial(t *testing.T, s *testServer, d *ratelimit.Dispatcher) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), s.url(), d, DefaultConfig())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBucketFor(t *testing.T) {
	tests := []struct {
		op     Opcode
		key    ratelimit.BucketKey
		ignore bool
	}{
		{OpIdentify, ratelimit.GatewayIdentify, false},
		{OpPresenceUpdate, ratelimit.GatewayPresence, false},
		{OpHeartbeat, ratelimit.GatewayConnection, true},
		{OpRequestGuildMembers, ratelimit.GatewayConnection, false},
		{OpResume, ratelimit.GatewayConnection, false},
	}
	for _, tt := range tests {
		key, ignore := BucketFor(tt.op)
		if key != tt.key || ignore != tt.ignore {
			t.Errorf("BucketFor(%d) = %v, %v", tt.op, key, ignore)
		}
	}
}

func TestConn_SendAndRecv(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s, newTestDispatcher(t, nil))

	if c.Seq() != nil {
		t.Error("no sequence before the first dispatch")
	}

	err := c.Send(context.Background(), Command{Op: OpIdentify, Data: map[string]interface{}{"token": "t", "intents": 513}})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	p := s.next(t)
	if p.Op != OpIdentify || !strings.Contains(string(p.Data), `"intents":513`) {
		t.Errorf("frame = op %d data %s", p.Op, p.Data)
	}

	s.out <- []byte(`{"op":0,"t":"READY","s":5,"d":{"v":10}}`)
	s.out <- []byte(`not json`)
	s.out <- []byte(`{"op":11}`)

	select {
	case got := <-c.Recv():
		if got.Type != "READY" || got.Op != OpDispatch {
			t.Errorf("payload = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no payload received")
	}
	select {
	case got := <-c.Recv():
		if got.Op != OpHeartbeatAck {
			t.Errorf("malformed frame should be skipped, got op %d", got.Op)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no payload received")
	}
	if seq := c.Seq(); seq == nil || *seq != 5 {
		t.Errorf("Seq() = %v, want 5", seq)
	}
}

func TestConn_PresenceWindow(t *testing.T) {
	s := newTestServer(t)
	d := newTestDispatcher(t, map[ratelimit.BucketKey]ratelimit.Limit{
		ratelimit.GatewayPresence: {Count: 2, Window: 200 * time.Millisecond},
	})
	c := dial(t, s, d)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := c.Send(context.Background(), Command{Op: OpPresenceUpdate, Data: map[string]string{"status": "online"}}); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("third presence update after %v, want a full window", elapsed)
	}
	for i := 0; i < 3; i++ {
		if p := s.next(t); p.Op != OpPresenceUpdate {
			t.Errorf("frame %d op = %d", i, p.Op)
		}
	}
}

func TestConn_HeartbeatIgnoresLimit(t *testing.T) {
	s := newTestServer(t)
	d := newTestDispatcher(t, map[ratelimit.BucketKey]ratelimit.Limit{
		ratelimit.GatewayConnection: {Count: 1, Window: time.Hour},
	})
	c := dial(t, s, d)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := c.Send(ctx, Command{Op: OpHeartbeat, Data: c.Seq()})
		cancel()
		if err != nil {
			t.Fatalf("heartbeat %d error = %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Send(ctx, Command{Op: OpRequestGuildMembers, Data: map[string]string{"guild_id": "1"}})
	if !derrors.Is(err, derrors.ErrCodeTimeout) {
		t.Errorf("error = %v, want TIMEOUT on the exhausted connection bucket", err)
	}
}

func TestConn_CloseCancelsQueued(t *testing.T) {
	s := newTestServer(t)
	d := newTestDispatcher(t, map[ratelimit.BucketKey]ratelimit.Limit{
		ratelimit.GatewayConnection: {Count: 1, Window: time.Hour},
	})
	c := dial(t, s, d)

	if err := c.Send(context.Background(), Command{Op: OpResume}); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- c.Send(context.Background(), Command{Op: OpVoiceStateUpdate})
	}()
	time.Sleep(20 * time.Millisecond)

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	select {
	case err := <-errc:
		if !derrors.IsCanceled(err) || !errors.Is(err, ErrClosed) {
			t.Errorf("queued send error = %v, want CANCELED by close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued send not cancelled")
	}

	if err := c.Send(context.Background(), Command{Op: OpResume}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after close = %v, want ErrClosed", err)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done should be closed")
	}
}

func TestDial_ResetsGatewayBuckets(t *testing.T) {
	s := newTestServer(t)
	d := newTestDispatcher(t, nil)

	c := dial(t, s, d)
	if err := c.Send(context.Background(), Command{Op: OpPresenceUpdate}); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.Registry().Lookup(ratelimit.GatewayPresence); !ok {
		t.Fatal("presence bucket should exist")
	}
	c.Close()

	dial(t, s, d)
	if _, ok := d.Registry().Lookup(ratelimit.GatewayPresence); ok {
		t.Error("a new session should start with fresh gateway buckets")
	}
}

func TestConn_Heartbeat(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s, newTestDispatcher(t, nil))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Heartbeat(ctx, 20*time.Millisecond) }()

	for i := 0; i < 2; i++ {
		p := s.next(t)
		if p.Op != OpHeartbeat || string(p.Data) != "null" {
			t.Errorf("frame = op %d data %s", p.Op, p.Data)
		}
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Heartbeat() = %v", err)
	}
}
