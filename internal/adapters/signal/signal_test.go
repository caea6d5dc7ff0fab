package signal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/voicerelay/internal/app"
	"github.com/dkeye/voicerelay/internal/app/orch"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/dkeye/voicerelay/internal/protocol"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func newTestController(opts ...Option) *Controller {
	reg := app.NewRegistry()
	calls := app.NewCallManager(reg, time.Hour)
	o := orch.New(reg, calls, app.NewMessageRelay(reg), app.SimplePolicy{}, nil)
	return NewController(o, opts...)
}

func startServer(t *testing.T, opts ...Option) string {
	t.Helper()
	ctl := newTestController(opts...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = ctl.ServeTCP(ctx, ln) }()
	return ln.Addr().String()
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	id   domain.ClientID
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) sendRaw(b []byte) {
	c.t.Helper()
	if err := WriteFrame(c.conn, b); err != nil {
		c.t.Fatal(err)
	}
}

func (c *testClient) send(env protocol.Envelope) {
	c.t.Helper()
	b, err := protocol.Encode(env)
	if err != nil {
		c.t.Fatal(err)
	}
	c.sendRaw(b)
}

func (c *testClient) read() (protocol.Envelope, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, err := ReadFrame(c.r, 1<<20)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(b)
}

// expect skips unrelated pushes until an envelope of type typ arrives.
func (c *testClient) expect(typ string) protocol.Envelope {
	c.t.Helper()
	for {
		env, err := c.read()
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", typ, err)
		}
		if env.Type == typ {
			return env
		}
	}
}

func (c *testClient) expectError(request, code string) {
	c.t.Helper()
	env := c.expect(protocol.TypeError)
	if env.Request != request || env.Error != code {
		c.t.Fatalf("error = %+v, want %s/%s", env, request, code)
	}
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	for {
		_, err := c.read()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.t.Fatal("connection still open")
		}
		return
	}
}

func (c *testClient) register(name string) {
	c.t.Helper()
	c.send(protocol.Envelope{Type: protocol.TypeRegister, Name: name})
	resp := c.expect(protocol.TypeRegisterResponse)
	if resp.ClientID == "" || resp.Name != name || resp.ServerTime == 0 {
		c.t.Fatalf("register response = %+v", resp)
	}
	c.id = resp.ClientID
}

func TestFrameCodec(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	if n := binary.LittleEndian.Uint32(buf.Bytes()[:4]); n != 15 {
		t.Fatalf("length prefix = %d", n)
	}
	got, err := ReadFrame(&buf, 1024)
	if err != nil || string(got) != `{"type":"ping"}` {
		t.Fatalf("read = %q, %v", got, err)
	}

	buf.Reset()
	_ = WriteFrame(&buf, make([]byte, 100))
	if _, err := ReadFrame(&buf, 64); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("oversized err = %v", err)
	}

	buf.Reset()
	_ = WriteFrame(&buf, []byte("abcdef"))
	buf.Truncate(7)
	if _, err := ReadFrame(&buf, 1024); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("truncated err = %v", err)
	}
}

func TestRegistrationComesFirst(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	c.send(protocol.Envelope{Type: protocol.TypePing})
	c.expectError(protocol.TypePing, "not_registered")

	c.send(protocol.Envelope{Type: protocol.TypeRegister, Name: ""})
	c.expectError(protocol.TypeRegister, "invalid_name")

	c.register("Alice")
	c.send(protocol.Envelope{Type: protocol.TypeRegister, Name: "Again"})
	c.expectError(protocol.TypeRegister, "already_registered")

	c.send(protocol.Envelope{Type: protocol.TypePing})
	c.expect(protocol.TypePong)

	c.send(protocol.Envelope{Type: protocol.TypeWhoAmI})
	who := c.expect(protocol.TypeWhoAmI)
	if who.ClientID != c.id || who.Name != "Alice" || who.Status != domain.StatusOnline {
		t.Fatalf("whoami = %+v", who)
	}
}

func TestMalformedInput(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	c.sendRaw([]byte(`{"type":`))
	c.expectError("", "bad_payload")
	c.send(protocol.Envelope{Type: "teleport"})
	c.expectError("teleport", "unknown_type")

	c.register("Alice")
	c.send(protocol.Envelope{Type: protocol.TypeCallAccept})
	c.expectError(protocol.TypeCallAccept, "bad_payload")
	c.send(protocol.Envelope{Type: protocol.TypeCallHangup, CallID: domain.NewCallID()})
	c.expectError(protocol.TypeCallHangup, "call_not_found")
}

func TestCallOverControlChannel(t *testing.T) {
	addr := startServer(t)
	alice := dial(t, addr)
	bob := dial(t, addr)
	alice.register("Alice")
	bob.register("Bob")

	alice.send(protocol.Envelope{Type: protocol.TypeGetClients})
	if list := alice.expect(protocol.TypeClientList); len(list.Clients) != 2 {
		t.Fatalf("clients = %+v", list.Clients)
	}

	alice.send(protocol.Envelope{Type: protocol.TypeCallRequest, CalleeID: bob.id})
	ringing := alice.expect(protocol.TypeAck)
	if ringing.Request != protocol.TypeCallRequest || ringing.State != domain.CallRinging || ringing.CallID == "" {
		t.Fatalf("request ack = %+v", ringing)
	}
	incoming := bob.expect(protocol.TypeCallState)
	if incoming.CallID != ringing.CallID || incoming.CallerID != alice.id || incoming.PeerName != "Alice" {
		t.Fatalf("incoming = %+v", incoming)
	}

	accepted := true
	bob.send(protocol.Envelope{Type: protocol.TypeCallAnswer, CallID: ringing.CallID, Accepted: &accepted})
	if ack := bob.expect(protocol.TypeAck); ack.State != domain.CallActive {
		t.Fatalf("answer ack = %+v", ack)
	}
	if note := alice.expect(protocol.TypeCallState); note.State != domain.CallActive {
		t.Fatalf("caller note = %+v", note)
	}

	alice.send(protocol.Envelope{Type: protocol.TypeCallHangup, CallID: ringing.CallID})
	if ack := alice.expect(protocol.TypeAck); ack.State != domain.CallEnded || ack.Reason != domain.ReasonHangup {
		t.Fatalf("hangup ack = %+v", ack)
	}
	if note := bob.expect(protocol.TypeCallState); note.State != domain.CallEnded {
		t.Fatalf("callee note = %+v", note)
	}

	bob.send(protocol.Envelope{Type: protocol.TypeCallHangup, CallID: ringing.CallID})
	bob.expectError(protocol.TypeCallHangup, "invalid_call_state")
}

func TestAbruptDisconnectFailsCall(t *testing.T) {
	addr := startServer(t)
	alice := dial(t, addr)
	bob := dial(t, addr)
	alice.register("Alice")
	bob.register("Bob")

	alice.send(protocol.Envelope{Type: protocol.TypeCallRequest, CalleeID: bob.id})
	callID := alice.expect(protocol.TypeAck).CallID
	bob.send(protocol.Envelope{Type: protocol.TypeCallAccept, CallID: callID})
	bob.expect(protocol.TypeAck)

	_ = bob.conn.Close()
	lost := alice.expect(protocol.TypePeerLost)
	if lost.CallID != callID || lost.State != domain.CallFailed || lost.Reason != domain.ReasonPeerLost {
		t.Fatalf("peer lost = %+v", lost)
	}

	alice.send(protocol.Envelope{Type: protocol.TypeWhoAmI})
	if who := alice.expect(protocol.TypeWhoAmI); who.Status != domain.StatusOnline {
		t.Fatalf("survivor status = %s", who.Status)
	}
	alice.send(protocol.Envelope{Type: protocol.TypeCallRequest, CalleeID: bob.id})
	alice.expectError(protocol.TypeCallRequest, "callee_offline")
}

func TestMessagesOverControlChannel(t *testing.T) {
	addr := startServer(t)
	alice := dial(t, addr)
	bob := dial(t, addr)
	alice.register("Alice")
	bob.register("Bob")

	alice.send(protocol.Envelope{Type: protocol.TypeBroadcast, Body: "hello"})
	ack := alice.expect(protocol.TypeAck)
	if ack.Delivered == nil || *ack.Delivered != 1 || ack.Failed == nil || *ack.Failed != 0 {
		t.Fatalf("broadcast ack = %+v", ack)
	}
	if got := bob.expect(protocol.TypeBroadcast); got.Body != "hello" || got.SenderName != "Alice" {
		t.Fatalf("broadcast = %+v", got)
	}

	bob.send(protocol.Envelope{Type: protocol.TypePrivate, RecipientID: alice.id, Body: "hi back"})
	if ack := bob.expect(protocol.TypeAck); ack.RecipientID != alice.id {
		t.Fatalf("private ack = %+v", ack)
	}
	if got := alice.expect(protocol.TypePrivate); got.Body != "hi back" || got.SenderID != bob.id {
		t.Fatalf("private = %+v", got)
	}

	bob.send(protocol.Envelope{Type: protocol.TypePrivate, RecipientID: domain.NewClientID(), Body: "?"})
	bob.expectError(protocol.TypePrivate, "recipient_not_found")
}

func TestMessageRateLimit(t *testing.T) {
	addr := startServer(t, WithRateLimiter(NewRateLimiter(0.01, 1)))
	c := dial(t, addr)
	c.register("Alice")

	c.send(protocol.Envelope{Type: protocol.TypeBroadcast, Body: "one"})
	c.expect(protocol.TypeAck)
	c.send(protocol.Envelope{Type: protocol.TypeBroadcast, Body: "two"})
	c.expectError(protocol.TypeBroadcast, "rate_limited")
}

func TestSignOff(t *testing.T) {
	addr := startServer(t)
	alice := dial(t, addr)
	bob := dial(t, addr)
	alice.register("Alice")
	bob.register("Bob")

	bob.send(protocol.Envelope{Type: protocol.TypeSignOff})
	if ack := bob.expect(protocol.TypeAck); ack.Request != protocol.TypeSignOff {
		t.Fatalf("sign off ack = %+v", ack)
	}
	bob.expectClosed()

	for {
		p := alice.expect(protocol.TypePresence)
		if p.Event == protocol.PresenceLeft {
			if p.Client.ID != bob.id {
				t.Fatalf("left = %+v", p.Client)
			}
			break
		}
	}
}

func TestOversizedFrameDropsConnection(t *testing.T) {
	addr := startServer(t, WithReadLimit(64))
	c := dial(t, addr)
	c.register("Alice")

	c.sendRaw(bytes.Repeat([]byte("x"), 100))
	c.expectClosed()
}

func TestRegisterDeadline(t *testing.T) {
	addr := startServer(t, WithRegisterTimeout(100*time.Millisecond))

	idle := dial(t, addr)
	idle.expectClosed()

	c := dial(t, addr)
	c.register("Alice")
	time.Sleep(300 * time.Millisecond)
	c.send(protocol.Envelope{Type: protocol.TypePing})
	c.expect(protocol.TypePong)
}

// flakyListener fails its first Accept calls, then hands out queued conns.
type flakyListener struct {
	failures int
	conns    chan net.Conn
	closed   chan struct{}
	once     sync.Once
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("accept: too many open files")
	}
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *flakyListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *flakyListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestServeTCPSurvivesAcceptErrors(t *testing.T) {
	ctl := newTestController()
	ln := &flakyListener{failures: 3, conns: make(chan net.Conn, 1), closed: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ctl.ServeTCP(ctx, ln) }()

	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	ln.conns <- server

	c := &testClient{t: t, conn: client, r: bufio.NewReader(client)}
	c.register("Alice")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServeTCP = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeTCP did not stop")
	}
}

func TestRateLimiter(t *testing.T) {
	var nilLimiter *RateLimiter
	if !nilLimiter.Allow("a") {
		t.Fatal("nil limiter allows everything")
	}
	if NewRateLimiter(0, 5) != nil {
		t.Fatal("non-positive rate disables limiting")
	}

	rl := NewRateLimiter(0.01, 2)
	if !rl.Allow("a") || !rl.Allow("a") || rl.Allow("a") {
		t.Fatal("burst of two expected")
	}
	if !rl.Allow("b") {
		t.Fatal("clients are limited independently")
	}
	rl.Forget("a")
	if !rl.Allow("a") {
		t.Fatal("forgotten client starts with a full bucket")
	}
}
