package orch

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/voicerelay/internal/app"
	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/dkeye/voicerelay/internal/observability"
	"github.com/dkeye/voicerelay/internal/protocol"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type fakeConn struct {
	mu     sync.Mutex
	envs   []protocol.Envelope
	full   bool
	closed bool
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return core.ErrConnClosed
	}
	if f.full {
		return core.ErrBackpressure
	}
	env, err := protocol.Decode(fr)
	if err != nil {
		return err
	}
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) last(typ string) (protocol.Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.envs) - 1; i >= 0; i-- {
		if f.envs[i].Type == typ {
			return f.envs[i], true
		}
	}
	return protocol.Envelope{}, false
}

func newOrchestrator(ringTimeout time.Duration) *Orchestrator {
	reg := app.NewRegistry()
	metrics := observability.NewMetrics("test")
	calls := app.NewCallManager(reg, ringTimeout, app.WithTransitionHook(metrics.ObserveCall))
	return New(reg, calls, app.NewMessageRelay(reg), app.SimplePolicy{}, metrics)
}

func register(t *testing.T, o *Orchestrator, name string) (*core.ClientSession, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sess, err := o.Register(name, conn)
	if err != nil {
		t.Fatal(err)
	}
	return sess, conn
}

func TestUnansweredCallTimesOut(t *testing.T) {
	o := newOrchestrator(30 * time.Millisecond)
	alice, aliceConn := register(t, o, "Alice")
	bob, _ := register(t, o, "Bob")

	call, err := o.RequestCall(alice.ID(), bob.ID())
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if c, _ := o.Calls.Get(call.ID); c.State == domain.CallTimedOut {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("call never timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if alice.Status() != domain.StatusOnline || bob.Status() != domain.StatusOnline {
		t.Fatalf("statuses = %s, %s", alice.Status(), bob.Status())
	}
	note, ok := aliceConn.last(protocol.TypeCallState)
	if !ok || note.State != domain.CallTimedOut || note.Reason != domain.ReasonRingTimeout {
		t.Fatalf("caller notification = %+v", note)
	}
	if _, err := o.RequestCall(alice.ID(), bob.ID()); err != nil {
		t.Fatalf("follow-up call must succeed: %v", err)
	}
}

func TestDisconnectFailsActiveCall(t *testing.T) {
	o := newOrchestrator(time.Hour)
	alice, aliceConn := register(t, o, "Alice")
	bob, bobConn := register(t, o, "Bob")

	call, err := o.RequestCall(alice.ID(), bob.ID())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.AnswerCall(call.ID, bob.ID(), true); err != nil {
		t.Fatal(err)
	}

	if !o.Disconnect(bob.ID(), "connection lost") {
		t.Fatal("disconnect of a registered client must report true")
	}
	if !bobConn.isClosed() {
		t.Fatal("the departing connection must be closed")
	}
	got, _ := o.Calls.Get(call.ID)
	if got.State != domain.CallFailed || got.EndReason != domain.ReasonPeerLost {
		t.Fatalf("call = %+v", got)
	}
	lost, ok := aliceConn.last(protocol.TypePeerLost)
	if !ok || lost.CallID != call.ID {
		t.Fatalf("peer lost = %+v", lost)
	}
	if alice.Status() != domain.StatusOnline {
		t.Fatalf("survivor status = %s", alice.Status())
	}
	left, ok := aliceConn.last(protocol.TypePresence)
	if !ok || left.Event != protocol.PresenceLeft {
		t.Fatalf("presence = %+v", left)
	}
	if o.Disconnect(bob.ID(), "again") {
		t.Fatal("repeated disconnect must be a no-op")
	}
	if _, ok := o.Registry.Get(bob.ID()); ok {
		t.Fatal("client must not survive its connection")
	}
}

func TestAnswerCallReject(t *testing.T) {
	o := newOrchestrator(time.Hour)
	alice, _ := register(t, o, "Alice")
	bob, _ := register(t, o, "Bob")

	call, err := o.RequestCall(alice.ID(), bob.ID())
	if err != nil {
		t.Fatal(err)
	}
	got, err := o.AnswerCall(call.ID, bob.ID(), false)
	if err != nil || got.State != domain.CallRejected {
		t.Fatalf("answer = %+v, %v", got, err)
	}
	if _, err := o.Hangup(call.ID, alice.ID()); !errors.Is(err, domain.ErrInvalidCallState) {
		t.Fatalf("hangup after reject err = %v", err)
	}
}

func TestSlowConsumerIsKicked(t *testing.T) {
	o := newOrchestrator(time.Hour)
	alice, _ := register(t, o, "Alice")
	bob, bobConn := register(t, o, "Bob")
	carol, carolConn := register(t, o, "Carol")

	bobConn.mu.Lock()
	bobConn.full = true
	bobConn.mu.Unlock()
	carolConn.Close()

	d, err := o.Broadcast(alice.ID(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if d.Delivered != 0 || d.Failed != 2 {
		t.Fatalf("delivery = %+v", d)
	}
	if _, ok := o.Registry.Get(bob.ID()); ok {
		t.Fatal("a client with a full queue is kicked")
	}
	if _, ok := o.Registry.Get(carol.ID()); !ok {
		t.Fatal("a closed connection is left to its own read loop")
	}
}

func TestStatus(t *testing.T) {
	o := newOrchestrator(time.Hour)
	a, _ := register(t, o, "a")
	b, _ := register(t, o, "b")
	c, _ := register(t, o, "c")
	d, _ := register(t, o, "d")
	register(t, o, "e")

	active, err := o.RequestCall(a.ID(), b.ID())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.AcceptCall(active.ID, b.ID()); err != nil {
		t.Fatal(err)
	}
	ringing, err := o.RequestCall(c.ID(), d.ID())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.CancelCall(ringing.ID, c.ID()); err != nil {
		t.Fatal(err)
	}
	if _, err := o.RequestCall(c.ID(), d.ID()); err != nil {
		t.Fatal(err)
	}

	st := o.Status()
	if st.Clients.Total != 5 || st.Clients.InCall != 2 || st.Clients.Online != 1 {
		t.Fatalf("clients = %+v", st.Clients)
	}
	if st.Calls.Active != 1 || st.Calls.Ringing != 1 || st.Calls.Archived != 1 {
		t.Fatalf("calls = %+v", st.Calls)
	}
}

func TestSystemBroadcast(t *testing.T) {
	o := newOrchestrator(time.Hour)
	_, aConn := register(t, o, "a")

	if d := o.SystemBroadcast("restart soon"); d.Delivered != 1 {
		t.Fatalf("delivered = %d", d.Delivered)
	}
	if got, ok := aConn.last(protocol.TypeSystem); !ok || got.Body != "restart soon" {
		t.Fatalf("system = %+v", got)
	}
}

func TestJanitorEvictsSilentPartyMidCall(t *testing.T) {
	o := newOrchestrator(time.Hour)
	alice, aliceConn := register(t, o, "Alice")
	bob, bobConn := register(t, o, "Bob")

	call, err := o.RequestCall(alice.ID(), bob.ID())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.AcceptCall(call.ID, bob.ID()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.Touch(alice.ID())
			}
		}
	}()
	o.StartJanitor(ctx, 10*time.Millisecond, 60*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for !bobConn.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("silent client never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := o.Registry.Get(bob.ID()); ok {
		t.Fatal("evicted client still registered")
	}
	if _, ok := o.Registry.Get(alice.ID()); !ok {
		t.Fatal("active client evicted")
	}
	ended, _ := o.Calls.Get(call.ID)
	if ended.State != domain.CallFailed || ended.EndReason != domain.ReasonPeerLost {
		t.Fatalf("call = %+v", ended)
	}
	lost, ok := aliceConn.last(protocol.TypePeerLost)
	if !ok || lost.CallID != call.ID {
		t.Fatalf("peer_lost = %+v, %v", lost, ok)
	}
	if alice.Status() != domain.StatusOnline {
		t.Fatalf("survivor status = %s", alice.Status())
	}
}
