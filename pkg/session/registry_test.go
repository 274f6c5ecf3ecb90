package session_test

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-livelink/internal/logging"
	"github.com/lightforgemedia/go-livelink/pkg/envelope"
	"github.com/lightforgemedia/go-livelink/pkg/router"
	"github.com/lightforgemedia/go-livelink/pkg/session"
	"github.com/lightforgemedia/go-livelink/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newRegistry(t *testing.T) *session.Registry {
	t.Helper()
	reg := session.NewRegistry(session.WithLogger(logging.Discard()))
	t.Cleanup(reg.Close)
	return reg
}

func TestPairingThenConnected(t *testing.T) {
	reg := newRegistry(t)
	reg.Track("S1", "sales line")

	reg.Apply(envelope.PairingCode{SessionID: "S1", Payload: "qr-1"})
	s, ok := reg.Get("S1")
	require.True(t, ok)
	assert.Equal(t, session.StatusAwaitingPairing, s.Status)
	assert.Equal(t, "qr-1", s.PairingPayload)

	reg.Apply(envelope.SessionStatus{SessionID: "S1", Status: envelope.StatusConnected})
	s, _ = reg.Get("S1")
	assert.Equal(t, session.StatusConnected, s.Status)
	assert.Empty(t, s.PairingPayload)
	assert.Equal(t, "sales line", s.Name)
}

func TestLatestPairingPayloadWins(t *testing.T) {
	reg := newRegistry(t)
	reg.Apply(envelope.PairingCode{SessionID: "S1", Payload: "qr-1"})
	reg.Apply(envelope.PairingCode{SessionID: "S1", Payload: "qr-2"})

	s, _ := reg.Get("S1")
	assert.Equal(t, "qr-2", s.PairingPayload)
}

func TestStalePairingCodeAfterConnected(t *testing.T) {
	reg := newRegistry(t)
	reg.Apply(envelope.PairingCode{SessionID: "S1", Payload: "qr-1"})
	reg.Apply(envelope.SessionStatus{SessionID: "S1", Status: envelope.StatusConnected})
	before, _ := reg.Get("S1")

	changed := reg.Apply(envelope.PairingCode{SessionID: "S1", Payload: "qr-late"})
	assert.Empty(t, changed)

	after, _ := reg.Get("S1")
	assert.Equal(t, session.StatusConnected, after.Status)
	assert.Empty(t, after.PairingPayload)
	assert.Equal(t, before.Seq, after.Seq)
}

func TestUnknownSessionIsCreatedFromEvent(t *testing.T) {
	reg := newRegistry(t)
	reg.Apply(envelope.SessionStatus{SessionID: "ghost", Status: envelope.StatusConnected})

	s, ok := reg.Get("ghost")
	require.True(t, ok)
	assert.Equal(t, session.StatusConnected, s.Status)
}

func TestConnectionLossMovesConnectedToReconnecting(t *testing.T) {
	reg := newRegistry(t)
	reg.Apply(envelope.SessionStatus{SessionID: "S2", Status: envelope.StatusConnected})
	reg.Apply(envelope.PairingCode{SessionID: "S3", Payload: "qr"})

	changed := reg.Apply(envelope.ConnectionChange{State: envelope.ConnectionClosed})
	require.Len(t, changed, 1)
	assert.Equal(t, "S2", changed[0].ID)

	s2, _ := reg.Get("S2")
	assert.Equal(t, session.StatusReconnecting, s2.Status)
	s3, _ := reg.Get("S3")
	assert.Equal(t, session.StatusAwaitingPairing, s3.Status)

	// Reconnecting the transport alone does not resume the session.
	reg.Apply(envelope.ConnectionChange{State: envelope.ConnectionOpen})
	s2, _ = reg.Get("S2")
	assert.Equal(t, session.StatusReconnecting, s2.Status)

	reg.Apply(envelope.SessionStatus{SessionID: "S2", Status: envelope.StatusConnected})
	s2, _ = reg.Get("S2")
	assert.Equal(t, session.StatusConnected, s2.Status)
}

func TestErrorIsTerminal(t *testing.T) {
	reg := newRegistry(t)
	reg.Apply(envelope.SessionStatus{SessionID: "S1", Status: "banned"})
	s, _ := reg.Get("S1")
	assert.Equal(t, session.StatusError, s.Status)
	assert.Equal(t, "banned", s.Detail)

	reg.Apply(envelope.SessionStatus{SessionID: "S1", Status: envelope.StatusConnected})
	reg.Apply(envelope.SessionStatus{SessionID: "S1", Status: envelope.StatusDisconnected})
	reg.Apply(envelope.ConnectionChange{State: envelope.ConnectionClosed})
	s, _ = reg.Get("S1")
	assert.Equal(t, session.StatusError, s.Status)
}

func TestTrackResetsEndedSession(t *testing.T) {
	reg := newRegistry(t)
	reg.Apply(envelope.SessionStatus{SessionID: "S1", Status: envelope.StatusDisconnected})

	s := reg.Track("S1", "renamed")
	assert.Equal(t, session.StatusPending, s.Status)
	assert.Equal(t, "renamed", s.Name)

	reg.Apply(envelope.SessionStatus{SessionID: "S1", Status: envelope.StatusConnected})
	s = reg.Track("S1", "")
	assert.Equal(t, session.StatusConnected, s.Status)
	assert.Equal(t, "renamed", s.Name)
}

func TestSeqFollowsDeliveryOrder(t *testing.T) {
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := session.NewRegistry(session.WithLogger(logging.Discard()), session.WithClock(func() time.Time { return frozen }))
	defer reg.Close()

	reg.Apply(envelope.PairingCode{SessionID: "S1", Payload: "qr"})
	a, _ := reg.Get("S1")
	reg.Apply(envelope.SessionStatus{SessionID: "S1", Status: envelope.StatusConnected})
	b, _ := reg.Get("S1")

	assert.Equal(t, a.LastUpdated, b.LastUpdated)
	assert.Greater(t, b.Seq, a.Seq)
}

func TestListIsSortedSnapshot(t *testing.T) {
	reg := newRegistry(t)
	reg.Track("b", "")
	reg.Track("a", "")
	reg.Track("c", "")

	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].ID, list[1].ID, list[2].ID})

	list[0].Status = session.StatusError
	s, _ := reg.Get("a")
	assert.Equal(t, session.StatusPending, s.Status)
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	reg := newRegistry(t)

	got := make(chan session.Status, 3)
	defer reg.Subscribe("S1", func(s session.Session) { got <- s.Status })()
	defer reg.Subscribe("S2", func(s session.Session) {
		t.Errorf("S2 subscriber received %s", s.ID)
	})()

	steps := []func(){
		func() { reg.Track("S1", "") },
		func() { reg.Apply(envelope.PairingCode{SessionID: "S1", Payload: "qr"}) },
		func() { reg.Apply(envelope.SessionStatus{SessionID: "S1", Status: envelope.StatusConnected}) },
	}
	want := []session.Status{session.StatusPending, session.StatusAwaitingPairing, session.StatusConnected}
	for i, step := range steps {
		step()
		select {
		case status := <-got:
			assert.Equal(t, want[i], status)
		case <-time.After(2 * time.Second):
			t.Fatalf("snapshot %d not delivered", i)
		}
	}
}

func TestSlowSubscriberSkipsToLatest(t *testing.T) {
	reg := session.NewRegistry(session.WithLogger(logging.Discard()), session.WithSubscriberBuffer(2))

	release := make(chan struct{})
	var mu sync.Mutex
	var slow []session.Session
	reg.Subscribe("S1", func(s session.Session) {
		<-release
		mu.Lock()
		slow = append(slow, s)
		mu.Unlock()
	})
	fast := make(chan session.Session, 1024)
	reg.SubscribeAll(func(s session.Session) { fast <- s })

	writes := make(chan struct{})
	go func() {
		defer close(writes)
		for i := range 500 {
			reg.Apply(envelope.PairingCode{SessionID: "S1", Payload: fmt.Sprintf("qr-%d", i)})
		}
		reg.Track("S2", "")
	}()
	select {
	case <-writes:
	case <-time.After(2 * time.Second):
		t.Fatal("writers blocked behind a slow subscriber")
	}

	// The other subscriber keeps receiving while the first one is stuck.
	deadline := time.After(2 * time.Second)
	for seenS2 := false; !seenS2; {
		select {
		case s := <-fast:
			seenS2 = s.ID == "S2"
		case <-deadline:
			t.Fatal("fast subscriber starved")
		}
	}

	close(release)
	require.NoError(t, testutil.WaitFor(t, "slow subscriber caught up", 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(slow) > 0 && slow[len(slow)-1].PairingPayload == "qr-499"
	}))
	mu.Lock()
	for i := 1; i < len(slow); i++ {
		assert.Greater(t, slow[i].Seq, slow[i-1].Seq)
	}
	assert.Less(t, len(slow), 500)
	mu.Unlock()

	closed := make(chan struct{})
	go func() {
		reg.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked")
	}
}

func TestCloseFromSubscriberCallback(t *testing.T) {
	reg := session.NewRegistry(session.WithLogger(logging.Discard()))
	closed := make(chan struct{})
	reg.Subscribe("S1", func(session.Session) {
		reg.Close()
		close(closed)
	})
	reg.Track("S1", "")
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close from a callback did not return")
	}
}

func TestSubscriberCallbackMayWrite(t *testing.T) {
	reg := session.NewRegistry(session.WithLogger(logging.Discard()), session.WithSubscriberBuffer(1))
	defer reg.Close()

	tracked := make(chan struct{})
	var once sync.Once
	reg.SubscribeAll(func(s session.Session) {
		if s.ID != "S1" {
			return
		}
		for i := range 50 {
			reg.Track(fmt.Sprintf("T%d", i), "")
		}
		reg.Forget("T0")
		once.Do(func() { close(tracked) })
	})

	reg.Track("S1", "")
	select {
	case <-tracked:
	case <-time.After(2 * time.Second):
		t.Fatal("writes from a callback deadlocked")
	}
	_, ok := reg.Get("T49")
	assert.True(t, ok)
}

func TestSubscribeAllAndUnsubscribeFromCallback(t *testing.T) {
	reg := newRegistry(t)

	received := make(chan session.Session, 8)
	var unsub func()
	unsub = reg.SubscribeAll(func(s session.Session) {
		received <- s
		unsub()
	})

	reg.Track("S1", "")
	select {
	case s := <-received:
		assert.Equal(t, "S1", s.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}

	reg.Track("S2", "")
	select {
	case s := <-received:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriberMayReadRegistry(t *testing.T) {
	reg := newRegistry(t)
	seen := make(chan session.Status, 1)
	defer reg.Subscribe("S1", func(s session.Session) {
		cur, _ := reg.Get(s.ID)
		select {
		case seen <- cur.Status:
		default:
		}
	})()

	reg.Track("S1", "")
	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
}

func TestForgetDetachesSubscribers(t *testing.T) {
	reg := newRegistry(t)
	reg.Track("S1", "")
	assert.True(t, reg.Forget("S1"))
	assert.False(t, reg.Forget("S1"))
	_, ok := reg.Get("S1")
	assert.False(t, ok)
}

func TestBindFollowsRouter(t *testing.T) {
	reg := newRegistry(t)
	r := router.New(router.WithLogger(logging.Discard()))
	unbind := reg.Bind(r)

	r.Dispatch(envelope.PairingCode{SessionID: "S1", Payload: "qr"})
	s, _ := reg.Get("S1")
	assert.Equal(t, session.StatusAwaitingPairing, s.Status)

	unbind()
	r.Dispatch(envelope.SessionStatus{SessionID: "S1", Status: envelope.StatusConnected})
	s, _ = reg.Get("S1")
	assert.Equal(t, session.StatusAwaitingPairing, s.Status)
}

func TestCloseStopsSubscriberGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := session.NewRegistry(session.WithLogger(logging.Discard()))
	reg.Subscribe("S1", func(session.Session) {})
	reg.SubscribeAll(func(session.Session) {})
	reg.Track("S1", "")
	reg.Close()
	reg.Close()

	// Reads still work and writes no longer publish.
	reg.Apply(envelope.SessionStatus{SessionID: "S1", Status: envelope.StatusConnected})
	s, _ := reg.Get("S1")
	assert.Equal(t, session.StatusConnected, s.Status)
	assert.NotPanics(t, func() { reg.Subscribe("S1", func(session.Session) {})() })
}

// model is the transition table written out independently of the registry.
type step struct {
	from  session.Status
	event string
}

var table = map[step]session.Status{
	{session.StatusPending, "pairing"}:              session.StatusAwaitingPairing,
	{session.StatusAwaitingPairing, "pairing"}:      session.StatusAwaitingPairing,
	{session.StatusPending, "connected"}:            session.StatusConnected,
	{session.StatusAwaitingPairing, "connected"}:    session.StatusConnected,
	{session.StatusReconnecting, "connected"}:       session.StatusConnected,
	{session.StatusDisconnected, "connected"}:       session.StatusConnected,
	{session.StatusPending, "disconnected"}:         session.StatusDisconnected,
	{session.StatusAwaitingPairing, "disconnected"}: session.StatusDisconnected,
	{session.StatusConnected, "disconnected"}:       session.StatusDisconnected,
	{session.StatusReconnecting, "disconnected"}:    session.StatusDisconnected,
	{session.StatusConnected, "lost"}:               session.StatusReconnecting,
	{session.StatusPending, "fatal"}:                session.StatusError,
	{session.StatusAwaitingPairing, "fatal"}:        session.StatusError,
	{session.StatusConnected, "fatal"}:              session.StatusError,
	{session.StatusReconnecting, "fatal"}:           session.StatusError,
	{session.StatusDisconnected, "fatal"}:           session.StatusError,
}

func fold(events []string) session.Status {
	st := session.StatusPending
	for _, ev := range events {
		if to, ok := table[step{st, ev}]; ok {
			st = to
		}
	}
	return st
}

func toEnvelope(id, ev string) envelope.Event {
	switch ev {
	case "pairing":
		return envelope.PairingCode{SessionID: id, Payload: "qr"}
	case "connected":
		return envelope.SessionStatus{SessionID: id, Status: envelope.StatusConnected}
	case "disconnected":
		return envelope.SessionStatus{SessionID: id, Status: envelope.StatusDisconnected}
	case "fatal":
		return envelope.SessionStatus{SessionID: id, Status: "failed"}
	case "lost":
		return envelope.ConnectionChange{State: envelope.ConnectionClosed}
	default:
		return envelope.ConnectionChange{State: envelope.ConnectionOpen}
	}
}

func TestStatusEqualsFoldOfTransitionTable(t *testing.T) {
	kinds := []string{"pairing", "connected", "disconnected", "fatal", "lost", "open"}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 300; i++ {
		reg := session.NewRegistry(session.WithLogger(logging.Discard()))
		id := fmt.Sprintf("S%d", i)
		reg.Track(id, "")

		seq := make([]string, 1+rng.Intn(12))
		for j := range seq {
			seq[j] = kinds[rng.Intn(len(kinds))]
			reg.Apply(toEnvelope(id, seq[j]))
		}

		s, ok := reg.Get(id)
		require.True(t, ok)
		require.Equal(t, fold(seq), s.Status, "sequence %v", seq)
		if s.Status != session.StatusAwaitingPairing {
			require.Empty(t, s.PairingPayload, "sequence %v", seq)
		}
		reg.Close()
	}
}
