package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/beedoor/atomix/common/model"
	"github.com/beedoor/atomix/common/protocol"
	"github.com/beedoor/atomix/server/pkg/server"
	"github.com/beedoor/atomix/server/pkg/service"
	"github.com/beedoor/atomix/server/pkg/service/kv"
	"github.com/beedoor/atomix/server/pkg/state"
	"github.com/beedoor/atomix/server/pkg/storage"
)

type testMember struct {
	consensus *server.LocalConsensus
	mgr       *state.Manager
	srv       *server.Server
	ts        *httptest.Server
}

// stop kills the member mid-test; the registered cleanups tolerate a second
// call.
func (m *testMember) stop() {
	m.srv.Stop()
	m.ts.Close()
}

// reserveAddr grabs a loopback port so the member list can be assembled
// before any server starts.
func reserveAddr(t *testing.T, id model.MemberID) (net.Listener, model.Member) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	return l, model.Member{ID: id, Host: "127.0.0.1", Port: port, Role: model.RoleActive}
}

func startMember(t *testing.T, lis net.Listener, self model.Member, members []model.Member, lg *storage.MemoryLog) *testMember {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	registry := service.NewRegistry()
	registry.Register(kv.ServiceType, kv.New)
	mgr := state.NewManager(lg, registry, nil, logger)
	t.Cleanup(mgr.Stop)

	consensus, err := server.NewLocalConsensus(lg, model.NewClusterView(members), self.ID)
	assert.NoError(t, err)

	s := server.New(self.ID, consensus, mgr, 5*time.Second, logger)
	ts := httptest.NewUnstartedServer(s.Router())
	ts.Listener.Close()
	ts.Listener = lis
	ts.Start()
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return &testMember{consensus: consensus, mgr: mgr, srv: s, ts: ts}
}

func newTestClient(t *testing.T, timeout time.Duration, members ...model.Member) *Client {
	t.Helper()
	c := NewClient(Config{
		ClientID:        "client-1",
		ServiceName:     "map",
		ServiceType:     kv.ServiceType,
		ReadConsistency: model.ReadSequential,
		SessionTimeout:  timeout,
		Members:         members,
	}, log.New(io.Discard, "", 0))
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func putRequest(t *testing.T, key, value string) []byte {
	t.Helper()
	b, err := json.Marshal(kv.Request{Key: key, Value: []byte(value)})
	assert.NoError(t, err)
	return b
}

func getValue(t *testing.T, ctx context.Context, c *Client, key string) kv.Response {
	t.Helper()
	b, err := json.Marshal(kv.Request{Key: key})
	assert.NoError(t, err)
	data, err := c.SubmitQuery(ctx, kv.OpGet, b)
	assert.NoError(t, err)
	var resp kv.Response
	assert.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func TestRegisterSkipsUnreachableMembers(t *testing.T) {
	deadL, dead := reserveAddr(t, "node-dead")
	assert.NoError(t, deadL.Close())

	liveL, live := reserveAddr(t, "node-live")
	startMember(t, liveL, live, []model.Member{live}, storage.NewMemoryLog())

	c := newTestClient(t, 5*time.Second, dead, live)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, c.Connect(ctx))
	assert.NotZero(t, c.SessionID())

	_, err := c.SubmitCommand(ctx, kv.OpPut, putRequest(t, "k", "v"))
	assert.NoError(t, err)
}

func TestCommandFailsOverToAnotherMember(t *testing.T) {
	l1, m1 := reserveAddr(t, "node-1")
	l2, m2 := reserveAddr(t, "node-2")
	members := []model.Member{m1, m2}

	first := startMember(t, l1, m1, members, storage.NewMemoryLog())
	startMember(t, l2, m2, members, storage.NewMemoryLog())

	c := newTestClient(t, 5*time.Second, m1, m2)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	assert.NoError(t, c.Connect(ctx))
	oldID := c.SessionID()

	_, err := c.SubmitCommand(ctx, kv.OpPut, putRequest(t, "k", "v1"))
	assert.NoError(t, err)

	first.stop()

	// The sticky connection dies mid-stream: the submit loop drops it,
	// rotates to the second member, hits UnknownSession there and comes back
	// with a fresh session.
	_, err = c.SubmitCommand(ctx, kv.OpPut, putRequest(t, "k", "v2"))
	assert.NoError(t, err)
	assert.NotEqual(t, oldID, c.SessionID())

	c.mu.Lock()
	sticky := c.sticky
	c.mu.Unlock()
	if assert.NotNil(t, sticky) {
		assert.Equal(t, m2.Address(), sticky.Addr())
	}

	resp := getValue(t, ctx, c, "k")
	assert.True(t, resp.Exists)
	assert.Equal(t, []byte("v2"), resp.Value)
}

func TestExpiredSessionIsReregisteredTransparently(t *testing.T) {
	var clock atomic.Int64
	clock.Store(1_000)
	lg := storage.NewMemoryLogWithClock(clock.Load)

	l, m := reserveAddr(t, "node-1")
	mem := startMember(t, l, m, []model.Member{m}, lg)

	c := newTestClient(t, 200*time.Millisecond, m)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, c.Connect(ctx))
	oldID := c.SessionID()

	_, err := c.SubmitCommand(ctx, kv.OpPut, putRequest(t, "k", "v1"))
	assert.NoError(t, err)

	// A minute passes on the entry clock with no heartbeat; the next entry's
	// expiry sweep removes the session.
	clock.Store(61_000)
	idx, err := mem.consensus.Submit(protocol.NewInitializeEntry())
	assert.NoError(t, err)
	mem.mgr.ApplyAll(idx)
	deadline := time.Now().Add(5 * time.Second)
	for mem.mgr.LastApplied() < idx && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, mem.mgr.LastApplied(), idx)

	_, err = c.SubmitCommand(ctx, kv.OpPut, putRequest(t, "k", "v2"))
	assert.NoError(t, err)
	assert.NotEqual(t, oldID, c.SessionID())

	resp := getValue(t, ctx, c, "k")
	assert.True(t, resp.Exists)
	assert.Equal(t, []byte("v2"), resp.Value)
}

func TestRegisterSharesASingleInFlightAttempt(t *testing.T) {
	c := NewClient(Config{ClientID: "client-1", ServiceName: "map", ServiceType: kv.ServiceType}, log.New(io.Discard, "", 0))

	inflight := make(chan struct{})
	c.mu.Lock()
	c.registering = inflight
	c.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- c.register(context.Background()) }()

	select {
	case err := <-errCh:
		t.Fatalf("register returned %v before the in-flight attempt finished", err)
	case <-time.After(100 * time.Millisecond):
	}

	want := protocol.NewError(protocol.ErrNoLeader, "no reachable member")
	c.mu.Lock()
	c.registerErr = want
	c.mu.Unlock()
	close(inflight)

	select {
	case err := <-errCh:
		assert.Equal(t, want, err)
	case <-time.After(time.Second):
		t.Fatal("register did not observe the shared result")
	}
}

func TestRegisterWaiterHonorsItsContext(t *testing.T) {
	c := NewClient(Config{ClientID: "client-1", ServiceName: "map", ServiceType: kv.ServiceType}, log.New(io.Discard, "", 0))

	c.mu.Lock()
	c.registering = make(chan struct{})
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.register(ctx), context.Canceled)
}

func TestRegisterBackoffDoublesUpToTheCap(t *testing.T) {
	d := registerBackoff
	var seen []time.Duration
	for range 8 {
		d = nextBackoff(d)
		seen = append(seen, d)
	}
	assert.Equal(t, []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		5 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}, seen)
}
