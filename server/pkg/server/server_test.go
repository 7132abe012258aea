package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/beedoor/atomix/client/pkg/dispatch"
	"github.com/beedoor/atomix/common/model"
	"github.com/beedoor/atomix/server/pkg/service"
	"github.com/beedoor/atomix/server/pkg/service/kv"
	"github.com/beedoor/atomix/server/pkg/state"
	"github.com/beedoor/atomix/server/pkg/storage"
)

func startTestServer(t *testing.T) (*httptest.Server, model.Member) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	registry := service.NewRegistry()
	registry.Register(kv.ServiceType, kv.New)

	lg := storage.NewMemoryLog()
	mgr := state.NewManager(lg, registry, nil, logger)
	t.Cleanup(mgr.Stop)

	member := model.Member{ID: "node-1", Host: "localhost", Port: 5678, Role: model.RoleActive}
	cluster := model.NewClusterView([]model.Member{member})
	consensus, err := NewLocalConsensus(lg, cluster, member.ID)
	assert.NoError(t, err)

	s := New(member.ID, consensus, mgr, 5*time.Second, logger)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})

	u, err := url.Parse(ts.URL)
	assert.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	assert.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	assert.NoError(t, err)

	return ts, model.Member{ID: member.ID, Host: host, Port: port, Role: model.RoleActive}
}

func connectClient(t *testing.T, m model.Member, clientID string) *dispatch.Client {
	t.Helper()
	c := dispatch.NewClient(dispatch.Config{
		ClientID:        clientID,
		ServiceName:     "map",
		ServiceType:     kv.ServiceType,
		ReadConsistency: model.ReadSequential,
		SessionTimeout:  5 * time.Second,
		Members:         []model.Member{m},
	}, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func kvRequest(t *testing.T, key string, value []byte) []byte {
	t.Helper()
	payload, err := json.Marshal(kv.Request{Key: key, Value: value})
	assert.NoError(t, err)
	return payload
}

func kvResponse(t *testing.T, data []byte) kv.Response {
	t.Helper()
	var resp kv.Response
	assert.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func TestSessionLifecycleOverWebsocket(t *testing.T) {
	_, member := startTestServer(t)
	c := connectClient(t, member, "client-1")
	assert.NotZero(t, c.SessionID())

	ctx := context.Background()
	_, err := c.SubmitCommand(ctx, kv.OpPut, kvRequest(t, "greeting", []byte("hello")))
	assert.NoError(t, err)

	// The query carries the command's index as its fence, so the write is
	// visible immediately.
	data, err := c.SubmitQuery(ctx, kv.OpGet, kvRequest(t, "greeting", nil))
	assert.NoError(t, err)
	got := kvResponse(t, data)
	assert.True(t, got.Exists)
	assert.Equal(t, []byte("hello"), got.Value)

	md, err := c.Metadata(ctx)
	assert.NoError(t, err)
	assert.Len(t, md, 1)
	assert.Equal(t, c.SessionID(), md[0].ID)
	assert.Equal(t, "map", md[0].ServiceName)

	assert.NoError(t, c.Close(ctx))
	_, err = c.SubmitCommand(ctx, kv.OpPut, kvRequest(t, "x", nil))
	assert.Error(t, err)
}

func TestRepeatedPutsOverwriteInPlace(t *testing.T) {
	_, member := startTestServer(t)
	c := connectClient(t, member, "client-1")
	ctx := context.Background()

	for i := range 3 {
		_, err := c.SubmitCommand(ctx, kv.OpPut, kvRequest(t, "k", []byte{byte(i)}))
		assert.NoError(t, err)
	}

	data, err := c.SubmitQuery(ctx, kv.OpSize, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, kvResponse(t, data).Size)
}

func TestApplicationErrorsSurfaceToTheClient(t *testing.T) {
	_, member := startTestServer(t)
	c := connectClient(t, member, "client-1")

	_, err := c.SubmitCommand(context.Background(), kv.OpPut, nil)
	assert.Error(t, err, "put without a key is rejected by the service")

	// The failed sequence is consumed; the session keeps working.
	_, err = c.SubmitCommand(context.Background(), kv.OpPut, kvRequest(t, "k", []byte("v")))
	assert.NoError(t, err)
}

func TestListenersReceivePushedEvents(t *testing.T) {
	_, member := startTestServer(t)
	watcher := connectClient(t, member, "watcher")
	writer := connectClient(t, member, "writer")
	ctx := context.Background()

	events := make(chan kv.ChangeEvent, 16)
	watcher.OnEvent(func(index int64, payload []byte) {
		var ev kv.ChangeEvent
		if err := json.Unmarshal(payload, &ev); err == nil {
			events <- ev
		}
	})

	_, err := watcher.SubmitCommand(ctx, kv.OpListen, nil)
	assert.NoError(t, err)

	_, err = writer.SubmitCommand(ctx, kv.OpPut, kvRequest(t, "watched", []byte("v1")))
	assert.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "watched", ev.Key)
		assert.Equal(t, []byte("v1"), ev.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("no event arrived")
	}

	_, err = writer.SubmitCommand(ctx, kv.OpRemove, kvRequest(t, "watched", nil))
	assert.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "watched", ev.Key)
		assert.Nil(t, ev.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("no removal event arrived")
	}
}

func TestStatusReportsTheClusterShape(t *testing.T) {
	ts, member := startTestServer(t)

	resp, err := http.Get(ts.URL + "/status")
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Node        model.MemberID `json:"node"`
		Leader      model.MemberID `json:"leader"`
		Term        int64          `json:"term"`
		Members     []model.Member `json:"members"`
		LastApplied int64          `json:"last_applied"`
	}
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, member.ID, status.Node)
	assert.Equal(t, member.ID, status.Leader)
	assert.Equal(t, int64(1), status.Term)
	assert.Len(t, status.Members, 1)
}
