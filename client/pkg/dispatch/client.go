package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/beedoor/atomix/client/pkg/transport"
	"github.com/beedoor/atomix/common/model"
	"github.com/beedoor/atomix/common/protocol"
)

const (
	requestTimeout    = 10 * time.Second
	keepAliveInterval = 1 * time.Second
	registerBackoff   = 100 * time.Millisecond
	maxBackoff        = 5 * time.Second
)

type Config struct {
	ClientID        string
	ServiceName     string
	ServiceType     string
	ReadConsistency model.ReadConsistency
	SessionTimeout  time.Duration
	Members         []model.Member
}

// EventHandler receives session events in index order, each exactly once.
type EventHandler func(index int64, payload []byte)

// Client maintains one session against the cluster and routes commands,
// queries and keep-alives through a sticky member connection. Failed
// requests are retried against other members; an expired session is
// re-registered transparently and the failed request resubmitted under the
// new session.
type Client struct {
	cfg    Config
	logger *log.Logger

	mu           sync.Mutex
	cluster      *model.ClusterView
	conns        map[string]*transport.Connection
	sticky       *transport.Connection
	prefIndex    int
	session      sessionView
	eventHandler EventHandler

	registering chan struct{}
	registerErr error

	keepAliveBusy bool

	shutdownCh chan any
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

func NewClient(cfg Config, logger *log.Logger) *Client {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 5 * time.Second
	}
	return &Client{
		cfg:        cfg,
		logger:     logger,
		cluster:    model.NewClusterView(cfg.Members),
		conns:      make(map[string]*transport.Connection),
		session:    sessionView{state: StateClosed},
		shutdownCh: make(chan any),
	}
}

// OnEvent installs the event handler. Install before Connect so no event is
// missed.
func (c *Client) OnEvent(h EventHandler) {
	c.mu.Lock()
	c.eventHandler = h
	c.mu.Unlock()
}

// SessionID returns the current session id, or 0 when no session is open.
func (c *Client) SessionID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.state != StateOpen {
		return 0
	}
	return c.session.id
}

// Connect registers the session and starts the keep-alive loop.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.register(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.keepAliveLoop()
	return nil
}

// Close gracefully closes the session and every member connection.
func (c *Client) Close(ctx context.Context) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		id := c.session.id
		open := c.session.state == StateOpen
		c.session.state = StateClosed
		c.mu.Unlock()

		if open {
			if conn, err := c.connection(); err == nil {
				env, err := conn.Request(protocol.TypeClose, protocol.CloseRequest{SessionID: id}, requestTimeout)
				if err != nil {
					closeErr = err
				} else {
					var resp protocol.CloseResponse
					if err := env.Decode(&resp); err == nil && resp.Error != nil {
						closeErr = resp.Error
					}
				}
			}
		}

		close(c.shutdownCh)
		c.wg.Wait()

		c.mu.Lock()
		for _, conn := range c.conns {
			conn.Close()
		}
		c.conns = make(map[string]*transport.Connection)
		c.sticky = nil
		c.mu.Unlock()
	})
	return closeErr
}

// SubmitCommand executes a state-changing operation exactly once. The
// request id is fixed before the first attempt so retries replay the cached
// result instead of re-applying.
func (c *Client) SubmitCommand(ctx context.Context, name string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	if c.session.state != StateOpen {
		c.mu.Unlock()
		return nil, protocol.NewError(protocol.ErrNotOpen, "session is not open")
	}
	req := protocol.CommandRequest{
		SessionID: c.session.id,
		RequestID: c.session.nextSequence(),
		Version:   c.session.version,
		Operation: model.NewCommand(name, payload),
	}
	c.mu.Unlock()

	for {
		result, err := c.sendCommand(req)
		if err == nil {
			c.mu.Lock()
			c.session.observeIndex(result.Index)
			c.mu.Unlock()
			return result.Value, nil
		}
		switch protocol.Classify(err) {
		case protocol.ActionRetry:
			c.resetSticky()
		case protocol.ActionReregister:
			if rerr := c.reregister(ctx); rerr != nil {
				return nil, rerr
			}
			c.mu.Lock()
			req.SessionID = c.session.id
			req.RequestID = c.session.nextSequence()
			req.Version = c.session.version
			c.mu.Unlock()
		default:
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.shutdownCh:
			return nil, protocol.NewError(protocol.ErrNotOpen, "client is closed")
		default:
		}
	}
}

func (c *Client) sendCommand(req protocol.CommandRequest) (*protocol.OperationResult, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	env, err := conn.Request(protocol.TypeCommand, req, requestTimeout)
	if err != nil {
		return nil, err
	}
	var resp protocol.CommandResponse
	if err := env.Decode(&resp); err != nil {
		return nil, protocol.NewError(protocol.ErrProtocol, "decode command response: %s", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Result == nil {
		return nil, protocol.NewError(protocol.ErrProtocol, "command response carries no result")
	}
	return resp.Result, nil
}

// SubmitQuery executes a read. The request carries the session's version so
// the serving node only answers once it has applied everything the client
// already observed.
func (c *Client) SubmitQuery(ctx context.Context, name string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	if c.session.state != StateOpen {
		c.mu.Unlock()
		return nil, protocol.NewError(protocol.ErrNotOpen, "session is not open")
	}
	req := protocol.QueryRequest{
		SessionID: c.session.id,
		Version:   c.session.version,
		Operation: model.NewQuery(name, payload),
	}
	c.mu.Unlock()

	for {
		result, err := c.sendQuery(req)
		if err == nil {
			return result.Value, nil
		}
		switch protocol.Classify(err) {
		case protocol.ActionRetry:
			c.resetSticky()
		case protocol.ActionReregister:
			if rerr := c.reregister(ctx); rerr != nil {
				return nil, rerr
			}
			c.mu.Lock()
			req.SessionID = c.session.id
			req.Version = c.session.version
			c.mu.Unlock()
		default:
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.shutdownCh:
			return nil, protocol.NewError(protocol.ErrNotOpen, "client is closed")
		default:
		}
	}
}

func (c *Client) sendQuery(req protocol.QueryRequest) (*protocol.OperationResult, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	env, err := conn.Request(protocol.TypeQuery, req, requestTimeout)
	if err != nil {
		return nil, err
	}
	var resp protocol.QueryResponse
	if err := env.Decode(&resp); err != nil {
		return nil, protocol.NewError(protocol.ErrProtocol, "decode query response: %s", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Result == nil {
		return nil, protocol.NewError(protocol.ErrProtocol, "query response carries no result")
	}
	return resp.Result, nil
}

// Metadata lists the open sessions of the service this client is bound to.
func (c *Client) Metadata(ctx context.Context) ([]protocol.SessionMetadata, error) {
	c.mu.Lock()
	req := protocol.MetadataRequest{SessionID: c.session.id}
	c.mu.Unlock()

	for {
		conn, err := c.connection()
		if err == nil {
			var env protocol.Envelope
			env, err = conn.Request(protocol.TypeMetadata, req, requestTimeout)
			if err == nil {
				var resp protocol.MetadataResponse
				if derr := env.Decode(&resp); derr != nil {
					return nil, protocol.NewError(protocol.ErrProtocol, "decode metadata response: %s", derr)
				}
				if resp.Error != nil {
					err = resp.Error
				} else {
					return resp.Sessions, nil
				}
			}
		}
		if protocol.Classify(err) != protocol.ActionRetry {
			return nil, err
		}
		c.resetSticky()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

// register opens a session, retrying across members with exponential
// backoff. Concurrent callers share a single in-flight registration.
func (c *Client) register(ctx context.Context) error {
	c.mu.Lock()
	if c.registering != nil {
		wait := c.registering
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		err := c.registerErr
		c.mu.Unlock()
		return err
	}
	c.registering = make(chan struct{})
	c.mu.Unlock()

	err := c.doRegister(ctx)

	c.mu.Lock()
	c.registerErr = err
	close(c.registering)
	c.registering = nil
	c.mu.Unlock()
	return err
}

func (c *Client) doRegister(ctx context.Context) error {
	req := protocol.RegisterRequest{
		ClientID:        c.cfg.ClientID,
		ServiceName:     c.cfg.ServiceName,
		ServiceType:     c.cfg.ServiceType,
		ReadConsistency: c.cfg.ReadConsistency,
		TimeoutMs:       c.cfg.SessionTimeout.Milliseconds(),
	}
	backoff := registerBackoff
	for {
		resp, err := c.sendRegister(req)
		if err == nil {
			c.mu.Lock()
			c.session.open(resp.SessionID)
			c.mu.Unlock()
			c.logger.Printf("registered session %d", resp.SessionID)
			return nil
		}
		if protocol.Classify(err) == protocol.ActionFail {
			return err
		}
		c.resetSticky()
		c.logger.Printf("register failed, retrying in %s: %v", backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.shutdownCh:
			return protocol.NewError(protocol.ErrNotOpen, "client is closed")
		}
		backoff = nextBackoff(backoff)
	}
}

// nextBackoff doubles the delay up to the cap.
func nextBackoff(d time.Duration) time.Duration {
	if d *= 2; d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (c *Client) sendRegister(req protocol.RegisterRequest) (*protocol.RegisterResponse, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	env, err := conn.Request(protocol.TypeRegister, req, requestTimeout)
	if err != nil {
		return nil, err
	}
	var resp protocol.RegisterResponse
	if err := env.Decode(&resp); err != nil {
		return nil, protocol.NewError(protocol.ErrProtocol, "decode register response: %s", err)
	}
	c.updateView(resp.Members, resp.Leader, resp.Term)
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &resp, nil
}

// reregister expires the local session view and opens a fresh session.
func (c *Client) reregister(ctx context.Context) error {
	c.mu.Lock()
	if c.session.state == StateOpen {
		c.session.state = StateExpired
		c.logger.Printf("session %d expired", c.session.id)
	}
	c.mu.Unlock()
	return c.register(ctx)
}

func (c *Client) keepAliveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.keepAlive()
		case <-c.shutdownCh:
			return
		}
	}
}

func (c *Client) keepAlive() {
	c.mu.Lock()
	if c.session.state != StateOpen || c.keepAliveBusy {
		c.mu.Unlock()
		return
	}
	c.keepAliveBusy = true
	req := protocol.KeepAliveRequest{
		SessionID:       c.session.id,
		CommandSequence: c.session.sequence,
		EventIndex:      c.session.eventIndex,
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.keepAliveBusy = false
		c.mu.Unlock()
	}()

	err := c.sendKeepAlive(req)
	if err == nil {
		return
	}
	switch protocol.Classify(err) {
	case protocol.ActionRetry:
		c.resetSticky()
	case protocol.ActionReregister:
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if rerr := c.reregister(ctx); rerr != nil {
			c.logger.Printf("re-register after keep-alive failure: %v", rerr)
		}
	default:
		c.logger.Printf("keep-alive failed: %v", err)
	}
}

func (c *Client) sendKeepAlive(req protocol.KeepAliveRequest) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	env, err := conn.Request(protocol.TypeKeepAlive, req, requestTimeout)
	if err != nil {
		return err
	}
	var resp protocol.KeepAliveResponse
	if err := env.Decode(&resp); err != nil {
		return protocol.NewError(protocol.ErrProtocol, "decode keep-alive response: %s", err)
	}
	c.updateView(resp.Members, resp.Leader, resp.Term)
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

func (c *Client) updateView(members []model.Member, leader model.MemberID, term int64) {
	c.mu.Lock()
	c.cluster.Update(members, leader, term)
	c.mu.Unlock()
}

// connection returns the sticky connection, dialing the leader first and
// then the other members in rotation when there is none.
func (c *Client) connection() (*transport.Connection, error) {
	c.mu.Lock()
	if c.sticky != nil && !c.sticky.Closed() {
		conn := c.sticky
		c.mu.Unlock()
		return conn, nil
	}
	c.sticky = nil
	members := c.cluster.Members()
	if len(members) == 0 {
		c.mu.Unlock()
		return nil, protocol.NewError(protocol.ErrNoLeader, "no known cluster members")
	}
	var candidates []model.Member
	if leader, ok := c.cluster.Leader(); ok {
		candidates = append(candidates, leader)
	}
	start := c.prefIndex
	c.prefIndex++
	for i := range members {
		m := members[(start+i)%len(members)]
		if len(candidates) > 0 && m.ID == candidates[0].ID {
			continue
		}
		candidates = append(candidates, m)
	}
	c.mu.Unlock()

	var lastErr error
	for _, m := range candidates {
		conn, err := c.dial(m.Address())
		if err != nil {
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.sticky = conn
		c.mu.Unlock()
		return conn, nil
	}
	return nil, lastErr
}

func (c *Client) dial(addr string) (*transport.Connection, error) {
	c.mu.Lock()
	if conn, ok := c.conns[addr]; ok && !conn.Closed() {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, err := transport.Dial(addr, c.handleEvent, c.logger)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conns[addr] = conn
	c.mu.Unlock()
	return conn, nil
}

// resetSticky drops the sticky connection and the leader hint so the next
// request tries another member.
func (c *Client) resetSticky() {
	c.mu.Lock()
	c.sticky = nil
	c.cluster.ClearLeader()
	c.mu.Unlock()
}

func (c *Client) handleEvent(ev protocol.EventMessage) {
	c.mu.Lock()
	if ev.SessionID != c.session.id || c.session.state != StateOpen || !c.session.observeEvent(ev.Index) {
		c.mu.Unlock()
		return
	}
	handler := c.eventHandler
	c.mu.Unlock()
	if handler != nil {
		handler(ev.Index, ev.Payload)
	}
}
