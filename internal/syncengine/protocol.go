package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"polystore/pkg/domain"
)

// Realtime wire message types.
const (
	MsgSubscribe         = "subscribe"
	MsgUnsubscribe       = "unsubscribe"
	MsgPushItem          = "push_item"
	MsgPullRequest       = "pull_request"
	MsgEntityUpdate      = "entity_update"
	MsgEntityDelete      = "entity_delete"
	MsgHeartbeat         = "heartbeat"
	MsgHeartbeatResponse = "heartbeat_response"
	MsgError             = "error"
)

// Message is the realtime protocol envelope. RequestID correlates a response
// with its pending request; broadcast messages carry none.
type Message struct {
	Type       string               `json:"type"`
	RequestID  string               `json:"requestId,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
	EntityType string               `json:"entityType,omitempty"`
	Item       *domain.SyncQueueItem `json:"item,omitempty"`
	Instance   *domain.Instance     `json:"instance,omitempty"`
	Since      *time.Time           `json:"since,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Conn sends messages to the remote peer. The realtime client feeds inbound
// messages through HandleMessage; the connection layer owns the socket.
type Conn interface {
	Send(ctx context.Context, msg Message) error
}

// RealtimeClient correlates request/response pairs over a realtime
// connection and keeps the heartbeat alive. A local request timeout rejects
// the waiting caller only; the remote effect may still land afterwards.
type RealtimeClient struct {
	conn    Conn
	audit   domain.AuditRecorder
	now     func() time.Time
	timeout time.Duration

	mu           sync.Mutex
	pending      map[string]chan Message
	heartbeat    *time.Timer
	heartbeatGen uint64

	// OnEntityUpdate and OnEntityDelete receive broadcast messages. Both may
	// be nil.
	OnEntityUpdate func(ctx context.Context, instance domain.Instance)
	OnEntityDelete func(ctx context.Context, instance domain.Instance)
}

// RealtimeOption configures a RealtimeClient.
type RealtimeOption func(*RealtimeClient)

// WithRequestTimeout bounds how long a caller waits for a correlated
// response.
func WithRequestTimeout(d time.Duration) RealtimeOption {
	return func(c *RealtimeClient) { c.timeout = d }
}

// WithRealtimeAudit attaches an audit sink for dropped unknown responses.
func WithRealtimeAudit(recorder domain.AuditRecorder) RealtimeOption {
	return func(c *RealtimeClient) {
		if recorder != nil {
			c.audit = recorder
		}
	}
}

// WithRealtimeClock overrides the client's time source.
func WithRealtimeClock(now func() time.Time) RealtimeOption {
	return func(c *RealtimeClient) { c.now = now }
}

// NewRealtimeClient wraps a connection with request correlation.
func NewRealtimeClient(conn Conn, opts ...RealtimeOption) *RealtimeClient {
	c := &RealtimeClient{
		conn:    conn,
		audit:   domain.NopAuditRecorder{},
		now:     func() time.Time { return time.Now().UTC() },
		timeout: 10 * time.Second,
		pending: make(map[string]chan Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request sends a correlated message and waits for its response. On timeout
// the waiter is rejected with a transient error; the in-flight remote
// operation is not cancelled.
func (c *RealtimeClient) Request(ctx context.Context, msg Message) (Message, error) {
	msg.RequestID = uuid.NewString()
	msg.Timestamp = c.now()

	reply := make(chan Message, 1)
	c.mu.Lock()
	c.pending[msg.RequestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	if err := c.conn.Send(ctx, msg); err != nil {
		return Message{}, domain.TransientError{Op: "realtime_send", Err: err}
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case response := <-reply:
		if response.Type == MsgError {
			return response, domain.TransientError{Op: "realtime_request", Err: errRemote(response.Error)}
		}
		return response, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-timer.C:
		return Message{}, domain.TransientError{Op: "realtime_request", Err: errTimeout}
	}
}

// Notify sends an uncorrelated message.
func (c *RealtimeClient) Notify(ctx context.Context, msg Message) error {
	msg.Timestamp = c.now()
	return c.conn.Send(ctx, msg)
}

// HandleMessage dispatches one inbound message: heartbeats are answered,
// correlated responses are delivered to their waiter, broadcasts invoke the
// registered handlers, and responses without a pending request are audited
// as unknown and dropped.
func (c *RealtimeClient) HandleMessage(ctx context.Context, msg Message) {
	switch msg.Type {
	case MsgHeartbeat:
		_ = c.conn.Send(ctx, Message{Type: MsgHeartbeatResponse, RequestID: msg.RequestID, Timestamp: c.now()})
		return
	case MsgHeartbeatResponse:
		return
	}

	// A pending requestId owns the message regardless of its type; broadcast
	// handlers only see messages no waiter claims.
	if msg.RequestID != "" {
		c.mu.Lock()
		reply, ok := c.pending[msg.RequestID]
		if ok {
			delete(c.pending, msg.RequestID)
		}
		c.mu.Unlock()
		if ok {
			reply <- msg
			return
		}
	}

	switch msg.Type {
	case MsgEntityUpdate:
		if c.OnEntityUpdate != nil && msg.Instance != nil {
			c.OnEntityUpdate(ctx, *msg.Instance)
		}
		return
	case MsgEntityDelete:
		if c.OnEntityDelete != nil && msg.Instance != nil {
			c.OnEntityDelete(ctx, *msg.Instance)
		}
		return
	}

	if msg.RequestID == "" {
		return
	}
	c.audit.Record(ctx, domain.AuditEntry{
		ID:         uuid.NewString(),
		Operation:  "realtime_receive",
		Component:  "syncengine",
		Outcome:    domain.AuditDropped,
		Reason:     "unknown_request_id",
		EntityID:   msg.RequestID,
		OccurredAt: c.now(),
	})
}

// StartHeartbeat schedules a periodic heartbeat. Calling it again replaces
// the prior timer rather than stacking a second one.
func (c *RealtimeClient) StartHeartbeat(ctx context.Context, interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	c.heartbeatGen++
	gen := c.heartbeatGen
	c.heartbeat = time.AfterFunc(interval, func() { c.heartbeatTick(ctx, gen, interval) })
}

// heartbeatTick sends one heartbeat and re-arms the timer. A tick from a
// replaced chain carries a stale generation and must not re-arm over the
// chain that superseded it.
func (c *RealtimeClient) heartbeatTick(ctx context.Context, gen uint64, interval time.Duration) {
	_ = c.conn.Send(ctx, Message{Type: MsgHeartbeat, RequestID: uuid.NewString(), Timestamp: c.now()})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heartbeat == nil || gen != c.heartbeatGen {
		return
	}
	c.heartbeat = time.AfterFunc(interval, func() { c.heartbeatTick(ctx, gen, interval) })
}

// StopHeartbeat cancels the heartbeat timer.
func (c *RealtimeClient) StopHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

type remoteError string

func (e remoteError) Error() string { return string(e) }

func errRemote(message string) error { return remoteError(message) }

var errTimeout = remoteError("request timed out waiting for response")
