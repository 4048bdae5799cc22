package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"polystore/pkg/domain"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []Message
}

func (f *fakeConn) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) last() Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func TestRequestCorrelation(t *testing.T) {
	conn := &fakeConn{}
	client := NewRealtimeClient(conn, WithRequestTimeout(time.Second))
	ctx := context.Background()

	done := make(chan struct{})
	var response Message
	var reqErr error
	go func() {
		defer close(done)
		response, reqErr = client.Request(ctx, Message{Type: MsgPullRequest})
	}()

	// Wait for the request to hit the wire, then answer it.
	var sent Message
	for i := 0; i < 100; i++ {
		conn.mu.Lock()
		if len(conn.sent) > 0 {
			sent = conn.sent[0]
		}
		conn.mu.Unlock()
		if sent.RequestID != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sent.RequestID == "" {
		t.Fatalf("request never sent")
	}

	client.HandleMessage(ctx, Message{Type: MsgEntityUpdate, RequestID: sent.RequestID})
	<-done
	if reqErr != nil {
		t.Fatalf("request: %v", reqErr)
	}
	if response.RequestID != sent.RequestID {
		t.Fatalf("response not correlated: %+v", response)
	}
}

func TestWaiterClaimsMessageBeforeBroadcast(t *testing.T) {
	conn := &fakeConn{}
	client := NewRealtimeClient(conn, WithRequestTimeout(time.Second))
	ctx := context.Background()

	var broadcasts int
	client.OnEntityUpdate = func(context.Context, domain.Instance) { broadcasts++ }

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(ctx, Message{Type: MsgPullRequest})
		done <- err
	}()

	var sent Message
	for i := 0; i < 100; i++ {
		conn.mu.Lock()
		if len(conn.sent) > 0 {
			sent = conn.sent[0]
		}
		conn.mu.Unlock()
		if sent.RequestID != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sent.RequestID == "" {
		t.Fatalf("request never sent")
	}

	instance := domain.Instance{LogicalID: "doc-1"}
	client.HandleMessage(ctx, Message{Type: MsgEntityUpdate, RequestID: sent.RequestID, Instance: &instance})
	if err := <-done; err != nil {
		t.Fatalf("waiter must receive its correlated response: %v", err)
	}
	if broadcasts != 0 {
		t.Fatalf("claimed response must not also reach the broadcast handler")
	}

	// With no waiter left the same message type is an ordinary broadcast.
	client.HandleMessage(ctx, Message{Type: MsgEntityUpdate, Instance: &instance})
	if broadcasts != 1 {
		t.Fatalf("uncorrelated update must reach the broadcast handler, got %d", broadcasts)
	}
}

func TestStaleHeartbeatTickDoesNotRearm(t *testing.T) {
	conn := &fakeConn{}
	client := NewRealtimeClient(conn)
	defer client.StopHeartbeat()

	client.StartHeartbeat(context.Background(), time.Hour)
	client.StartHeartbeat(context.Background(), time.Hour)

	client.mu.Lock()
	current := client.heartbeat
	client.mu.Unlock()

	// A tick from the replaced first chain fires after the replacement.
	client.heartbeatTick(context.Background(), 1, time.Hour)

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.heartbeat != current {
		t.Fatalf("stale tick re-armed over the live chain")
	}
}

func TestUnknownResponseDroppedAndAudited(t *testing.T) {
	audit := domain.NewMemoryAuditLog()
	client := NewRealtimeClient(&fakeConn{}, WithRealtimeAudit(audit))

	client.HandleMessage(context.Background(), Message{Type: MsgPullRequest, RequestID: "nobody-waiting"})

	entries := audit.Entries()
	if len(entries) != 1 || entries[0].Outcome != domain.AuditDropped || entries[0].Reason != "unknown_request_id" {
		t.Fatalf("unknown response must be audited as dropped, got %+v", entries)
	}
}

func TestRequestTimeoutRejectsWaiterOnly(t *testing.T) {
	client := NewRealtimeClient(&fakeConn{}, WithRequestTimeout(10*time.Millisecond))

	_, err := client.Request(context.Background(), Message{Type: MsgPushItem})
	if !domain.IsTransient(err) {
		t.Fatalf("timeout must surface as a transient error, got %v", err)
	}
}

func TestHeartbeatAnswered(t *testing.T) {
	conn := &fakeConn{}
	client := NewRealtimeClient(conn)

	client.HandleMessage(context.Background(), Message{Type: MsgHeartbeat, RequestID: "hb-1"})
	if got := conn.last(); got.Type != MsgHeartbeatResponse || got.RequestID != "hb-1" {
		t.Fatalf("heartbeat must be answered, got %+v", got)
	}
}

func TestErrorResponseSurfaces(t *testing.T) {
	conn := &fakeConn{}
	client := NewRealtimeClient(conn, WithRequestTimeout(time.Second))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(ctx, Message{Type: MsgPushItem})
		done <- err
	}()

	var sent Message
	for i := 0; i < 100; i++ {
		conn.mu.Lock()
		if len(conn.sent) > 0 {
			sent = conn.sent[0]
		}
		conn.mu.Unlock()
		if sent.RequestID != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	client.HandleMessage(ctx, Message{Type: MsgError, RequestID: sent.RequestID, Error: "rejected upstream"})
	if err := <-done; !domain.IsTransient(err) {
		t.Fatalf("remote error must surface as transient, got %v", err)
	}
}
