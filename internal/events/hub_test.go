package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	possync "github.com/xtxerr/possync/internal/sync"
	"github.com/xtxerr/possync/internal/testutil"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub()
	hub.Start()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	if msg := readMessage(t, ctx, conn); msg.Type != TypeConnected {
		t.Fatalf("first message = %s, want connected", msg.Type)
	}
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return msg
}

func TestHub_BroadcastsLifecycle(t *testing.T) {
	hub, url := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := dial(t, ctx, url)
	b := dial(t, ctx, url)
	if n := hub.ClientCount(); n != 2 {
		t.Fatalf("clients = %d, want 2", n)
	}

	run := &possync.SyncRun{ID: "run-1", DatabaseID: "north", SyncType: possync.SyncFull, Tables: []string{"sales"}}
	res := possync.NewTableSyncResult("north", "sales", 0)
	hub.OnRunStarted(run)
	hub.OnTableSynced(run, res)
	run.Status = possync.StatusSuccess
	hub.OnRunFinished(run)

	want := []MessageType{TypeRunStarted, TypeTableSynced, TypeRunFinished}
	for _, conn := range []*websocket.Conn{a, b} {
		for _, typ := range want {
			msg := readMessage(t, ctx, conn)
			if msg.Type != typ {
				t.Errorf("type = %s, want %s", msg.Type, typ)
			}
			if msg.RunID != "run-1" || msg.DatabaseID != "north" {
				t.Errorf("%s: run = %s/%s", typ, msg.RunID, msg.DatabaseID)
			}
		}
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub, url := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url)
	conn.Close(websocket.StatusNormalClosure, "bye")

	if err := testutil.Eventually(2*time.Second, 10*time.Millisecond, func() bool {
		return hub.ClientCount() == 0
	}); err != nil {
		t.Fatalf("client still registered: %v", err)
	}
}

func TestHub_PublishAfterStop(t *testing.T) {
	hub := NewHub()
	hub.Start()
	hub.Stop()

	done := make(chan struct{})
	go func() {
		hub.Publish(Message{Type: TypeRunStarted})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Stop")
	}
}
