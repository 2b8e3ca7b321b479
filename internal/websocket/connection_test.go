package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"litepost/pkg/interfaces"
	"litepost/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestConnection_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Connection = (*Connection)(nil)
}

func TestConnection_NewConnectionInitialization(t *testing.T) {
	principal := &types.Principal{ID: "u1", Username: "ada"}
	conn := newConnection(nil, principal, 0, 0)

	if conn.ID() == "" {
		t.Error("connection id should be generated")
	}
	if conn.Principal() != principal {
		t.Error("principal not retained")
	}
	if cap(conn.writeCh) != DefaultSendQueue {
		t.Errorf("send queue = %d, want %d", cap(conn.writeCh), DefaultSendQueue)
	}
	if conn.writeTimeout != DefaultWriteTimeout {
		t.Errorf("write timeout = %v, want %v", conn.writeTimeout, DefaultWriteTimeout)
	}
	if conn.LastSeen().IsZero() {
		t.Error("LastSeen should be set at creation")
	}

	other := newConnection(nil, nil, 0, 0)
	if other.ID() == conn.ID() {
		t.Error("connection ids must be unique")
	}
	if other.Principal() != nil {
		t.Error("anonymous connection should have no principal")
	}
}

func TestConnection_SendQueueFull(t *testing.T) {
	// No writer is started, so the queue never drains.
	conn := newConnection(nil, nil, 2, time.Second)

	if err := conn.Send([]byte("a")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := conn.Send([]byte("b")); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if err := conn.Send([]byte("c")); !errors.Is(err, ErrSendQueueFull) {
		t.Errorf("expected ErrSendQueueFull, got %v", err)
	}
}

func TestConnection_WriteJSONInvalidData(t *testing.T) {
	conn := newConnection(nil, nil, 1, time.Second)

	err := conn.WriteJSON(types.EventNewMessage, map[string]any{"bad": make(chan int)})
	if !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("expected ErrInvalidJSON, got %v", err)
	}
}

func TestConnection_CloseIdempotent(t *testing.T) {
	conn := newConnection(nil, nil, 1, time.Second)

	if err := conn.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	select {
	case <-conn.Context().Done():
	default:
		t.Error("context should be cancelled after Close")
	}
}

func TestConnection_WriteAfterClose(t *testing.T) {
	conn := newConnection(nil, nil, 4, time.Second)
	_ = conn.Close()

	if err := conn.Send([]byte("late")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnection_DeliversFramesInOrder(t *testing.T) {
	received := make(chan []byte, 10)
	wsConn := createTestWebSocketConnection(t, received)

	conn := NewConnection(wsConn, nil, 8, time.Second)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		if err := conn.WriteJSON(types.EventMetaUpdate, types.EventMeta{Viewers: i + 1}); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case data := <-received:
			var frame types.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Fatalf("decode: %v", err)
			}
			var meta types.EventMeta
			if err := json.Unmarshal(frame.Data, &meta); err != nil {
				t.Fatalf("decode data: %v", err)
			}
			if meta.Viewers != i+1 {
				t.Errorf("frame %d carried viewers=%d", i, meta.Viewers)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
}

func TestConnection_ConcurrentWrites(t *testing.T) {
	received := make(chan []byte, 100)
	wsConn := createTestWebSocketConnection(t, received)

	conn := NewConnection(wsConn, nil, 100, time.Second)
	defer conn.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_ = conn.WriteJSON(types.EventTyping, nil)
			}
		}()
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for got := 0; got < 50; got++ {
		select {
		case <-received:
		case <-deadline:
			t.Fatalf("received %d of 50 frames", got)
		}
	}
}

// Helper function to create a test WebSocket connection whose server side forwards
// every message it reads to received.
func createTestWebSocketConnection(t *testing.T, received chan<- []byte) *websocket.Conn {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if received != nil {
				received <- data
			}
		}
	}))

	t.Cleanup(func() { server.Close() })

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to create test WebSocket connection: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return conn
}
