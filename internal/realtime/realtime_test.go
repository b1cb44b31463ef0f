package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/watzon/tracery/internal/events"
)

func streamServer(t *testing.T, evs <-chan events.Event, status string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			t.Errorf("Failed to accept WebSocket: %v", err)
			return
		}
		client := NewClient(conn, "exec-1")
		client.Run(0, evs, func() string { return status })
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}
	return msg
}

func TestClient_StreamsEventsThenEnd(t *testing.T) {
	evs := make(chan events.Event, 2)
	evs <- events.Event{Sequence: 1, Type: events.ExecutionStarted, ExecutionID: "exec-1"}
	evs <- events.Event{Sequence: 2, Type: events.ExecutionCompleted, ExecutionID: "exec-1"}
	close(evs)

	conn := dial(t, streamServer(t, evs, "completed"))

	if msg := read(t, conn); msg.Type != MessageTypeConnected {
		t.Fatalf("Expected connected, got %s", msg.Type)
	}

	for _, want := range []int64{1, 2} {
		msg := read(t, conn)
		if msg.Type != MessageTypeEvent {
			t.Fatalf("Expected event, got %s", msg.Type)
		}
		var p EventPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			t.Fatalf("Failed to decode payload: %v", err)
		}
		if p.Event.Sequence != want {
			t.Errorf("Expected sequence %d, got %d", want, p.Event.Sequence)
		}
	}

	msg := read(t, conn)
	if msg.Type != MessageTypeEnd {
		t.Fatalf("Expected end, got %s", msg.Type)
	}
	var end EndPayload
	if err := json.Unmarshal(msg.Payload, &end); err != nil {
		t.Fatalf("Failed to decode end payload: %v", err)
	}
	if end.Status != "completed" || end.LastSequence != 2 {
		t.Errorf("Unexpected end payload: %+v", end)
	}
}

func TestClient_Ping(t *testing.T) {
	evs := make(chan events.Event)
	t.Cleanup(func() { close(evs) })

	conn := dial(t, streamServer(t, evs, ""))
	read(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"id":"p1","type":"ping"}`)); err != nil {
		t.Fatalf("Failed to write ping: %v", err)
	}

	msg := read(t, conn)
	if msg.Type != MessageTypePong || msg.ID != "p1" {
		t.Errorf("Expected pong p1, got %s %s", msg.Type, msg.ID)
	}
	var pong PongPayload
	if err := json.Unmarshal(msg.Payload, &pong); err != nil {
		t.Fatalf("Failed to decode pong payload: %v", err)
	}
	if pong.LastSequence != 0 {
		t.Errorf("Expected last sequence 0 before any event, got %d", pong.LastSequence)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`not json`)); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if msg := read(t, conn); msg.Type != MessageTypeError {
		t.Errorf("Expected error, got %s", msg.Type)
	}
}

func TestMessageJSON(t *testing.T) {
	payload, _ := json.Marshal(&EndPayload{ExecutionID: "e", Status: "failed", LastSequence: 4})
	msg := Message{ID: "m", Type: MessageTypeEnd, Payload: payload}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Failed to marshal message: %v", err)
	}
	if !strings.Contains(string(data), `"type":"end"`) {
		t.Errorf("Unexpected encoding: %s", data)
	}
}
