package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/realtime"
)

type sseEvent struct {
	name string
	data string
}

// readSSEEvents parses the stream into events on a background goroutine.
func readSSEEvents(reader *bufio.Reader) <-chan sseEvent {
	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		current := sseEvent{}
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if current.name != "" || current.data != "" {
					events <- current
				}
				current = sseEvent{}
			case strings.HasPrefix(line, "event:"):
				current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()
	return events
}

func waitForSSEEvent(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
		case event, ok := <-events:
			if !ok {
				t.Fatalf("stream ended before %s event", name)
			}
			if event.name == name {
				return event
			}
		}
	}
}

func TestRealtimeStreamEmitsEmitterChangeEvents(t *testing.T) {
	server := newTestServer(t, nil)
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	ownerToken := server.token(t, "owner-1")
	field := server.createField(t, ownerToken, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/fields/"+field.ID+"/stream?access_token="+ownerToken, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	events := readSSEEvents(bufio.NewReader(streamResp.Body))
	waitForSSEEvent(t, events, realtimeEventHeartbeat)

	status, _ := server.do(t, http.MethodPost, "/fields/"+field.ID+"/emitters", ownerToken, map[string]any{"x": 0, "y": 0, "color": "#123456"})
	if status != http.StatusCreated {
		t.Fatalf("unexpected insert status %d", status)
	}

	event := waitForSSEEvent(t, events, RealtimeEventEmitterChanged)
	var payload fields.ChangeEvent
	if err := json.Unmarshal([]byte(event.data), &payload); err != nil {
		t.Fatalf("failed to decode event payload: %v", err)
	}
	if payload.Kind != fields.ChangeInsert || payload.NewEmitter == nil || payload.NewEmitter.Color != "#123456" {
		t.Fatalf("unexpected change event %+v", payload)
	}
}

func TestRealtimeStreamHidesPrivateFields(t *testing.T) {
	server := newTestServer(t, nil)
	ownerToken := server.token(t, "owner-1")
	field := server.createField(t, ownerToken, false)

	status, envelope := server.do(t, http.MethodGet, "/fields/"+field.ID+"/stream", server.token(t, "stranger-1"), nil)
	if status != http.StatusNotFound || envelope.Success {
		t.Fatalf("expected hidden field, got %d %+v", status, envelope)
	}
	if server.dispatcher.SubscriberCount(field.ID) != 0 {
		t.Fatalf("expected no subscription for rejected stream")
	}
}

func TestWebsocketFeedDeliversChangeEvents(t *testing.T) {
	server := newTestServer(t, nil)
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	ownerToken := server.token(t, "owner-1")
	field := server.createField(t, ownerToken, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/fields/" + field.ID + "/ws"
	feed, err := realtime.DialFeed(ctx, url, nil)
	if err != nil {
		t.Fatalf("failed to dial feed: %v", err)
	}
	defer func() {
		_ = feed.Close()
	}()

	status, envelope := server.do(t, http.MethodPost, "/fields/"+field.ID+"/emitters", ownerToken, map[string]any{"x": 3, "y": 2})
	if status != http.StatusCreated {
		t.Fatalf("unexpected insert status %d %+v", status, envelope)
	}

	select {
	case event, ok := <-feed.Events():
		if !ok {
			t.Fatalf("feed closed early: %v", feed.Err())
		}
		if event.Table != fields.TableEmitters || event.Kind != fields.ChangeInsert || event.NewEmitter == nil {
			t.Fatalf("unexpected event %+v", event)
		}
		if event.NewEmitter.X != 3 || event.NewEmitter.Color != fields.DefaultEmitterColor {
			t.Fatalf("unexpected emitter %+v", event.NewEmitter)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for websocket event")
	}
}
