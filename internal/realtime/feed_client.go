package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"github.com/gorilla/websocket"
)

// Feed is a websocket change-feed connection.
type Feed struct {
	conn    *websocket.Conn
	events  chan fields.ChangeEvent
	errs    chan error
	closing atomic.Bool
}

// DialFeed connects to a field's websocket endpoint and decodes every frame into a ChangeEvent.
func DialFeed(ctx context.Context, url string, header http.Header) (*Feed, error) {
	conn, response, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("dial feed: %w (status %d)", err, response.StatusCode)
		}
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	feed := &Feed{
		conn:   conn,
		events: make(chan fields.ChangeEvent, defaultBufferSize),
		errs:   make(chan error, 1),
	}
	go feed.read(ctx)
	return feed, nil
}

func (f *Feed) read(ctx context.Context) {
	defer close(f.events)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = f.conn.Close()
		case <-done:
		}
	}()
	for {
		_, payload, err := f.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !f.closing.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.errs <- err
			}
			return
		}
		var event fields.ChangeEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			continue
		}
		select {
		case f.events <- event:
		case <-ctx.Done():
			return
		}
	}
}

// Events is closed when the connection ends.
func (f *Feed) Events() <-chan fields.ChangeEvent {
	return f.events
}

// Err returns the read error that ended the feed, if any, once Events is closed.
func (f *Feed) Err() error {
	select {
	case err := <-f.errs:
		return err
	default:
		return nil
	}
}

func (f *Feed) Close() error {
	f.closing.Store(true)
	err := f.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	closeErr := f.conn.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return closeErr
}
