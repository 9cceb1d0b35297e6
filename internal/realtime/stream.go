package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/blackmichael/activity-feeds/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// MessageTypeActivity tags a message carrying one appended activity.
const MessageTypeActivity = "activity"

// Message is the JSON frame sent to websocket clients.
type Message struct {
	Type string           `json:"type"`
	Data *domain.Activity `json:"data,omitempty"`
}

// Stream writes every activity received on activities to conn until the
// channel closes, ctx ends or the peer goes away. Inbound frames are read
// only to service pings and detect closure. The caller closes conn.
func Stream(ctx context.Context, conn *websocket.Conn, activities <-chan domain.Activity) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go readPump(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case activity, ok := <-activities:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
			payload, err := json.Marshal(Message{Type: MessageTypeActivity, Data: &activity})
			if err != nil {
				return fmt.Errorf("marshal activity: %w", err)
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return fmt.Errorf("write activity: %w", err)
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

func readPump(conn *websocket.Conn, done func()) {
	defer done()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
