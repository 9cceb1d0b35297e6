package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/blackmichael/activity-feeds/internal/domain"
)

// ErrRejected is returned by Subscriber.Start when the server refuses the
// websocket handshake with a client error; retrying would not help.
var ErrRejected = errors.New("realtime subscription rejected")

// Subscriber connects to a feed's realtime endpoint and hands every activity
// to a handler, reconnecting after transient failures.
type Subscriber struct {
	url        string
	token      string
	handle     func(domain.Activity)
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewSubscriber creates a subscriber for the websocket URL wsURL. token is
// sent as a bearer token on every connection attempt.
func NewSubscriber(wsURL, token string, handle func(domain.Activity), logger *slog.Logger) *Subscriber {
	return &Subscriber{
		url:        wsURL,
		token:      token,
		handle:     handle,
		logger:     logger,
		retryDelay: 5 * time.Second,
	}
}

// Start processes activities until ctx is cancelled or the server rejects
// the subscription.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		err := s.subscribe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		s.logger.Error("realtime connection error, reconnecting", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	s.logger.Info("connecting to realtime feed", "url", s.url)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
		}
		return fmt.Errorf("dial realtime feed: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Info("connected to realtime feed")

	var received int64
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Info("realtime feed closed by server", "activities_received", received)
			}
			return fmt.Errorf("read message: %w", err)
		}

		activity, err := parseMessage(payload)
		if err != nil {
			s.logger.Error("failed to parse message", "error", err)
			continue
		}
		if activity == nil {
			continue
		}

		received++
		s.handle(*activity)
	}
}

// parseMessage returns the activity carried by payload, or nil for message
// types the subscriber does not handle.
func parseMessage(payload []byte) (*domain.Activity, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Type != MessageTypeActivity || msg.Data == nil {
		return nil, nil
	}
	return msg.Data, nil
}
