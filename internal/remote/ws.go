package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/coder/websocket"

	"github.com/weaveboard/synckit/internal/entity"
)

// WSChannelConfig configures the websocket change channel.
type WSChannelConfig struct {
	// URL is the websocket endpoint, e.g. wss://api.weaveboard.app/changes
	URL string

	// Token returns the current bearer token for the subscribe frame.
	Token func() string

	// PingInterval keeps the connection alive (default 30s).
	PingInterval time.Duration

	// Logger for channel activity. Defaults to a stderr logger.
	Logger *log.Logger
}

// WSChannel implements Channel over a websocket connection.
//
// The server multiplexes per-project subscriptions; the client sends one
// subscribe frame after dialing and then reads event frames until the
// connection drops. The change feed layer owns reconnection and fallback.
type WSChannel struct {
	cfg WSChannelConfig
}

// subscribeFrame is the first frame sent after dialing.
type subscribeFrame struct {
	Action    string   `json:"action"`
	ProjectID string   `json:"project_id"`
	Tables    []string `json:"tables,omitempty"`
	Token     string   `json:"token,omitempty"`
}

// NewWSChannel creates a websocket-backed change channel.
func NewWSChannel(cfg WSChannelConfig) (*WSChannel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket URL cannot be empty")
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[channel] ", log.LstdFlags)
	}
	return &WSChannel{cfg: cfg}, nil
}

// Subscribe implements Channel.Subscribe.
func (c *WSChannel) Subscribe(ctx context.Context, projectID string, kinds []entity.Kind) (<-chan Event, <-chan error, error) {
	if projectID == "" {
		return nil, nil, fmt.Errorf("projectID cannot be empty")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, nil, WrapClass(ClassTransientNetwork, fmt.Errorf("failed to dial change channel: %w", err))
	}

	frame := subscribeFrame{Action: "subscribe", ProjectID: projectID}
	for _, k := range kinds {
		frame.Tables = append(frame.Tables, kindTable(k))
	}
	if c.cfg.Token != nil {
		frame.Token = c.cfg.Token()
	}

	data, err := json.Marshal(frame)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "bad subscribe frame")
		return nil, nil, fmt.Errorf("failed to marshal subscribe frame: %w", err)
	}
	if err := conn.Write(dialCtx, websocket.MessageText, data); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe write failed")
		return nil, nil, WrapClass(ClassTransientNetwork, fmt.Errorf("failed to send subscribe frame: %w", err))
	}

	events := make(chan Event, 64)
	errs := make(chan error, 8)

	go c.pingLoop(ctx, conn)
	go c.readLoop(ctx, conn, events, errs)

	return events, errs, nil
}

// pingLoop keeps the connection alive until ctx is cancelled.
func (c *WSChannel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// readLoop reads event frames and fans them out until the connection ends.
func (c *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- Event, errs chan<- error) {
	defer close(events)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				select {
				case errs <- WrapClass(ClassTransientNetwork, fmt.Errorf("change channel read: %w", err)):
				default:
				}
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.cfg.Logger.Printf("Warning: dropping malformed event frame: %v", err)
			continue
		}
		if !ev.Kind.IsValid() {
			c.cfg.Logger.Printf("Warning: dropping event with unknown kind %q", ev.Kind)
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
