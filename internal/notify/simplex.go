package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rsswatcher/internal/config"
	"rsswatcher/internal/model"
)

// simplexMaxMessageLength is a conservative cap for SimpleX messages.
const simplexMaxMessageLength = 14000

type simplexFrame struct {
	CorrID string         `json:"corrId"`
	Cmd    string         `json:"cmd,omitempty"`
	Resp   map[string]any `json:"resp,omitempty"`
}

// SimpleX sends entries to a SimpleX Chat contact through the WebSocket
// interface of an externally running simplex-chat CLI.
type SimpleX struct {
	cfg config.SimpleXConfig
	log *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan simplexFrame
	closed  bool
}

// NewSimpleX creates a SimpleX notifier. The WebSocket connection is
// established lazily on first use and re-established after failures.
func NewSimpleX(cfg config.SimpleXConfig, log *slog.Logger) *SimpleX {
	return &SimpleX{
		cfg:     cfg,
		log:     log,
		pending: make(map[string]chan simplexFrame),
	}
}

// Name implements Notifier.
func (s *SimpleX) Name() string { return "simplex" }

// TestConnection verifies the CLI is reachable by requesting the active
// user profile.
func (s *SimpleX) TestConnection(ctx context.Context) error {
	if _, err := s.sendCommand(ctx, "/u"); err != nil {
		return fmt.Errorf("simplex test: %w", err)
	}
	s.log.Info("connected to simplex", "contact", s.cfg.Contact)
	return nil
}

// SendEntry delivers one entry as a message to the configured contact.
func (s *SimpleX) SendEntry(ctx context.Context, entry model.Entry) error {
	cmd := fmt.Sprintf("@%s %s", s.cfg.Contact, s.formatEntry(entry))

	resp, err := s.sendCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("simplex send: %w", err)
	}

	respType, _ := resp["type"].(string)
	if respType == "chatCmdError" {
		return fmt.Errorf("simplex command error: %v", resp["chatError"])
	}
	if _, hasErr := resp["error"]; hasErr {
		return fmt.Errorf("simplex error: %v", resp["error"])
	}
	return nil
}

// Close tears down the WebSocket connection and fails all pending
// commands.
func (s *SimpleX) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// connect dials the CLI WebSocket if not already connected and starts
// the response reader. Callers must hold s.mu.
func (s *SimpleX) connectLocked(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("notifier closed")
	}
	if s.conn != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout())
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.WebsocketURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.WebsocketURL, err)
	}
	s.conn = conn
	go s.readLoop(conn)
	return nil
}

// readLoop dispatches correlated responses to waiting commands.
// Responses without a known correlation ID are asynchronous chat events
// and are ignored.
func (s *SimpleX) readLoop(conn *websocket.Conn) {
	for {
		var frame simplexFrame
		if err := conn.ReadJSON(&frame); err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.Warn("simplex connection lost", "error", err)
			}
			return
		}

		s.mu.Lock()
		ch, ok := s.pending[frame.CorrID]
		if ok {
			delete(s.pending, frame.CorrID)
		}
		s.mu.Unlock()

		if ok {
			ch <- frame
			close(ch)
		}
	}
}

func (s *SimpleX) sendCommand(ctx context.Context, cmd string) (map[string]any, error) {
	corrID := uuid.NewString()
	ch := make(chan simplexFrame, 1)

	s.mu.Lock()
	if err := s.connectLocked(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.pending[corrID] = ch
	err := s.conn.WriteJSON(simplexFrame{CorrID: corrID, Cmd: cmd})
	s.mu.Unlock()

	if err != nil {
		s.dropPending(corrID)
		return nil, fmt.Errorf("write command: %w", err)
	}

	timer := time.NewTimer(s.cfg.MessageTimeout())
	defer timer.Stop()

	select {
	case frame, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		return frame.Resp, nil
	case <-timer.C:
		s.dropPending(corrID)
		return nil, fmt.Errorf("timeout waiting for response")
	case <-ctx.Done():
		s.dropPending(corrID)
		return nil, ctx.Err()
	}
}

func (s *SimpleX) dropPending(corrID string) {
	s.mu.Lock()
	delete(s.pending, corrID)
	s.mu.Unlock()
}

// formatEntry renders an entry with the markdown-ish styling SimpleX
// supports. SimpleX carries no HTML, so content is reduced to plain
// text.
func (s *SimpleX) formatEntry(entry model.Entry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "*[%s]*", entry.FeedName)

	title := entry.Title
	if title == "" {
		title = "No title"
	}
	fmt.Fprintf(&b, "\n*%s*", title)
	if entry.Link != "" {
		fmt.Fprintf(&b, "\n%s", entry.Link)
	}

	if entry.Author != "" {
		fmt.Fprintf(&b, "\n_by %s_", entry.Author)
	}
	if tags := hashTags(entry.Categories); tags != "" {
		fmt.Fprintf(&b, "\n%s", tags)
	}
	if summary := summarize(entry.Content); summary != "" {
		fmt.Fprintf(&b, "\n\n%s", summary)
	}

	return truncate(b.String(), simplexMaxMessageLength)
}
