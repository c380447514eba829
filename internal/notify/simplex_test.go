package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"rsswatcher/internal/config"
	"rsswatcher/internal/model"
)

var _ Notifier = (*SimpleX)(nil)

// simplexServer fakes the simplex-chat CLI WebSocket endpoint. Every
// received command is recorded and answered through respond.
type simplexServer struct {
	srv     *httptest.Server
	respond func(frame simplexFrame) []simplexFrame

	mu   sync.Mutex
	cmds []string
}

func newSimplexServer(t *testing.T, respond func(frame simplexFrame) []simplexFrame) *simplexServer {
	t.Helper()

	s := &simplexServer{respond: respond}
	upgrader := websocket.Upgrader{}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			var frame simplexFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.mu.Lock()
			s.cmds = append(s.cmds, frame.Cmd)
			s.mu.Unlock()

			if s.respond == nil {
				continue
			}
			for _, out := range s.respond(frame) {
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *simplexServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *simplexServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cmds...)
}

func okResponse(frame simplexFrame) []simplexFrame {
	return []simplexFrame{{
		CorrID: frame.CorrID,
		Resp:   map[string]any{"type": "newChatItems"},
	}}
}

func newTestSimpleX(t *testing.T, server *simplexServer) *SimpleX {
	t.Helper()
	s := NewSimpleX(config.SimpleXConfig{
		WebsocketURL:          server.url(),
		Contact:               "alice",
		ConnectTimeoutSeconds: 5,
		MessageTimeoutSeconds: 5,
	}, discardLogger())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSimpleXSendEntry(t *testing.T) {
	server := newSimplexServer(t, okResponse)
	s := newTestSimpleX(t, server)

	entry := model.Entry{
		Title:    "Python Tutorial",
		Link:     "https://blog.example.com/1",
		FeedName: "Tech Blog",
	}
	if err := s.SendEntry(context.Background(), entry); err != nil {
		t.Fatalf("send entry: %v", err)
	}

	cmds := server.commands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	if !strings.HasPrefix(cmds[0], "@alice ") {
		t.Errorf("command not addressed to contact: %q", cmds[0])
	}
	for _, want := range []string{"*[Tech Blog]*", "*Python Tutorial*", "https://blog.example.com/1"} {
		if !strings.Contains(cmds[0], want) {
			t.Errorf("command missing %q:\n%s", want, cmds[0])
		}
	}
}

func TestSimpleXTestConnection(t *testing.T) {
	server := newSimplexServer(t, okResponse)
	s := newTestSimpleX(t, server)

	if err := s.TestConnection(context.Background()); err != nil {
		t.Fatalf("test connection: %v", err)
	}
	cmds := server.commands()
	if len(cmds) != 1 || cmds[0] != "/u" {
		t.Errorf("expected a single /u command, got %v", cmds)
	}
}

func TestSimpleXCommandError(t *testing.T) {
	server := newSimplexServer(t, func(frame simplexFrame) []simplexFrame {
		return []simplexFrame{{
			CorrID: frame.CorrID,
			Resp: map[string]any{
				"type":      "chatCmdError",
				"chatError": "no such contact",
			},
		}}
	})
	s := newTestSimpleX(t, server)

	err := s.SendEntry(context.Background(), model.Entry{Title: "x", FeedName: "F"})
	if err == nil {
		t.Fatal("expected error from chatCmdError response")
	}
	if !strings.Contains(err.Error(), "no such contact") {
		t.Errorf("error lost the backend detail: %v", err)
	}
}

func TestSimpleXIgnoresUnsolicitedEvents(t *testing.T) {
	// An asynchronous chat event with no corrId arrives before the real
	// response; the client must keep correlating correctly.
	server := newSimplexServer(t, func(frame simplexFrame) []simplexFrame {
		return []simplexFrame{
			{Resp: map[string]any{"type": "contactConnected"}},
			okResponse(frame)[0],
		}
	})
	s := newTestSimpleX(t, server)

	if err := s.SendEntry(context.Background(), model.Entry{Title: "x", FeedName: "F"}); err != nil {
		t.Fatalf("send entry: %v", err)
	}
}

func TestSimpleXSendAfterClose(t *testing.T) {
	server := newSimplexServer(t, okResponse)
	s := newTestSimpleX(t, server)

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.SendEntry(context.Background(), model.Entry{Title: "x", FeedName: "F"}); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestSimpleXCancelledContext(t *testing.T) {
	server := newSimplexServer(t, nil) // never responds
	s := newTestSimpleX(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendEntry(ctx, model.Entry{Title: "x", FeedName: "F"}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
