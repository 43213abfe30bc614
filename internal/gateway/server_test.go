package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lowkeylabs/maestro/internal/config"
	"github.com/lowkeylabs/maestro/internal/events"
	"github.com/lowkeylabs/maestro/internal/llm"
	"github.com/lowkeylabs/maestro/internal/session"
	"github.com/lowkeylabs/maestro/internal/state"
	"github.com/lowkeylabs/maestro/internal/tools"
	"github.com/lowkeylabs/maestro/pkg/protocol"
)

type nullMux struct{}

func (nullMux) NewSession(name, startDir, command string, extraEnv []string) error { return nil }
func (nullMux) HasSession(name string) bool                                        { return false }
func (nullMux) SendKeys(name, text string, enter bool) error                       { return nil }
func (nullMux) SendInterrupt(name string) error                                    { return nil }
func (nullMux) CapturePane(name string) (string, error)                            { return "", nil }
func (nullMux) KillSession(name string) error                                      { return nil }
func (nullMux) ListSessions(prefix string) ([]string, error)                       { return nil, nil }

type textClient struct{ reply string }

func (c *textClient) Name() string { return "fake" }
func (c *textClient) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	return &llm.GenerateResponse{
		Blocks:     []llm.ContentBlock{llm.AssistantText{Text: c.reply}},
		StopReason: "stop",
	}, nil
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, string, func()) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Agent.WorkspaceRoot = root + "/workspaces"
	cfg.Tools.Unattended = true
	if mutate != nil {
		mutate(cfg)
	}

	store, err := state.NewFileStore(root + "/store")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	confirms := NewConfirmations()
	mgr := session.NewManager(cfg, &textClient{reply: "done"}, store, nullMux{}, confirms.Factory)
	srv := NewServer(cfg, mgr, confirms)

	addr, stop := StartTestServer(t, srv)
	return srv, addr, stop
}

func dial(t *testing.T, addr string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev protocol.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func awaitEvent(t *testing.T, conn *websocket.Conn, eventType string) protocol.Event {
	t.Helper()
	for i := 0; i < 50; i++ {
		ev := readEvent(t, conn)
		if ev.Type == eventType {
			return ev
		}
	}
	t.Fatalf("event %s never arrived", eventType)
	return protocol.Event{}
}

func send(t *testing.T, conn *websocket.Conn, req protocol.Request) {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, addr, stop := newTestServer(t, nil)
	defer stop()

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestChatRoundTrip(t *testing.T) {
	_, addr, stop := newTestServer(t, nil)
	defer stop()

	conn := dial(t, addr, nil)
	if ev := readEvent(t, conn); ev.Type != protocol.EventConnectionEstablished {
		t.Fatalf("first event = %s", ev.Type)
	}

	send(t, conn, protocol.Request{Method: protocol.MethodSessionNew})
	init := awaitEvent(t, conn, protocol.EventAgentInitialized)
	sessionID, _ := init.Content["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("no session id in %v", init.Content)
	}
	awaitEvent(t, conn, protocol.EventWorkspaceInfo)

	send(t, conn, protocol.Request{
		Method:    protocol.MethodChatSend,
		SessionID: sessionID,
		Params:    []byte(`{"text":"hello"}`),
	})
	awaitEvent(t, conn, protocol.EventUserMessage)
	msg := awaitEvent(t, conn, protocol.EventAgentMessage)
	if msg.Content["text"] != "done" {
		t.Fatalf("agent message = %v", msg.Content)
	}
	awaitEvent(t, conn, protocol.EventStreamComplete)

	send(t, conn, protocol.Request{Method: protocol.MethodSessionList})
	list := awaitEvent(t, conn, protocol.EventSystem)
	if list.Content["kind"] != "session_list" {
		t.Fatalf("list frame = %v", list.Content)
	}

	send(t, conn, protocol.Request{Method: protocol.MethodPing})
	awaitEvent(t, conn, protocol.EventPong)

	// An explicit /compact collapses the history instead of starting a run.
	send(t, conn, protocol.Request{
		Method:    protocol.MethodChatSend,
		SessionID: sessionID,
		Params:    []byte(`{"text":"/compact"}`),
	})
	sys := awaitEvent(t, conn, protocol.EventSystem)
	if sys.Content["kind"] != "compaction" {
		t.Fatalf("compact frame = %v", sys.Content)
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	_, addr, stop := newTestServer(t, nil)
	defer stop()

	conn := dial(t, addr, nil)
	readEvent(t, conn)

	send(t, conn, protocol.Request{Method: "bogus.method"})
	ev := awaitEvent(t, conn, protocol.EventError)
	if ev.Content["kind"] != protocol.ErrKindProtocol {
		t.Fatalf("error kind = %v", ev.Content)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	_, addr, stop := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.Token = "sekrit"
	})
	defer stop()

	if _, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil); err == nil {
		t.Fatalf("dial without token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	header := http.Header{"Authorization": []string{"Bearer sekrit"}}
	conn := dial(t, addr, header)
	if ev := readEvent(t, conn); ev.Type != protocol.EventConnectionEstablished {
		t.Fatalf("first event = %s", ev.Type)
	}
}

func TestConfirmationBridge(t *testing.T) {
	confirms := NewConfirmations()
	stream := events.NewStream("sess1")
	defer stream.Close()
	ch := stream.Subscribe("watcher")

	confirmer := confirms.Factory("sess1", stream)

	type outcome struct {
		resp tools.ConfirmResponse
		err  error
	}
	got := make(chan outcome, 1)
	go func() {
		resp, err := confirmer.Confirm(context.Background(), tools.ConfirmRequest{
			CallID:   "call_9",
			ToolName: "write_file",
			Detail:   "write 12 bytes to /w/a.txt",
		})
		got <- outcome{resp, err}
	}()

	// The request surfaces as an event, then tool.confirm resolves it.
	ev := <-ch
	if ev.Type != protocol.EventConfirmationRequest || ev.Content["call_id"] != "call_9" {
		t.Fatalf("event = %+v", ev)
	}
	if !confirms.Resolve("call_9", protocol.DecisionDeny, "try /tmp instead") {
		t.Fatalf("resolve found no pending call")
	}

	out := <-got
	if out.err != nil {
		t.Fatalf("confirm: %v", out.err)
	}
	if out.resp.Decision != tools.DecisionDeny || out.resp.Alternative != "try /tmp instead" {
		t.Fatalf("resp = %+v", out.resp)
	}

	// A second resolve for the same call finds nothing.
	if confirms.Resolve("call_9", protocol.DecisionAllow, "") {
		t.Fatalf("stale call resolved")
	}
}

func TestConfirmationCancelled(t *testing.T) {
	confirms := NewConfirmations()
	stream := events.NewStream("sess1")
	defer stream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	confirmer := confirms.Factory("sess1", stream)

	errCh := make(chan error, 1)
	go func() {
		_, err := confirmer.Confirm(ctx, tools.ConfirmRequest{CallID: "c1", ToolName: "bash"})
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-errCh; err == nil {
		t.Fatalf("expected context error")
	}
}
