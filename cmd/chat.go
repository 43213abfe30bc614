package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/lowkeylabs/maestro/internal/config"
	"github.com/lowkeylabs/maestro/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		addr      string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat against a running gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(addr, sessionID)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default from config)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume an existing session")
	return cmd
}

// chatClient wraps the connection with a write lock; the read loop and
// the REPL both send frames.
type chatClient struct {
	conn *websocket.Conn

	mu          sync.Mutex
	sessionID   string
	pendingCall string // confirmation_request awaiting a /allow-style command
}

func runChat(addr, sessionID string) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}

	wsURL := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	if cfg.Gateway.Token != "" {
		wsURL.RawQuery = url.Values{"token": {cfg.Gateway.Token}}.Encode()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL.String(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", addr, err)
		os.Exit(1)
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	c := &chatClient{conn: conn}

	ready := make(chan struct{}, 1)
	go c.readLoop(ctx, ready, cancel)

	if sessionID != "" {
		c.request(ctx, protocol.Request{Method: protocol.MethodSessionResume, SessionID: sessionID})
	} else {
		c.request(ctx, protocol.Request{Method: protocol.MethodSessionNew})
	}
	<-ready

	fmt.Fprintf(os.Stderr, "maestro chat (session %s)\n", c.session())
	fmt.Fprintln(os.Stderr, `Type "exit" to quit, "/new" for a new session, "/cancel" to interrupt, "/compact" to summarize history, "/edit <text>" to redo the last query.`)
	fmt.Fprintln(os.Stderr, `Answer confirmations with /allow, /always, /all or /deny [alternative].`)
	fmt.Fprintln(os.Stderr)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}
		if strings.HasPrefix(input, "/") {
			c.command(ctx, input, ready)
			continue
		}

		params, _ := json.Marshal(protocol.ChatSendParams{Text: input})
		c.request(ctx, protocol.Request{
			Method:    protocol.MethodChatSend,
			SessionID: c.session(),
			Params:    params,
		})
	}
}

func (c *chatClient) command(ctx context.Context, input string, ready chan struct{}) {
	cmd, rest, _ := strings.Cut(input, " ")
	switch cmd {
	case "/new":
		c.request(ctx, protocol.Request{Method: protocol.MethodSessionNew})
		<-ready
		fmt.Fprintf(os.Stderr, "new session: %s\n\n", c.session())
	case "/resume":
		if rest == "" {
			fmt.Fprintln(os.Stderr, "usage: /resume <session-id>")
			return
		}
		c.request(ctx, protocol.Request{Method: protocol.MethodSessionResume, SessionID: rest})
		<-ready
	case "/cancel":
		c.request(ctx, protocol.Request{Method: protocol.MethodChatCancel, SessionID: c.session()})
	case "/compact":
		params, _ := json.Marshal(protocol.ChatSendParams{Text: "/compact"})
		c.request(ctx, protocol.Request{Method: protocol.MethodChatSend, SessionID: c.session(), Params: params})
	case "/edit":
		if rest == "" {
			fmt.Fprintln(os.Stderr, "usage: /edit <replacement text>")
			return
		}
		params, _ := json.Marshal(protocol.ChatSendParams{Text: rest, Edit: true})
		c.request(ctx, protocol.Request{Method: protocol.MethodChatSend, SessionID: c.session(), Params: params})
	case "/sessions":
		c.request(ctx, protocol.Request{Method: protocol.MethodSessionList})
	case "/allow", "/always", "/all", "/deny":
		c.confirm(ctx, cmd, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
	}
}

func (c *chatClient) confirm(ctx context.Context, cmd, alternative string) {
	c.mu.Lock()
	callID := c.pendingCall
	c.pendingCall = ""
	c.mu.Unlock()
	if callID == "" {
		fmt.Fprintln(os.Stderr, "no pending confirmation")
		return
	}

	decision := map[string]string{
		"/allow":  protocol.DecisionAllow,
		"/always": protocol.DecisionAlwaysTool,
		"/all":    protocol.DecisionAllowAll,
		"/deny":   protocol.DecisionDeny,
	}[cmd]

	params, _ := json.Marshal(protocol.ToolConfirmParams{
		CallID:      callID,
		Decision:    decision,
		Alternative: alternative,
	})
	c.request(ctx, protocol.Request{
		Method:    protocol.MethodToolConfirm,
		SessionID: c.session(),
		Params:    params,
	})
}

func (c *chatClient) readLoop(ctx context.Context, ready chan struct{}, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "\nconnection lost: %v\n", err)
			}
			return
		}

		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case protocol.EventAgentInitialized:
			if id, _ := ev.Content["session_id"].(string); id != "" {
				c.mu.Lock()
				c.sessionID = id
				c.mu.Unlock()
			}
			select {
			case ready <- struct{}{}:
			default:
			}
		case protocol.EventError:
			renderEvent(os.Stderr, ev)
			// Unblocks a REPL waiting on a failed session.new/resume.
			select {
			case ready <- struct{}{}:
			default:
			}
		case protocol.EventConfirmationRequest:
			callID, _ := ev.Content["call_id"].(string)
			name, _ := ev.Content["name"].(string)
			detail, _ := ev.Content["detail"].(string)
			c.mu.Lock()
			c.pendingCall = callID
			c.mu.Unlock()
			fmt.Fprintf(os.Stderr, "\nconfirmation needed for %s: %s\n", name, clipLine(detail))
			fmt.Fprintln(os.Stderr, "reply with /allow, /always, /all or /deny [alternative]")
		case protocol.EventSystem:
			if kind, _ := ev.Content["kind"].(string); kind == "session_list" {
				printSessionList(ev.Content["sessions"])
				continue
			}
			renderEvent(os.Stderr, ev)
		default:
			renderEvent(os.Stderr, ev)
		}
	}
}

func (c *chatClient) request(ctx context.Context, req protocol.Request) {
	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
	}
}

func (c *chatClient) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// printSessionList renders the session.list payload, which arrives as
// generic JSON after the round trip.
func printSessionList(v any) {
	items, ok := v.([]any)
	if !ok {
		return
	}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		title, _ := m["title"].(string)
		updated, _ := m["updated"].(string)
		fmt.Fprintf(os.Stderr, "  %s  %-19.19s  %s\n", id, updated, clipLine(title))
	}
}
