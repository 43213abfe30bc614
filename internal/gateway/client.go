package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lowkeylabs/maestro/internal/session"
	"github.com/lowkeylabs/maestro/pkg/protocol"
)

const (
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	sendQueueSize = 256
)

// Client is one WebSocket connection. A client may follow several
// sessions at once; each subscription forwards that session's event
// stream into the shared send queue.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	log    *slog.Logger

	limiter *rate.Limiter
	send    chan protocol.Event

	mu     sync.Mutex
	subs   map[string]func() // session id -> unsubscribe
	closed bool
}

func newClient(conn *websocket.Conn, server *Server) *Client {
	var limiter *rate.Limiter
	if rpm := server.cfg.Gateway.RateLimitRPM; rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60), 5)
	}
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		server:  server,
		log:     slog.With("component", "gateway", "client_id", conn.RemoteAddr().String()),
		limiter: limiter,
		send:    make(chan protocol.Event, sendQueueSize),
		subs:    make(map[string]func()),
	}
}

// run drives the connection until the peer disconnects.
func (c *Client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)

	c.enqueue(protocol.Event{
		Type: protocol.EventConnectionEstablished,
		Content: map[string]any{
			"client_id": c.id,
			"protocol":  protocol.ProtocolVersion,
		},
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("read failed", "error", err)
			}
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendError("", protocol.ErrKindProtocol, "malformed frame: "+err.Error())
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.sendError(req.SessionID, protocol.ErrKindProtocol, "rate limit exceeded")
			continue
		}
		c.handle(ctx, req)
	}
}

func (c *Client) handle(ctx context.Context, req protocol.Request) {
	switch req.Method {
	case protocol.MethodPing:
		c.enqueue(protocol.Event{Type: protocol.EventPong})

	case protocol.MethodSessionNew:
		sess, err := c.server.manager.Create(ctx)
		if err != nil {
			c.sendError("", protocol.ErrKindInternal, err.Error())
			return
		}
		c.follow(sess)
		c.announce(sess, false)

	case protocol.MethodSessionResume:
		sess, err := c.server.manager.Resume(ctx, req.SessionID)
		if err != nil {
			c.sendError(req.SessionID, protocol.ErrKindInternal, err.Error())
			return
		}
		c.follow(sess)
		c.announce(sess, true)

	case protocol.MethodSessionList:
		metas, err := c.server.manager.List()
		if err != nil {
			c.sendError("", protocol.ErrKindInternal, err.Error())
			return
		}
		c.enqueue(protocol.Event{
			Type:    protocol.EventSystem,
			Content: map[string]any{"kind": "session_list", "sessions": metas},
		})

	case protocol.MethodChatSend:
		var params protocol.ChatSendParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.sendError(req.SessionID, protocol.ErrKindProtocol, "bad chat.send params: "+err.Error())
			return
		}
		if max := c.server.cfg.Gateway.MaxMessageChars; max > 0 && len(params.Text) > max {
			c.sendError(req.SessionID, protocol.ErrKindProtocol, "message too large")
			return
		}
		if sess, err := c.server.manager.Resume(ctx, req.SessionID); err == nil {
			c.follow(sess)
		}
		// An explicit /compact collapses the history instead of running.
		if strings.TrimSpace(params.Text) == "/compact" {
			go func() {
				if err := c.server.manager.Compact(context.Background(), req.SessionID); err != nil {
					if errors.Is(err, session.ErrBusy) {
						c.sendError(req.SessionID, protocol.ErrKindProtocol, "session is busy")
					} else {
						c.sendError(req.SessionID, protocol.ErrKindInternal, err.Error())
					}
				}
			}()
			return
		}
		// The run outlives this frame; disconnecting the client must not
		// kill it, so it runs on its own context.
		submit := c.server.manager.Submit
		if params.Edit {
			submit = c.server.manager.EditResubmit
		}
		go func() {
			if _, err := submit(context.Background(), req.SessionID, params.Text, params.Attachments); err != nil {
				if errors.Is(err, session.ErrBusy) {
					c.sendError(req.SessionID, protocol.ErrKindProtocol, "session is busy")
				} else if !errors.Is(err, context.Canceled) {
					c.sendError(req.SessionID, protocol.ErrKindInternal, err.Error())
				}
			}
		}()

	case protocol.MethodChatCancel:
		if err := c.server.manager.Cancel(req.SessionID); err != nil {
			c.sendError(req.SessionID, protocol.ErrKindInternal, err.Error())
		}

	case protocol.MethodToolConfirm:
		var params protocol.ToolConfirmParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.sendError(req.SessionID, protocol.ErrKindProtocol, "bad tool.confirm params: "+err.Error())
			return
		}
		if !c.server.confirms.Resolve(params.CallID, params.Decision, params.Alternative) {
			c.sendError(req.SessionID, protocol.ErrKindProtocol, "no pending confirmation for call "+params.CallID)
		}

	default:
		c.sendError(req.SessionID, protocol.ErrKindProtocol, "unknown method "+req.Method)
	}
}

// follow subscribes the client to a session's event stream.
func (c *Client) follow(sess *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.subs[sess.ID]; ok {
		return
	}

	ch := sess.Stream.Subscribe(c.id)
	c.subs[sess.ID] = func() { sess.Stream.Unsubscribe(c.id) }
	go func() {
		for ev := range ch {
			c.enqueue(ev)
		}
	}()
}

func (c *Client) announce(sess *session.Session, resumed bool) {
	meta := sess.Metadata()
	c.enqueue(protocol.Event{
		Type:      protocol.EventAgentInitialized,
		SessionID: sess.ID,
		Content: map[string]any{
			"session_id": sess.ID,
			"resumed":    resumed,
			"messages":   sess.State.Len(),
		},
	})
	c.enqueue(protocol.Event{
		Type:      protocol.EventWorkspaceInfo,
		SessionID: sess.ID,
		Content:   map[string]any{"workspace_path": meta.WorkspacePath},
	})
}

func (c *Client) sendError(sessionID, kind, message string) {
	c.enqueue(protocol.Event{
		Type:      protocol.EventError,
		SessionID: sessionID,
		Content:   map[string]any{"kind": kind, "message": message},
	})
}

// enqueue drops the frame if the client cannot keep up; the stream layer
// reports drops to slow subscribers itself.
func (c *Client) enqueue(ev protocol.Event) {
	select {
	case c.send <- ev:
	default:
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) close() {
	c.mu.Lock()
	c.closed = true
	unsubs := make([]func(), 0, len(c.subs))
	for _, u := range c.subs {
		unsubs = append(unsubs, u)
	}
	c.subs = map[string]func(){}
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	c.conn.Close()
}
