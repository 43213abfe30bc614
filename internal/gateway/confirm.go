package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/lowkeylabs/maestro/internal/events"
	"github.com/lowkeylabs/maestro/internal/tools"
	"github.com/lowkeylabs/maestro/pkg/protocol"
)

// Confirmations bridges the dispatcher's confirmation flow over the
// event stream: a pending request goes out as a confirmation_request
// event and resolves when a tool.confirm frame arrives.
type Confirmations struct {
	mu      sync.Mutex
	pending map[string]chan tools.ConfirmResponse
}

func NewConfirmations() *Confirmations {
	return &Confirmations{pending: make(map[string]chan tools.ConfirmResponse)}
}

// Factory is a session.ConfirmerFactory.
func (c *Confirmations) Factory(sessionID string, stream *events.Stream) tools.Confirmer {
	return &streamConfirmer{pending: c, stream: stream}
}

// Resolve answers a pending request. Returns false if the call is not
// waiting (already resolved, or cancelled).
func (c *Confirmations) Resolve(callID, decision, alternative string) bool {
	resp, err := decodeDecision(decision, alternative)
	if err != nil {
		return false
	}

	c.mu.Lock()
	ch, ok := c.pending[callID]
	if ok {
		delete(c.pending, callID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

func (c *Confirmations) register(callID string) chan tools.ConfirmResponse {
	ch := make(chan tools.ConfirmResponse, 1)
	c.mu.Lock()
	c.pending[callID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Confirmations) remove(callID string) {
	c.mu.Lock()
	delete(c.pending, callID)
	c.mu.Unlock()
}

func decodeDecision(decision, alternative string) (tools.ConfirmResponse, error) {
	switch decision {
	case protocol.DecisionAllow:
		return tools.ConfirmResponse{Decision: tools.DecisionAllow}, nil
	case protocol.DecisionAlwaysTool:
		return tools.ConfirmResponse{Decision: tools.DecisionAlwaysTool}, nil
	case protocol.DecisionAllowAll:
		return tools.ConfirmResponse{Decision: tools.DecisionAllowAll}, nil
	case protocol.DecisionDeny:
		return tools.ConfirmResponse{Decision: tools.DecisionDeny, Alternative: alternative}, nil
	}
	return tools.ConfirmResponse{}, fmt.Errorf("unknown decision %q", decision)
}

// streamConfirmer is the per-session tools.Confirmer.
type streamConfirmer struct {
	pending *Confirmations
	stream  *events.Stream
}

func (sc *streamConfirmer) Confirm(ctx context.Context, req tools.ConfirmRequest) (tools.ConfirmResponse, error) {
	ch := sc.pending.register(req.CallID)
	defer sc.pending.remove(req.CallID)

	sc.stream.Publish(protocol.EventConfirmationRequest, map[string]any{
		"call_id": req.CallID,
		"name":    req.ToolName,
		"input":   req.Args,
		"detail":  req.Detail,
	})

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return tools.ConfirmResponse{}, ctx.Err()
	}
}
