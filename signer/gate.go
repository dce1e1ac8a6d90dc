package signer

import (
	"errors"
	"time"
)

// ErrUnknownRequest is returned by Decide when no pending request
// carries the given id (already decided, expired, or never seen).
var ErrUnknownRequest = errors.New("signer: unknown request id")

// Decision is the lifecycle state of a gated request.
type Decision int

const (
	Pending Decision = iota
	Approved
	Rejected
	Expired
)

func (d Decision) String() string {
	switch d {
	case Pending:
		return "pending"
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// PendingRequest is a request awaiting a human decision.
type PendingRequest struct {
	ID         string
	Client     string // session (client) public key
	Method     string
	Params     []string
	ReceivedAt time.Time
}

// gate buffers requests in arrival order until they are decided,
// expired, or their session goes away. Every removal path pops the
// request exactly once, which is what guarantees at-most-one response
// per request id.
type gate struct {
	order []*PendingRequest
	byID  map[string]*PendingRequest
}

func newGate() *gate {
	return &gate{byID: make(map[string]*PendingRequest)}
}

// enqueue appends a request. A duplicate id replaces the earlier
// pending entry: the peer retried, it must not get two prompts.
func (g *gate) enqueue(pr *PendingRequest) {
	if _, exists := g.byID[pr.ID]; exists {
		g.remove(pr.ID)
	}
	g.byID[pr.ID] = pr
	g.order = append(g.order, pr)
}

// take pops the pending request with the given id.
func (g *gate) take(id string) (*PendingRequest, error) {
	pr, ok := g.byID[id]
	if !ok {
		return nil, ErrUnknownRequest
	}
	g.remove(id)
	return pr, nil
}

// takeExpired pops every request received before the cutoff.
func (g *gate) takeExpired(cutoff time.Time) []*PendingRequest {
	var expired []*PendingRequest
	for _, pr := range g.order {
		if pr.ReceivedAt.Before(cutoff) {
			expired = append(expired, pr)
		}
	}
	for _, pr := range expired {
		g.remove(pr.ID)
	}
	return expired
}

// takeSession pops every request belonging to a client.
func (g *gate) takeSession(client string) []*PendingRequest {
	var taken []*PendingRequest
	for _, pr := range g.order {
		if pr.Client == client {
			taken = append(taken, pr)
		}
	}
	for _, pr := range taken {
		g.remove(pr.ID)
	}
	return taken
}

// pending returns a snapshot in arrival order.
func (g *gate) pending() []PendingRequest {
	out := make([]PendingRequest, len(g.order))
	for i, pr := range g.order {
		out[i] = *pr
	}
	return out
}

func (g *gate) remove(id string) {
	delete(g.byID, id)
	for i, pr := range g.order {
		if pr.ID == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			return
		}
	}
}
