package agent

import (
	"context"
	"time"

	"github.com/manuscriptlab/palimpsest/pkg/models"
)

// Emitter delivers one agent's messages into the orchestrator's stream.
// It stamps non-decreasing timestamps per agent and blocks on the bounded
// output channel, which is how transport back-pressure reaches the agents.
//
// An Emitter is used by a single agent goroutine; it is not safe for
// concurrent use.
type Emitter struct {
	ctx  context.Context
	out  chan<- models.AgentMessage
	role models.Role
	last time.Time
	now  func() time.Time
}

// NewEmitter creates an emitter for one agent run. ctx is the pipeline
// context: when it is cancelled the agent observes the failure at its
// next emit.
func NewEmitter(ctx context.Context, role models.Role, out chan<- models.AgentMessage) *Emitter {
	return &Emitter{ctx: ctx, out: out, role: role, now: time.Now}
}

// Emit stamps and sends one message. The role and timestamp fields are
// owned by the emitter; anything the agent put there is overwritten.
func (e *Emitter) Emit(msg models.AgentMessage) error {
	ts := e.now()
	if ts.Before(e.last) {
		ts = e.last
	}
	e.last = ts

	msg.Role = e.role
	msg.Timestamp = ts

	select {
	case e.out <- msg:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}
