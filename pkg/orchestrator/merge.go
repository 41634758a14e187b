package orchestrator

import (
	"context"

	"github.com/manuscriptlab/palimpsest/pkg/models"
)

// mergeParallel interleaves the three Stage-B agent streams into out in
// non-decreasing timestamp order, tie-broken by role priority
// (Linguist < Historian < Validator). Merging is pipelined: whichever
// currently-available head carries the smallest timestamp is yielded; if
// no head is available but a stream is still open, the merge blocks for
// the next message rather than waiting for all heads to fill.
//
// lastRole seeds the collaboration marker: every emitted message whose
// role differs from the previously emitted one gets collaboration=true.
func mergeParallel(
	ctx context.Context,
	out chan<- models.AgentMessage,
	streams [3]<-chan models.AgentMessage,
	lastRole models.Role,
) error {
	var heads [3]*models.AgentMessage
	open := [3]bool{true, true, true}

	// Prime one head per stream before yielding anything. Every agent
	// emits its activation immediately into a buffered channel, so this
	// settles the opening interleaving by timestamp and priority instead
	// of goroutine scheduling.
	for i := range streams {
		select {
		case m, ok := <-streams[i]:
			if !ok {
				open[i] = false
			} else {
				heads[i] = &m
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	emit := func(m models.AgentMessage) error {
		if m.Role != lastRole {
			m.Collaboration = true
		}
		lastRole = m.Role
		select {
		case out <- m:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		// Top up heads without blocking.
		for i := range streams {
			if heads[i] != nil || !open[i] {
				continue
			}
			select {
			case m, ok := <-streams[i]:
				if !ok {
					open[i] = false
				} else {
					heads[i] = &m
				}
			default:
			}
		}

		// Yield the smallest available head.
		best := -1
		for i := range heads {
			if heads[i] == nil {
				continue
			}
			if best < 0 || earlier(heads[i], heads[best]) {
				best = i
			}
		}
		if best >= 0 {
			m := *heads[best]
			heads[best] = nil
			if err := emit(m); err != nil {
				return err
			}
			continue
		}

		if !open[0] && !open[1] && !open[2] {
			return nil
		}

		// All buffers empty but at least one agent still running: block
		// until the next message arrives. Closed or drained slots are
		// disabled with nil channels.
		var c0, c1, c2 <-chan models.AgentMessage
		if open[0] {
			c0 = streams[0]
		}
		if open[1] {
			c1 = streams[1]
		}
		if open[2] {
			c2 = streams[2]
		}
		select {
		case m, ok := <-c0:
			if !ok {
				open[0] = false
			} else {
				heads[0] = &m
			}
		case m, ok := <-c1:
			if !ok {
				open[1] = false
			} else {
				heads[1] = &m
			}
		case m, ok := <-c2:
			if !ok {
				open[2] = false
			} else {
				heads[2] = &m
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// earlier orders two messages by timestamp, then merge priority.
func earlier(a, b *models.AgentMessage) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Role.MergePriority() < b.Role.MergePriority()
}
