package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manuscriptlab/palimpsest/pkg/models"
)

func stamped(role models.Role, text string, at time.Time) models.AgentMessage {
	return models.AgentMessage{Role: role, Text: text, Timestamp: at}
}

// feed preloads a closed channel with stamped messages.
func feed(msgs ...models.AgentMessage) <-chan models.AgentMessage {
	ch := make(chan models.AgentMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return ch
}

func collectMerge(t *testing.T, streams [3]<-chan models.AgentMessage) []models.AgentMessage {
	t.Helper()
	out := make(chan models.AgentMessage, 64)
	require.NoError(t, mergeParallel(context.Background(), out, streams, models.RoleScanner))
	close(out)

	var got []models.AgentMessage
	for m := range out {
		got = append(got, m)
	}
	return got
}

func TestMergeOrdersByTimestamp(t *testing.T) {
	t0 := time.Now()
	streams := [3]<-chan models.AgentMessage{
		feed(
			stamped(models.RoleLinguist, "l1", t0.Add(10*time.Millisecond)),
			stamped(models.RoleLinguist, "l2", t0.Add(40*time.Millisecond)),
		),
		feed(
			stamped(models.RoleHistorian, "h1", t0.Add(20*time.Millisecond)),
		),
		feed(
			stamped(models.RoleValidator, "v1", t0.Add(5*time.Millisecond)),
			stamped(models.RoleValidator, "v2", t0.Add(30*time.Millisecond)),
		),
	}

	got := collectMerge(t, streams)
	require.Len(t, got, 5)

	var texts []string
	for _, m := range got {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"v1", "l1", "h1", "v2", "l2"}, texts)
}

func TestMergeTieBreaksByRolePriority(t *testing.T) {
	at := time.Now()
	streams := [3]<-chan models.AgentMessage{
		feed(stamped(models.RoleLinguist, "l", at)),
		feed(stamped(models.RoleHistorian, "h", at)),
		feed(stamped(models.RoleValidator, "v", at)),
	}

	got := collectMerge(t, streams)
	require.Len(t, got, 3)
	assert.Equal(t, models.RoleLinguist, got[0].Role)
	assert.Equal(t, models.RoleHistorian, got[1].Role)
	assert.Equal(t, models.RoleValidator, got[2].Role)
}

func TestMergeMarksRoleChanges(t *testing.T) {
	t0 := time.Now()
	streams := [3]<-chan models.AgentMessage{
		feed(
			stamped(models.RoleLinguist, "l1", t0),
			stamped(models.RoleLinguist, "l2", t0.Add(1*time.Millisecond)),
		),
		feed(stamped(models.RoleHistorian, "h1", t0.Add(2*time.Millisecond))),
		feed(stamped(models.RoleValidator, "v1", t0.Add(3*time.Millisecond))),
	}

	got := collectMerge(t, streams)
	require.Len(t, got, 4)

	// First message switches away from the scanner, so it is marked; a
	// same-role follow-up is not.
	assert.True(t, got[0].Collaboration)
	assert.False(t, got[1].Collaboration)
	assert.True(t, got[2].Collaboration)
	assert.True(t, got[3].Collaboration)
}

func TestMergeDrainsLaggingStream(t *testing.T) {
	t0 := time.Now()
	slow := make(chan models.AgentMessage, 1)
	streams := [3]<-chan models.AgentMessage{
		feed(stamped(models.RoleLinguist, "l1", t0)),
		feed(stamped(models.RoleHistorian, "h1", t0.Add(1*time.Millisecond))),
		slow,
	}

	done := make(chan []models.AgentMessage)
	out := make(chan models.AgentMessage, 64)
	go func() {
		err := mergeParallel(context.Background(), out, streams, models.RoleScanner)
		assert.NoError(t, err)
		close(out)
		var got []models.AgentMessage
		for m := range out {
			got = append(got, m)
		}
		done <- got
	}()

	// The validator delivers long after the others have closed; the merge
	// must keep waiting rather than terminate early.
	slow <- stamped(models.RoleValidator, "v-late", t0.Add(50*time.Millisecond))
	close(slow)

	got := <-done
	require.Len(t, got, 3)
	assert.Equal(t, "v-late", got[len(got)-1].Text)
}

func TestMergeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stuck := make(chan models.AgentMessage)
	streams := [3]<-chan models.AgentMessage{stuck, stuck, stuck}
	out := make(chan models.AgentMessage)

	err := mergeParallel(ctx, out, streams, models.RoleScanner)
	assert.ErrorIs(t, err, context.Canceled)
}
