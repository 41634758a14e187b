package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manuscriptlab/palimpsest/pkg/agent"
	"github.com/manuscriptlab/palimpsest/pkg/budget"
	"github.com/manuscriptlab/palimpsest/pkg/cache"
	"github.com/manuscriptlab/palimpsest/pkg/enhance"
	"github.com/manuscriptlab/palimpsest/pkg/invoker"
	"github.com/manuscriptlab/palimpsest/pkg/models"
	"github.com/manuscriptlab/palimpsest/pkg/orchestrator"
	"github.com/manuscriptlab/palimpsest/pkg/reference"
)

// blockingLLM answers with text, optionally holding every call until
// release is closed.
type blockingLLM struct {
	text    string
	release chan struct{} // nil means answer immediately
}

func (s *blockingLLM) Invoke(ctx context.Context, _ invoker.Request) (*invoker.Response, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &invoker.Response{Text: s.text, InputTokens: 10, OutputTokens: 20}, nil
}

var pngImage = append(
	[]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a},
	[]byte("the Nehanda trial proceedings, 1898")...,
)

func newTestService(t *testing.T, llm invoker.Client) *RestorationService {
	t.Helper()
	ref := reference.Builtin()
	params := func(r models.Role) agent.Params {
		return agent.DefaultParams(r, "vision-model", "text-model")
	}
	pipeline := orchestrator.New(
		agent.NewScanner(params(models.RoleScanner), llm, enhance.PassThrough{}),
		agent.NewLinguist(params(models.RoleLinguist), llm, ref),
		agent.NewHistorian(params(models.RoleHistorian), llm, ref),
		agent.NewValidator(params(models.RoleValidator), llm),
		agent.NewRepairAdvisor(params(models.RoleRepairAdvisor), llm, ref),
	)

	c, err := cache.New(8)
	require.NoError(t, err)
	return NewRestorationService(pipeline, c, budget.NewLedger(25), nil)
}

// collector is a SendFunc that records events.
type collector struct {
	mu     sync.Mutex
	events []models.StreamEvent
	failAt int // fail on the nth send (1-based); 0 disables
}

func (c *collector) send(ev models.StreamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	if c.failAt > 0 && len(c.events) >= c.failAt {
		return errors.New("client went away")
	}
	return nil
}

func (c *collector) all() []models.StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.StreamEvent(nil), c.events...)
}

func TestProcessRejectsInvalidImage(t *testing.T) {
	svc := newTestService(t, &blockingLLM{text: "ok"})

	tests := []struct {
		name  string
		image []byte
	}{
		{"empty payload", nil},
		{"unknown format", []byte("definitely not an image")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			col := &collector{}
			require.NoError(t, svc.Process(context.Background(), tt.image, col.send))

			events := col.all()
			require.Len(t, events, 1)
			assert.Equal(t, models.EventTypeComplete, events[0].Type)
			assert.NotEmpty(t, events[0].Error)
			assert.Nil(t, events[0].Result)
		})
	}
}

func TestProcessPrimaryStreamsThenCaches(t *testing.T) {
	svc := newTestService(t, &blockingLLM{text: "Nehanda appears in the record; none"})

	col := &collector{}
	require.NoError(t, svc.Process(context.Background(), pngImage, col.send))

	events := col.all()
	require.Greater(t, len(events), 10, "primary run must stream agent messages")

	terminal := events[len(events)-1]
	require.Equal(t, models.EventTypeComplete, terminal.Type)
	require.NotNil(t, terminal.Cached)
	assert.False(t, *terminal.Cached)
	require.NotNil(t, terminal.Result)

	for _, ev := range events[:len(events)-1] {
		assert.Empty(t, ev.Type, "only the terminal event carries a type")
		assert.True(t, ev.Role.Valid())
	}

	// Resubmission of identical bytes: one cached terminal event, nothing else.
	again := &collector{}
	require.NoError(t, svc.Process(context.Background(), pngImage, again.send))

	cachedEvents := again.all()
	require.Len(t, cachedEvents, 1)
	require.NotNil(t, cachedEvents[0].Cached)
	assert.True(t, *cachedEvents[0].Cached)
	assert.Equal(t, terminal.Result.OverallConfidence, cachedEvents[0].Result.OverallConfidence)
}

func TestProcessJoinReceivesTerminalOnly(t *testing.T) {
	release := make(chan struct{})
	svc := newTestService(t, &blockingLLM{text: "slow but fine; none", release: release})

	primary := &collector{}
	primaryDone := make(chan error, 1)
	go func() {
		primaryDone <- svc.Process(context.Background(), pngImage, primary.send)
	}()

	// Wait until the primary run is registered in-flight.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && svc.CacheStats().InFlight == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, svc.CacheStats().InFlight)

	joiner := &collector{}
	joinerDone := make(chan error, 1)
	go func() {
		joinerDone <- svc.Process(context.Background(), pngImage, joiner.send)
	}()

	close(release)
	require.NoError(t, <-primaryDone)
	require.NoError(t, <-joinerDone)

	joined := joiner.all()
	require.Len(t, joined, 1, "subscriber gets the terminal event only")
	assert.Equal(t, models.EventTypeComplete, joined[0].Type)
	require.NotNil(t, joined[0].Cached)
	assert.True(t, *joined[0].Cached)

	assert.Greater(t, len(primary.all()), 1, "primary sees the full stream")
	assert.Equal(t, uint64(1), svc.CacheStats().Joins)
}

func TestProcessClientDisconnectAbortsRun(t *testing.T) {
	svc := newTestService(t, &blockingLLM{text: "fine; none"})

	col := &collector{failAt: 3}
	err := svc.Process(context.Background(), pngImage, col.send)
	require.Error(t, err)

	for _, ev := range col.all() {
		assert.NotEqual(t, models.EventTypeComplete, ev.Type,
			"no terminal event after a client disconnect")
	}
	assert.Equal(t, 0, svc.CacheStats().InFlight)

	// The aborted flight left no entry behind; a resubmission re-runs.
	retry := &collector{}
	require.NoError(t, svc.Process(context.Background(), pngImage, retry.send))
	events := retry.all()
	require.NotEmpty(t, events)
	terminal := events[len(events)-1]
	require.Equal(t, models.EventTypeComplete, terminal.Type)
	require.NotNil(t, terminal.Cached)
	assert.False(t, *terminal.Cached, "retry is a fresh run, not a cache hit")
}

func TestTerminalEventForCompletedSubmission(t *testing.T) {
	svc := newTestService(t, &blockingLLM{text: "fine; none"})

	_, ok := svc.TerminalEvent("submission:" + cache.Hash(pngImage))
	assert.False(t, ok, "nothing completed yet")

	col := &collector{}
	require.NoError(t, svc.Process(context.Background(), pngImage, col.send))

	ev, ok := svc.TerminalEvent("submission:" + cache.Hash(pngImage))
	require.True(t, ok)
	assert.Equal(t, models.EventTypeComplete, ev.Type)
	require.NotNil(t, ev.Cached)
	assert.True(t, *ev.Cached)
}

func TestArchiveLookup(t *testing.T) {
	svc := newTestService(t, &blockingLLM{text: "fine; none"})

	_, err := svc.ArchiveLookup(cache.Hash(pngImage))
	assert.ErrorIs(t, err, ErrNotFound)

	col := &collector{}
	require.NoError(t, svc.Process(context.Background(), pngImage, col.send))

	result, err := svc.ArchiveLookup(cache.Hash(pngImage))
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestSetBudgetCap(t *testing.T) {
	svc := newTestService(t, &blockingLLM{text: "fine"})

	require.NoError(t, svc.SetBudgetCap(10))
	assert.Equal(t, 10.0, svc.BudgetSnapshot().CapUSD)

	err := svc.SetBudgetCap(0)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}
