// Package services holds the domain logic between the HTTP surface and
// the pipeline: submission dedup, stream fan-out, budget administration,
// and archive lookups.
package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/manuscriptlab/palimpsest/pkg/agent"
	"github.com/manuscriptlab/palimpsest/pkg/budget"
	"github.com/manuscriptlab/palimpsest/pkg/cache"
	"github.com/manuscriptlab/palimpsest/pkg/enhance"
	"github.com/manuscriptlab/palimpsest/pkg/events"
	"github.com/manuscriptlab/palimpsest/pkg/models"
	"github.com/manuscriptlab/palimpsest/pkg/orchestrator"
)

// streamBuffer bounds the pipeline output channel. A client that stops
// reading eventually blocks the agents at their next emit.
const streamBuffer = 32

// SendFunc delivers one stream event to the submitting client. A non-nil
// error means the client is gone and the run should be cancelled.
type SendFunc func(models.StreamEvent) error

// RestorationService coordinates submissions: validation, content-hash
// dedup, pipeline execution, and delivery of the event stream.
type RestorationService struct {
	pipeline *orchestrator.Pipeline
	cache    *cache.Cache
	ledger   *budget.Ledger
	hub      *events.Hub // nil disables observer fan-out
}

// NewRestorationService creates the service.
func NewRestorationService(pipeline *orchestrator.Pipeline, c *cache.Cache, ledger *budget.Ledger, hub *events.Hub) *RestorationService {
	if pipeline == nil {
		panic("NewRestorationService: pipeline must not be nil")
	}
	if c == nil {
		panic("NewRestorationService: cache must not be nil")
	}
	if ledger == nil {
		panic("NewRestorationService: ledger must not be nil")
	}
	return &RestorationService{pipeline: pipeline, cache: c, ledger: ledger, hub: hub}
}

// ValidateImage rejects submissions the pipeline cannot process.
func ValidateImage(image []byte) error {
	if len(image) == 0 {
		return NewValidationError("image", "image payload is required")
	}
	if _, ok := enhance.DetectFormat(image); !ok {
		return NewValidationError("image", "unsupported image format")
	}
	return nil
}

// Process handles one submission end to end, delivering every stream
// event through send. Identical concurrent submissions share a single
// pipeline run; identical completed submissions are answered from the
// cache with one terminal event.
//
// The returned error reports why the stream ended early (client gone,
// run cancelled). A completed stream, including one that ended in an
// error completion event, returns nil.
func (s *RestorationService) Process(ctx context.Context, image []byte, send SendFunc) error {
	if err := ValidateImage(image); err != nil {
		return send(models.ErrorCompletionEvent(err.Error()))
	}

	hash := cache.Hash(image)
	outcome := s.cache.GetOrStart(hash)

	switch {
	case outcome.Result != nil:
		return send(models.CompletionEvent(outcome.Result, true))

	case !outcome.Primary:
		// Joined an in-flight run: wait for its terminal result only.
		result, err := outcome.Flight.Wait(ctx)
		if err != nil {
			if errors.Is(err, cache.ErrFlightAborted) {
				return send(models.ErrorCompletionEvent("shared pipeline run aborted; resubmit to retry"))
			}
			return err
		}
		return send(models.CompletionEvent(result, true))

	default:
		return s.runPrimary(ctx, hash, image, outcome.Flight, send)
	}
}

// runPrimary executes the pipeline for a fresh submission, streaming
// every agent message to the client and any observers.
func (s *RestorationService) runPrimary(ctx context.Context, hash string, image []byte, flight *cache.Flight, send SendFunc) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	analysis := agent.NewAnalysis(hash, image)
	out := make(chan models.AgentMessage, streamBuffer)

	type runOutcome struct {
		result *models.ResurrectionResult
		err    error
	}
	done := make(chan runOutcome, 1)
	go func() {
		result, err := s.pipeline.Execute(runCtx, analysis, out)
		close(out)
		done <- runOutcome{result, err}
	}()

	channel := events.SubmissionChannel(hash)
	for m := range out {
		ev := models.EventFromMessage(m)
		s.broadcast(channel, ev)
		if err := send(ev); err != nil {
			// Client disconnected. Cancel the run, drain the stream so the
			// pipeline goroutine can finish, and abort the flight so a
			// resubmission retries. No terminal event.
			cancel()
			for range out {
			}
			<-done
			flight.Abort(err)
			slog.Info("Submission stream closed by client", "hash", hash)
			return err
		}
	}

	run := <-done
	if run.err != nil {
		flight.Abort(run.err)
		if runCtx.Err() != nil {
			return run.err
		}
		slog.Error("Pipeline run failed", "hash", hash, "error", run.err)
		ev := models.ErrorCompletionEvent("internal pipeline failure")
		s.broadcast(channel, ev)
		return send(ev)
	}

	flight.Complete(run.result)
	terminal := models.CompletionEvent(run.result, false)
	s.broadcast(channel, terminal)
	return send(terminal)
}

func (s *RestorationService) broadcast(channel string, ev models.StreamEvent) {
	if s.hub != nil {
		s.hub.Broadcast(channel, ev)
	}
}

// TerminalEvent implements events.CatchupFunc: observers subscribing to
// an already-completed submission get its terminal event immediately.
func (s *RestorationService) TerminalEvent(channel string) (models.StreamEvent, bool) {
	hash := strings.TrimPrefix(channel, "submission:")
	if result, ok := s.cache.Lookup(hash); ok {
		return models.CompletionEvent(result, true), true
	}
	return models.StreamEvent{}, false
}

// ArchiveLookup returns the completed result for a content hash.
func (s *RestorationService) ArchiveLookup(hash string) (*models.ResurrectionResult, error) {
	if result, ok := s.cache.Lookup(hash); ok {
		return result, nil
	}
	return nil, ErrNotFound
}

// BudgetSnapshot returns the current spend state.
func (s *RestorationService) BudgetSnapshot() budget.Snapshot {
	return s.ledger.Snapshot()
}

// SetBudgetCap updates the daily spend cap.
func (s *RestorationService) SetBudgetCap(capUSD float64) error {
	if capUSD <= 0 {
		return NewValidationError("daily_cap_usd", "cap must be positive")
	}
	return s.ledger.SetCap(capUSD)
}

// CacheStats returns the dedup cache counters.
func (s *RestorationService) CacheStats() cache.Stats {
	return s.cache.Stats()
}
