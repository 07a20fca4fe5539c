// Package orchestrator drives each fetch request through pacing, admission,
// context acquisition, navigation, classification and retry, and resolves it
// to exactly one outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchgate/internal/admission"
	"github.com/JakeFAU/fetchgate/internal/fetch"
	"github.com/JakeFAU/fetchgate/internal/metrics"
	"github.com/JakeFAU/fetchgate/internal/pacing"
	"github.com/JakeFAU/fetchgate/internal/pool"
	"github.com/JakeFAU/fetchgate/internal/progress"
	"github.com/JakeFAU/fetchgate/internal/retry"
	"github.com/JakeFAU/fetchgate/internal/stats"
)

const (
	defaultNavTimeout = 30 * time.Second
	rotationTimeout   = 15 * time.Second
)

var errShuttingDown = errors.New("orchestrator shutting down")

// Classifier maps a navigation result to a verdict.
type Classifier interface {
	Classify(raw fetch.RawResult) fetch.Classification
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Deps are the collaborators an Orchestrator coordinates. Emitter, Clock,
// NavTimeout and RunID are optional.
type Deps struct {
	Gate       *admission.Gate
	Pacer      *pacing.Controller
	Pool       *pool.Pool
	Browser    fetch.Browser
	Classifier Classifier
	Policy     *retry.Policy
	Stats      *stats.Recorder
	Emitter    progress.Emitter
	Clock      Clock
	// NavTimeout bounds one navigation.
	NavTimeout time.Duration
	// RunID tags progress events; a UUIDv7 is generated when zero.
	RunID uuid.UUID
}

func (d Deps) validate() error {
	switch {
	case d.Gate == nil:
		return errors.New("admission gate is required")
	case d.Pacer == nil:
		return errors.New("pacing controller is required")
	case d.Pool == nil:
		return errors.New("context pool is required")
	case d.Browser == nil:
		return errors.New("browser is required")
	case d.Classifier == nil:
		return errors.New("classifier is required")
	case d.Policy == nil:
		return errors.New("retry policy is required")
	case d.Stats == nil:
		return errors.New("stats recorder is required")
	}
	return nil
}

// Report is the result of Run: outcomes in input order and the statistics
// snapshot taken once every request resolved.
type Report struct {
	RunID    uuid.UUID
	Outcomes []fetch.Outcome
	Stats    stats.Snapshot
}

// Orchestrator is the fetch façade. It is safe for concurrent use.
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger
	runID  [16]byte

	seq atomic.Uint64

	// stopping is cancelled when shutdown begins and aborts every wait.
	stopping  context.Context
	stopWaits context.CancelFunc
	// aborting is cancelled when the grace period ends and aborts navigations.
	aborting  context.Context
	abortNavs context.CancelFunc

	shutdownOnce sync.Once
	closed       atomic.Bool
}

// New wires an Orchestrator.
func New(deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.NavTimeout <= 0 {
		deps.NavTimeout = defaultNavTimeout
	}
	if deps.RunID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate run id: %w", err)
		}
		deps.RunID = id
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stopping, stopWaits := context.WithCancel(context.Background())
	aborting, abortNavs := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:      deps,
		logger:    logger.Named("orchestrator"),
		runID:     progress.UUIDToBytes(deps.RunID),
		stopping:  stopping,
		stopWaits: stopWaits,
		aborting:  aborting,
		abortNavs: abortNavs,
	}, nil
}

// RunID identifies this orchestrator's progress events.
func (o *Orchestrator) RunID() uuid.UUID {
	return uuid.UUID(o.runID)
}

// Stats returns a point-in-time statistics snapshot.
func (o *Orchestrator) Stats() stats.Snapshot {
	return o.deps.Stats.Snapshot()
}

// ShuttingDown reports whether Shutdown has been called.
func (o *Orchestrator) ShuttingDown() bool {
	return o.closed.Load()
}

// Fetch resolves req to an outcome. Per-request failures are reported in the
// outcome, never as a separate error.
func (o *Orchestrator) Fetch(ctx context.Context, req fetch.Request) fetch.Outcome {
	if req.Seq == 0 {
		req.Seq = o.seq.Add(1)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	o.deps.Stats.Submitted()
	started := o.deps.Clock.Now()

	outcome := o.resolve(ctx, req)
	outcome.Request = req
	outcome.Attempts = len(outcome.History)
	outcome.Duration = o.deps.Clock.Now().Sub(started)

	o.deps.Stats.Finished(outcome.Kind, outcome.Duration)
	o.emitOutcome(outcome)
	return outcome
}

// Run fetches every request concurrently and returns once all resolved.
// Sequence numbers follow input order so admission is FIFO by submission.
func (o *Orchestrator) Run(ctx context.Context, reqs []fetch.Request) Report {
	o.emit(progress.Event{Stage: progress.StageRunStart, Note: fmt.Sprintf("%d requests", len(reqs))})

	stamped := make([]fetch.Request, len(reqs))
	for i, req := range reqs {
		if req.Seq == 0 {
			req.Seq = o.seq.Add(1)
		}
		stamped[i] = req
	}

	outcomes := make([]fetch.Outcome, len(stamped))
	var wg sync.WaitGroup
	for i, req := range stamped {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = o.Fetch(ctx, req)
		}()
	}
	wg.Wait()

	snap := o.Stats()
	o.emit(progress.Event{Stage: progress.StageRunDone, Note: snap.String()})
	o.logger.Info("run finished",
		zap.Int64("succeeded", snap.Succeeded),
		zap.Int64("failed", snap.Failed),
		zap.Int64("challenged", snap.Challenged),
		zap.Int64("cancelled", snap.Cancelled),
		zap.Int64("retried", snap.Retried),
	)
	return Report{RunID: o.RunID(), Outcomes: outcomes, Stats: snap}
}

// Shutdown stops admitting work. Queued and waiting requests resolve as
// Cancelled at once; in-flight attempts run until ctx is done, after which
// navigations are aborted and remaining contexts force-closed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.closed.Store(true)
		o.logger.Info("shutdown started")
		o.deps.Gate.Close()
		o.stopWaits()
	})
	stop := context.AfterFunc(ctx, o.abortNavs)
	defer stop()
	if err := o.deps.Pool.Close(ctx); err != nil {
		o.abortNavs()
		return fmt.Errorf("shutdown: %w", err)
	}
	o.logger.Info("shutdown complete")
	return nil
}

// resolve runs the attempt loop. The returned outcome lacks Request,
// Attempts and Duration, which Fetch fills in.
func (o *Orchestrator) resolve(ctx context.Context, req fetch.Request) fetch.Outcome {
	logger := o.logger.With(zap.String("request_id", req.ID), zap.String("url", req.Target))

	waitCtx, cancelWaits := context.WithCancel(ctx)
	defer cancelWaits()
	stopWaits := context.AfterFunc(o.stopping, cancelWaits)
	defer stopWaits()

	var (
		history []fetch.Attempt
		avoid   string
	)
	for attempt := 1; ; attempt++ {
		if o.closed.Load() {
			return cancelled(history, errShuttingDown)
		}
		if err := waitCtx.Err(); err != nil {
			return cancelled(history, err)
		}

		delay, err := o.deps.Pacer.Wait(waitCtx, req)
		if err != nil {
			return cancelled(history, err)
		}
		o.deps.Stats.Paced(delay)

		slot, err := o.deps.Gate.Admit(waitCtx, req.Seq)
		if err != nil {
			return cancelled(history, err)
		}
		ec, err := o.deps.Pool.Acquire(waitCtx, avoid)
		if err != nil {
			slot.Release()
			if errors.Is(err, pool.ErrExhausted) {
				return fetch.Outcome{Kind: fetch.KindFailed, Err: err, History: history}
			}
			return cancelled(history, err)
		}

		record, raw, class, interrupted := o.attempt(ctx, req, attempt, ec)
		slot.Release()

		rotateCtx, cancelRotate := context.WithTimeout(context.WithoutCancel(ctx), rotationTimeout)
		o.deps.Pool.Release(rotateCtx, ec)
		cancelRotate()

		// A navigation cut short by shutdown or the caller says nothing
		// about the target.
		if interrupted != nil {
			return cancelled(append(history, record), interrupted)
		}

		action := o.deps.Policy.Next(attempt, class)
		if !action.Retry {
			history = append(history, record)
			out := fetch.Outcome{Kind: action.Final, Err: action.Err, History: history}
			if action.Final == fetch.KindSuccess {
				out.Payload = &raw
			}
			logger.Debug("request resolved",
				zap.String("kind", out.Kind.String()),
				zap.Int("attempts", attempt),
			)
			return out
		}

		if err := waitCtx.Err(); err != nil {
			return cancelled(append(history, record), err)
		}
		record.ForcedRotation = action.RotateContext
		history = append(history, record)

		o.deps.Stats.Retried(action.Backoff)
		avoid = ""
		if action.RotateContext {
			avoid = ec.ID()
		}
		logger.Debug("retrying request",
			zap.Int("attempt", attempt),
			zap.String("verdict", class.Verdict.String()),
			zap.String("reason", class.Reason),
			zap.Duration("backoff", action.Backoff),
			zap.Bool("rotate", action.RotateContext),
		)
		if err := pacing.Sleep(waitCtx, action.Backoff); err != nil {
			return cancelled(history, err)
		}
	}
}

// attempt performs one navigation on ec and classifies it. interrupted is
// non-nil when the navigation failed because ctx ended or shutdown aborted it.
func (o *Orchestrator) attempt(
	ctx context.Context,
	req fetch.Request,
	number int,
	ec *pool.Context,
) (record fetch.Attempt, raw fetch.RawResult, class fetch.Classification, interrupted error) {
	record = fetch.Attempt{
		Number:    number,
		ContextID: ec.ID(),
		Started:   o.deps.Clock.Now(),
	}
	o.deps.Stats.AttemptStarted()
	o.emit(progress.Event{
		Stage:     progress.StageAttemptStart,
		RequestID: req.ID,
		Site:      metrics.SanitizeSite(req.Target),
		URL:       req.Target,
		Attempt:   number,
		ContextID: ec.ID(),
	})

	navCtx, cancel := context.WithTimeout(ctx, o.deps.NavTimeout)
	stop := context.AfterFunc(o.aborting, cancel)
	raw, err := o.deps.Browser.Navigate(navCtx, ec.Handle(), req)
	stop()
	cancel()
	if err != nil {
		raw = fetch.RawResult{URL: req.Target, Err: fmt.Errorf("navigate on %s: %w", ec.ID(), err)}
	}
	if raw.Err != nil {
		switch {
		case ctx.Err() != nil:
			interrupted = ctx.Err()
		case o.aborting.Err() != nil:
			interrupted = errShuttingDown
		}
	}

	class = o.deps.Classifier.Classify(raw)
	record.Finished = o.deps.Clock.Now()
	record.Verdict = class.Verdict
	record.Reason = class.Reason
	record.StatusCode = raw.StatusCode
	o.deps.Stats.AttemptFinished(record.Duration())
	metrics.ObserveVerdict(req.Target, class.Verdict.String())

	o.emit(progress.Event{
		Stage:       progress.StageAttemptDone,
		RequestID:   req.ID,
		Site:        metrics.SanitizeSite(req.Target),
		URL:         req.Target,
		Attempt:     number,
		ContextID:   ec.ID(),
		Verdict:     class.Verdict.String(),
		StatusCode:  raw.StatusCode,
		StatusClass: progress.ClassifyStatus(raw.StatusCode),
		Bytes:       int64(len(raw.Body)),
		Dur:         record.Duration(),
		Note:        class.Reason,
	})
	return record, raw, class, interrupted
}

func cancelled(history []fetch.Attempt, cause error) fetch.Outcome {
	err := cause
	if !errors.Is(err, fetch.ErrCancelled) {
		err = fmt.Errorf("%w: %w", fetch.ErrCancelled, cause)
	}
	return fetch.Outcome{Kind: fetch.KindCancelled, Err: err, History: history}
}

func (o *Orchestrator) emitOutcome(out fetch.Outcome) {
	evt := progress.Event{
		Stage:     progress.StageOutcome,
		RequestID: out.Request.ID,
		Site:      metrics.SanitizeSite(out.Request.Target),
		URL:       out.Request.Target,
		Attempt:   out.Attempts,
		Kind:      out.Kind.String(),
		Dur:       out.Duration,
	}
	if n := len(out.History); n > 0 {
		last := out.History[n-1]
		evt.ContextID = last.ContextID
		evt.StatusCode = last.StatusCode
		evt.StatusClass = progress.ClassifyStatus(last.StatusCode)
	}
	if out.Payload != nil {
		evt.Bytes = int64(len(out.Payload.Body))
	}
	if out.Err != nil {
		evt.Note = out.Err.Error()
	}
	o.emit(evt)
}

func (o *Orchestrator) emit(evt progress.Event) {
	evt.RunID = o.runID
	evt.TS = o.deps.Clock.Now()
	o.deps.Emitter.Emit(evt)
}
