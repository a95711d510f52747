package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nais/envdeploy/pkg/database"
	"github.com/nais/envdeploy/pkg/pipeline"
	"github.com/nais/envdeploy/pkg/telemetry"
)

// Storage operations must not be cut short when the client disconnects or the run is cancelled.
const storeTimeout = 10 * time.Second

type Runner interface {
	Run(ctx context.Context, request pipeline.Request, assertion string) *pipeline.Outcome
}

// Runs executes pipeline runs in the background and keeps track of the ones in flight.
type Runs struct {
	Dispatcher *pipeline.Dispatcher
	Runner     Runner
	Store      database.RunStore

	lock    sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRuns(dispatcher *pipeline.Dispatcher, runner Runner, store database.RunStore) *Runs {
	return &Runs{
		Dispatcher: dispatcher,
		Runner:     runner,
		Store:      store,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Submit validates the request and starts it in the background.
// Requests that would be skipped are not started, and VariantNone is returned.
func (r *Runs) Submit(ctx context.Context, request pipeline.Request, assertion string) (pipeline.Variant, pipeline.Request, error) {
	variant, req, err := r.Dispatcher.Dispatch(request)
	if err != nil || variant == pipeline.VariantNone {
		return variant, req, err
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	err = r.Store.WriteRun(storeCtx, database.Run{
		ID:          req.ID,
		Kind:        string(req.Kind),
		Variant:     string(variant),
		Repository:  req.Repository.FullName(),
		Ref:         req.Ref,
		SHA:         req.SHA,
		PullRequest: req.PullRequest,
		Environment: req.Environment,
		Version:     req.Version,
		Destroy:     req.DestroyAfterDeploy(),
		TraceID:     telemetry.TraceID(ctx),
		Created:     req.Time,
		State:       string(pipeline.StateDispatched),
	})
	if err != nil {
		return variant, req, err
	}

	// The run outlives the HTTP request, but keeps its trace.
	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))

	r.lock.Lock()
	r.cancels[req.ID] = runCancel
	r.lock.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.forget(req.ID)

		outcome := r.Runner.Run(runCtx, req, assertion)
		r.finish(outcome)
	}()

	return variant, req, nil
}

func (r *Runs) forget(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
}

func (r *Runs) finish(outcome *pipeline.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	result := database.RunResult{
		Finished: time.Now(),
		State:    string(outcome.State),
		Status:   string(outcome.Status),
		Partial:  outcome.Partial,
	}
	if outcome.Pointer != nil {
		result.Image = outcome.Pointer.Image
		result.URL = outcome.Pointer.URL
	}
	if outcome.Err != nil {
		result.ErrorKind = string(outcome.Err.Kind)
		result.ErrorStage = string(outcome.Err.Stage)
		result.ErrorMessage = string(outcome.Err.Kind)
		if outcome.Err.Err != nil {
			result.ErrorMessage = outcome.Err.Err.Error()
		}
		result.ErrorExitStatus = outcome.Err.ExitStatus
		result.ErrorHint = outcome.Err.Hint
		result.Applied = outcome.Err.Applied
		result.Unapplied = outcome.Err.Unapplied
	}

	err := r.Store.FinishRun(ctx, outcome.RunID, result)
	if err != nil {
		log.WithField("run_id", outcome.RunID).Errorf("Unable to store run outcome: %s", err)
	}
}

// Cancel interrupts a run in flight. It returns false if the run is not running.
func (r *Runs) Cancel(id string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	cancel, ok := r.cancels[id]
	if ok {
		log.WithField("run_id", id).Infof("Cancelling run")
		cancel()
	}
	return ok
}

func (r *Runs) InFlight(id string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, ok := r.cancels[id]
	return ok
}

// Shutdown cancels every run in flight and waits for them to finish.
func (r *Runs) Shutdown() {
	r.lock.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.lock.Unlock()
	r.wg.Wait()
}

// Drain waits for runs in flight to finish on their own, and cancels the rest when ctx expires.
func (r *Runs) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warnf("Runs still in flight after %s; cancelling them", ctx.Err())
		r.Shutdown()
	}
}

// Observer records every state transition in the run store.
func (r *Runs) Observer() pipeline.Observer {
	return pipeline.ObserverFunc(func(ctx context.Context, run *pipeline.Run, t pipeline.Transition) {
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()

		err := r.Store.WriteRunStatus(storeCtx, database.RunStatus{
			ID:      uuid.New().String(),
			RunID:   run.Request.ID,
			From:    string(t.From),
			To:      string(t.To),
			Message: t.Message,
			Created: t.Time,
		})
		if err != nil {
			log.WithField("run_id", run.Request.ID).Errorf("Unable to store state transition: %s", err)
		}
	})
}
