package envclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nais/envdeploy/pkg/pipeline"
	"github.com/nais/envdeploy/pkg/server"
)

var ErrRunNotFound = errors.New("run not found on server")

// Remote submits runs to an envdeployd server and follows them until they finish.
type Remote struct {
	URL          string
	OperatorKey  string
	PollInterval time.Duration
	Client       *http.Client
}

func NewRemote(cfg *Config) *Remote {
	return &Remote{
		URL:          strings.TrimSuffix(cfg.ServerURL, "/"),
		OperatorKey:  cfg.OperatorKey,
		PollInterval: cfg.PollInterval,
		Client:       http.DefaultClient,
	}
}

func (r *Remote) Submit(ctx context.Context, request pipeline.Request, assertion string) (*server.SubmitResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL+"/api/v1/runs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("content-type", "application/json")
	httpRequest.Header.Set("authorization", "Bearer "+assertion)

	response := &server.SubmitResponse{}
	err = r.do(httpRequest, response, http.StatusOK, http.StatusAccepted)
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (r *Remote) Get(ctx context.Context, id string) (*server.RunResponse, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL+"/api/v1/runs/"+id, nil)
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("x-psk", r.OperatorKey)

	response := &server.RunResponse{}
	err = r.do(httpRequest, response, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return response, nil
}

// Wait polls the server until the run has finished, and returns it as an outcome.
// Transient errors are logged and retried until ctx expires.
func (r *Remote) Wait(ctx context.Context, id string) (*pipeline.Outcome, error) {
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	var seen int
	for {
		run, err := r.Get(ctx, id)
		switch {
		case errors.Is(err, ErrRunNotFound):
			return nil, err
		case err != nil:
			log.Warnf("Unable to get status of run %s: %s", id, err)
		default:
			for _, status := range run.History[min(seen, len(run.History)):] {
				log.Infof("State %s -> %s %s", status.From, status.To, status.Message)
			}
			seen = len(run.History)
			if run.Finished != nil {
				return remoteOutcome(run), nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, pipeline.ErrorWrap(pipeline.KindCancelled, fmt.Errorf("gave up waiting for run %s: %w", id, ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (r *Remote) do(request *http.Request, target any, expected ...int) error {
	response, err := r.Client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	for _, code := range expected {
		if response.StatusCode == code {
			return json.NewDecoder(response.Body).Decode(target)
		}
	}

	if response.StatusCode == http.StatusNotFound {
		return ErrRunNotFound
	}

	errorResponse := &server.ErrorResponse{}
	data, _ := io.ReadAll(response.Body)
	if json.Unmarshal(data, errorResponse) != nil || len(errorResponse.Message) == 0 {
		errorResponse.Message = strings.TrimSpace(string(data))
	}
	err = fmt.Errorf("%s %s: %s: %s", request.Method, request.URL.Path, response.Status, errorResponse.Message)
	if len(errorResponse.Kind) > 0 {
		return pipeline.ErrorWrap(pipeline.Kind(errorResponse.Kind), err)
	}
	return err
}

func remoteOutcome(run *server.RunResponse) *pipeline.Outcome {
	outcome := &pipeline.Outcome{
		RunID:       run.ID,
		Variant:     pipeline.Variant(run.Variant),
		Environment: run.Environment,
		State:       pipeline.State(run.State),
		Partial:     run.Partial,
		Status:      pipeline.StatusFailed,
	}
	if run.Status != nil {
		outcome.Status = pipeline.OutcomeStatus(*run.Status)
	}
	if run.Image != nil || run.URL != nil {
		outcome.Pointer = &pipeline.Pointer{}
		if run.Image != nil {
			outcome.Pointer.Image = *run.Image
		}
		if run.URL != nil {
			outcome.Pointer.URL = *run.URL
		}
	}
	for _, status := range run.History {
		outcome.History = append(outcome.History, pipeline.Transition{
			From:    pipeline.State(status.From),
			To:      pipeline.State(status.To),
			Message: status.Message,
			Time:    status.Created,
		})
	}
	if outcome.Status == pipeline.StatusFailed {
		outcome.Err = &pipeline.Error{
			Kind:       pipeline.KindInternal,
			ExitStatus: -1,
			Partial:    run.Partial,
			Err:        errors.New("run failed on server"),
		}
		if run.ErrorKind != nil {
			outcome.Err.Kind = pipeline.Kind(*run.ErrorKind)
		}
		if run.ErrorStage != nil {
			outcome.Err.Stage = pipeline.Stage(*run.ErrorStage)
		}
		if run.ErrorMessage != nil {
			outcome.Err.Err = errors.New(*run.ErrorMessage)
		}
		if run.ErrorExitStatus != nil {
			outcome.Err.ExitStatus = *run.ErrorExitStatus
		}
		if run.ErrorHint != nil {
			outcome.Err.Hint = *run.ErrorHint
		}
		outcome.Err.Applied = run.Applied
		outcome.Err.Unapplied = run.Unapplied
	}
	return outcome
}
