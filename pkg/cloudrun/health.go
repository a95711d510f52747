package cloudrun

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/nais/envdeploy/pkg/pipeline"
)

const (
	DefaultHealthTimeout = 5 * time.Minute
	requestTimeout       = 10 * time.Second
)

// HealthChecker polls a URL until it responds with a 2xx status code.
type HealthChecker struct {
	Client          *http.Client
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

func NewHealthChecker(timeout time.Duration) *HealthChecker {
	return &HealthChecker{
		Client:          &http.Client{Timeout: requestTimeout},
		InitialInterval: time.Second,
		MaxElapsedTime:  timeout,
	}
}

var _ pipeline.HealthChecker = &HealthChecker{}

func (h *HealthChecker) Check(ctx context.Context, url string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.InitialInterval
	b.MaxElapsedTime = h.MaxElapsedTime

	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := h.Client.Do(req)
		if err != nil {
			log.Debugf("Health check attempt %d: %s", attempt, err)
			return err
		}
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			log.Debugf("Health check attempt %d: %s", attempt, resp.Status)
			return fmt.Errorf("unhealthy: %s", resp.Status)
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	if err != nil {
		return pipeline.ErrorWrap(pipeline.KindHealthCheck, fmt.Errorf("%s did not become healthy after %d attempts: %w", url, attempt, err))
	}

	log.Infof("%s is healthy", url)
	return nil
}
