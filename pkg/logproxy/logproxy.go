// Package logproxy redirects run log links to the Cloud Logging console.
//
// Links are minted when a run starts, long before anyone clicks them, so they
// carry only the run ID, environment and start time. The redirect resolves the
// environment's project and service at click time.
package logproxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nais/envdeploy/pkg/environment"
)

const (
	consoleFormat = "https://console.cloud.google.com/logs/query;query=%s;timeRange=%s%%2F%s?authuser=0&project=%s"

	// Window of logs shown around the start of the run.
	before = time.Hour
	after  = 3 * time.Hour
)

type Environments interface {
	Environment(name string) (*environment.Environment, error)
}

func MakeURL(baseURL, runID, environment string, timestamp time.Time) string {
	return fmt.Sprintf("%s/logs?run_id=%s&environment=%s&ts=%d", baseURL, runID, url.QueryEscape(environment), timestamp.Unix())
}

// ConsoleURL links to the Cloud Run logs of the environment's service.
func ConsoleURL(env *environment.Environment, ts time.Time) string {
	query := fmt.Sprintf(`resource.type="cloud_run_revision" resource.labels.service_name="%s" resource.labels.location="%s"`, env.Service, env.Region)
	return fmt.Sprintf(consoleFormat,
		url.PathEscape(query),
		ts.Add(-before).UTC().Format(time.RFC3339),
		ts.Add(after).UTC().Format(time.RFC3339),
		url.QueryEscape(env.Project),
	)
}

func MakeHandler(environments Environments) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		badrequest := func(err error) {
			w.WriteHeader(http.StatusBadRequest)
			log.Error(err)
			_, err = w.Write([]byte(err.Error() + "\n"))
			if err != nil {
				log.Errorf("unable to answer http request: %s", err)
			}
		}
		runID := r.URL.Query().Get("run_id")
		timestamp := r.URL.Query().Get("ts")
		name := r.URL.Query().Get("environment")

		if _, err := uuid.Parse(runID); err != nil {
			badrequest(fmt.Errorf("run_id '%s' is not a well-formed UUID: %w", runID, err))
			return
		}

		unixtime, err := strconv.Atoi(timestamp)
		if err != nil {
			badrequest(fmt.Errorf("ts '%s' is not a well-formed unix timestamp: %s", timestamp, err))
			return
		}

		env, err := environments.Environment(name)
		if err != nil {
			badrequest(fmt.Errorf("environment '%s': %w", name, err))
			return
		}

		http.Redirect(w, r, ConsoleURL(env, time.Unix(int64(unixtime), 0)), http.StatusTemporaryRedirect)
	}
}
