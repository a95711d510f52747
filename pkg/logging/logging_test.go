package logging_test

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/nais/envdeploy/pkg/logging"
)

func TestActionsFormatter(t *testing.T) {
	formatter := &logging.ActionsFormatter{}
	ts := time.Date(2024, time.September, 11, 10, 26, 35, 0, time.UTC)

	for _, tt := range []struct {
		level    log.Level
		expected string
	}{
		{log.ErrorLevel, "::error::apply failed\n"},
		{log.WarnLevel, "::warning::apply failed\n"},
		{log.DebugLevel, "::debug::apply failed\n"},
		{log.InfoLevel, "[2024-09-11T10:26:35Z] apply failed\n"},
	} {
		out, err := formatter.Format(&log.Entry{Level: tt.level, Time: ts, Message: "apply failed"})
		assert.NoError(t, err)
		assert.Equal(t, tt.expected, string(out))
	}
}

func TestActionsFormatterFieldsAndLineBreaks(t *testing.T) {
	formatter := &logging.ActionsFormatter{}

	out, err := formatter.Format(&log.Entry{
		Level:   log.ErrorLevel,
		Message: "Pipeline failed: Error: Invalid reference\n\n  on main.tf line 3",
		Data: log.Fields{
			"stage":       "apply",
			"kind":        "ApplyError",
			"exit_status": 1,
		},
	})
	assert.NoError(t, err)
	assert.Equal(t, "::error::Pipeline failed: Error: Invalid reference%0A%0A  on main.tf line 3 exit_status=1 kind=ApplyError stage=apply\n", string(out))

	out, err = formatter.Format(&log.Entry{Level: log.WarnLevel, Message: "100% of quota used"})
	assert.NoError(t, err)
	assert.Equal(t, "::warning::100%25 of quota used\n", string(out))
}

func TestSetup(t *testing.T) {
	assert.NoError(t, logging.Setup("info", "json"))
	assert.NoError(t, logging.Setup("debug", "actions"))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.Error(t, logging.Setup("info", "xml"))
	assert.Error(t, logging.Setup("loud", "text"))
}
