package logging

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

func textFormatter() log.Formatter {
	return &log.TextFormatter{
		DisableTimestamp:       false,
		FullTimestamp:          true,
		TimestampFormat:        time.RFC3339Nano,
		DisableLevelTruncation: true,
	}
}

func jsonFormatter() log.Formatter {
	return &log.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	}
}

func Setup(level, format string) error {
	switch format {
	case "json":
		log.SetFormatter(jsonFormatter())
	case "text":
		log.SetFormatter(textFormatter())
	case "actions":
		log.SetFormatter(&ActionsFormatter{})
	default:
		return fmt.Errorf("log format '%s' is not recognized", format)
	}

	logLevel, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("while setting log level: %s", err)
	}
	log.SetLevel(logLevel)

	return nil
}

// ActionsFormatter emits GitHub Actions workflow commands for errors and warnings,
// so that they are annotated on the workflow run. Fields are appended as key=value pairs.
type ActionsFormatter struct{}

// Workflow command data ends at the first line break unless it is escaped.
var commandEscaper = strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A")

func (a *ActionsFormatter) Format(e *log.Entry) ([]byte, error) {
	line := e.Message
	for _, key := range slices.Sorted(maps.Keys(e.Data)) {
		line += fmt.Sprintf(" %s=%v", key, e.Data[key])
	}

	buf := &bytes.Buffer{}
	switch e.Level {
	case log.PanicLevel, log.FatalLevel, log.ErrorLevel:
		buf.WriteString("::error::")
		buf.WriteString(commandEscaper.Replace(line))
	case log.WarnLevel:
		buf.WriteString("::warning::")
		buf.WriteString(commandEscaper.Replace(line))
	case log.DebugLevel, log.TraceLevel:
		buf.WriteString("::debug::")
		buf.WriteString(commandEscaper.Replace(line))
	default:
		buf.WriteString("[")
		buf.WriteString(e.Time.Format(time.RFC3339Nano))
		buf.WriteString("] ")
		buf.WriteString(line)
	}
	buf.WriteRune('\n')
	return buf.Bytes(), nil
}
