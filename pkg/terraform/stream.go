package terraform

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nais/envdeploy/pkg/pipeline"
)

// Machine-readable UI message types emitted by `terraform apply -json`.
const (
	messageApplyComplete = "apply_complete"
	messageApplyErrored  = "apply_errored"
	messageDiagnostic    = "diagnostic"
)

type message struct {
	Level   string `json:"@level"`
	Message string `json:"@message"`
	Type    string `json:"type"`
	Hook    struct {
		Resource struct {
			Addr string `json:"addr"`
		} `json:"resource"`
		Action string `json:"action"`
	} `json:"hook"`
	Diagnostic struct {
		Severity string `json:"severity"`
		Summary  string `json:"summary"`
		Detail   string `json:"detail"`
	} `json:"diagnostic"`
}

// Stream consumes the JSON lines of an apply or destroy and tracks resource progress.
type Stream struct {
	lock        sync.Mutex
	partial     []byte
	applied     []string
	errored     []string
	diagnostics []string
	stateLocked bool
}

func (s *Stream) Write(p []byte) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		s.handle(s.partial[:i])
		s.partial = s.partial[i+1:]
	}
	return len(p), nil
}

func (s *Stream) handle(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	msg := &message{}
	if err := json.Unmarshal(line, msg); err != nil {
		log.Debugf("terraform: %s", line)
		return
	}

	switch msg.Type {
	case messageApplyComplete:
		s.applied = append(s.applied, msg.Hook.Resource.Addr)
		log.Infof("terraform: %s", msg.Message)
	case messageApplyErrored:
		s.errored = append(s.errored, msg.Hook.Resource.Addr)
		log.Errorf("terraform: %s", msg.Message)
	case messageDiagnostic:
		if msg.Diagnostic.Severity == "error" {
			text := msg.Diagnostic.Summary
			if len(msg.Diagnostic.Detail) > 0 {
				text += ": " + msg.Diagnostic.Detail
			}
			s.diagnostics = append(s.diagnostics, text)
			if strings.Contains(msg.Diagnostic.Summary, stateLockMarker) {
				s.stateLocked = true
			}
		}
	default:
		log.Debugf("terraform: %s", msg.Message)
	}
}

// Result reports the resources that completed. Addresses in planned that did not complete are unapplied.
func (s *Stream) Result(planned []string) *pipeline.ApplyResult {
	s.lock.Lock()
	defer s.lock.Unlock()

	applied := make(map[string]bool, len(s.applied))
	for _, addr := range s.applied {
		applied[addr] = true
	}

	unapplied := make(map[string]bool)
	for _, addr := range planned {
		if !applied[addr] {
			unapplied[addr] = true
		}
	}
	for _, addr := range s.errored {
		if !applied[addr] {
			unapplied[addr] = true
		}
	}

	return &pipeline.ApplyResult{
		Applied:   sortedKeys(applied),
		Unapplied: sortedKeys(unapplied),
	}
}

func (s *Stream) Diagnostics() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return strings.Join(s.diagnostics, "\n")
}

func (s *Stream) StateLocked() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stateLocked
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortChanges(changes []pipeline.Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Address < changes[j].Address
	})
}
