// Package terraform plans and applies environment infrastructure with the Terraform CLI.
package terraform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/terraform-exec/tfexec"
	tfjson "github.com/hashicorp/terraform-json"
	log "github.com/sirupsen/logrus"

	"github.com/nais/envdeploy/pkg/pipeline"
)

const (
	DefaultExecPath = "terraform"
	PlanFile        = "envdeploy.tfplan"

	tokenEnv        = "GOOGLE_OAUTH_ACCESS_TOKEN"
	stateLockMarker = "Error acquiring the state lock"
	forceUnlockHint = "the Terraform state lock is held by another process; if it is stale, release it manually with 'terraform force-unlock <LOCK_ID>'"
)

// Terraform is the subset of *tfexec.Terraform used by the Runner.
type Terraform interface {
	SetEnv(env map[string]string) error
	Init(ctx context.Context, opts ...tfexec.InitOption) error
	FormatCheck(ctx context.Context, opts ...tfexec.FormatOption) (bool, []string, error)
	Validate(ctx context.Context) (*tfjson.ValidateOutput, error)
	Plan(ctx context.Context, opts ...tfexec.PlanOption) (bool, error)
	ShowPlanFile(ctx context.Context, planPath string, opts ...tfexec.ShowOption) (*tfjson.Plan, error)
	ShowPlanFileRaw(ctx context.Context, planPath string, opts ...tfexec.ShowOption) (string, error)
	ApplyJSON(ctx context.Context, w io.Writer, opts ...tfexec.ApplyOption) error
	DestroyJSON(ctx context.Context, w io.Writer, opts ...tfexec.DestroyOption) error
}

type Factory func(workingDir, execPath string) (Terraform, error)

func NewTerraform(workingDir, execPath string) (Terraform, error) {
	tf, err := tfexec.NewTerraform(workingDir, execPath)
	if err != nil {
		return nil, err
	}
	return tf, nil
}

// Runner implements pipeline.Planner and pipeline.Applier.
type Runner struct {
	ExecPath    string
	LockTimeout time.Duration
	New         Factory
}

func NewRunner(execPath string, lockTimeout time.Duration) *Runner {
	if len(execPath) == 0 {
		execPath = DefaultExecPath
	}
	return &Runner{
		ExecPath:    execPath,
		LockTimeout: lockTimeout,
		New:         NewTerraform,
	}
}

var (
	_ pipeline.Planner = &Runner{}
	_ pipeline.Applier = &Runner{}
)

func (r *Runner) setup(ctx context.Context, ws pipeline.Workspace) (Terraform, error) {
	dir := filepath.Join(ws.Source, ws.Environment.TerraformDir)
	tf, err := r.New(dir, r.ExecPath)
	if err != nil {
		return nil, pipeline.ErrorWrap(pipeline.KindInternal, fmt.Errorf("set up terraform in %s: %w", dir, err))
	}

	err = tf.SetEnv(map[string]string{
		tokenEnv: ws.Grant.AccessToken,
	})
	if err != nil {
		return nil, pipeline.ErrorWrap(pipeline.KindInternal, err)
	}

	opts := []tfexec.InitOption{
		tfexec.Reconfigure(true),
		tfexec.Upgrade(false),
	}
	for _, cfg := range ws.Environment.BackendConfig() {
		opts = append(opts, tfexec.BackendConfig(cfg))
	}

	err = tf.Init(ctx, opts...)
	if err != nil {
		return nil, toolError(pipeline.KindValidation, "init", err)
	}

	return tf, nil
}

func (r *Runner) Plan(ctx context.Context, ws pipeline.Workspace) (*pipeline.PlanResult, error) {
	logger := log.WithField("environment", ws.Environment.Name)

	tf, err := r.setup(ctx, ws)
	if err != nil {
		return nil, err
	}

	formatted, files, err := tf.FormatCheck(ctx)
	if err != nil {
		return nil, toolError(pipeline.KindValidation, "fmt", err)
	}
	if !formatted {
		return nil, pipeline.Errorf(pipeline.KindValidation, "terraform fmt: files are not formatted: %s", strings.Join(files, ", "))
	}

	validation, err := tf.Validate(ctx)
	if err != nil {
		return nil, toolError(pipeline.KindValidation, "validate", err)
	}
	if !validation.Valid {
		return nil, pipeline.Errorf(pipeline.KindValidation, "terraform validate:\n%s", formatDiagnostics(validation.Diagnostics))
	}

	planPath := filepath.Join(filepath.Join(ws.Source, ws.Environment.TerraformDir), PlanFile)
	opts := []tfexec.PlanOption{
		tfexec.Out(planPath),
		tfexec.LockTimeout(r.LockTimeout.String()),
	}
	for _, v := range ws.Environment.TerraformVariables() {
		opts = append(opts, tfexec.Var(v))
	}

	logger.Infof("Planning infrastructure changes")
	_, err = tf.Plan(ctx, opts...)
	if err != nil {
		return nil, toolError(pipeline.KindPlan, "plan", err)
	}

	plan, err := tf.ShowPlanFile(ctx, planPath)
	if err != nil {
		return nil, toolError(pipeline.KindPlan, "show", err)
	}

	diff, err := tf.ShowPlanFileRaw(ctx, planPath)
	if err != nil {
		return nil, toolError(pipeline.KindPlan, "show", err)
	}

	result := &pipeline.PlanResult{
		Environment: ws.Environment.Name,
		Changes:     Changes(plan),
		Diff:        diff,
		File:        planPath,
	}
	logger.Infof("Plan: %s", result.Summary())

	return result, nil
}

func (r *Runner) Apply(ctx context.Context, ws pipeline.Workspace, plan *pipeline.PlanResult) (*pipeline.ApplyResult, error) {
	if !plan.HasChanges() {
		log.WithField("environment", ws.Environment.Name).Infof("No infrastructure changes to apply")
		return &pipeline.ApplyResult{}, nil
	}

	tf, err := r.setup(ctx, ws)
	if err != nil {
		return nil, err
	}

	stream := &Stream{}
	err = tf.ApplyJSON(ctx, stream, tfexec.DirOrPlan(plan.File), tfexec.LockTimeout(r.LockTimeout.String()))
	result := stream.Result(plan.Addresses())
	if err != nil {
		return result, r.mutationError(err, stream, result)
	}

	return result, nil
}

func (r *Runner) Destroy(ctx context.Context, ws pipeline.Workspace) (*pipeline.ApplyResult, error) {
	tf, err := r.setup(ctx, ws)
	if err != nil {
		return nil, err
	}

	opts := []tfexec.DestroyOption{
		tfexec.LockTimeout(r.LockTimeout.String()),
	}
	for _, v := range ws.Environment.TerraformVariables() {
		opts = append(opts, tfexec.Var(v))
	}

	log.WithField("environment", ws.Environment.Name).Infof("Destroying environment infrastructure")
	stream := &Stream{}
	err = tf.DestroyJSON(ctx, stream, opts...)
	result := stream.Result(nil)
	if err != nil {
		return result, r.mutationError(err, stream, result)
	}

	return result, nil
}

func (r *Runner) mutationError(err error, stream *Stream, result *pipeline.ApplyResult) error {
	e := toolError(pipeline.KindApply, "apply", err)
	if stream.StateLocked() {
		e.Kind = pipeline.KindLockContention
		e.Hint = forceUnlockHint
	}
	if diagnostics := stream.Diagnostics(); len(diagnostics) > 0 {
		e.Err = fmt.Errorf("%w\n%s", e.Err, diagnostics)
	}
	e.Applied = result.Applied
	e.Unapplied = result.Unapplied
	e.Partial = len(result.Applied) > 0
	return e
}

// Changes lists the resource changes of a plan ordered by address.
// No-op and read-only changes are left out.
func Changes(plan *tfjson.Plan) []pipeline.Change {
	changes := make([]pipeline.Change, 0)
	if plan == nil {
		return changes
	}
	for _, rc := range plan.ResourceChanges {
		if rc == nil || rc.Change == nil {
			continue
		}
		action, ok := actionOf(rc.Change.Actions)
		if !ok {
			continue
		}
		changes = append(changes, pipeline.Change{
			Address: rc.Address,
			Action:  action,
		})
	}
	sortChanges(changes)
	return changes
}

func actionOf(actions tfjson.Actions) (pipeline.Action, bool) {
	switch {
	case actions.Replace():
		return pipeline.ActionReplace, true
	case actions.Create():
		return pipeline.ActionCreate, true
	case actions.Update():
		return pipeline.ActionUpdate, true
	case actions.Delete():
		return pipeline.ActionDelete, true
	}
	return "", false
}

func formatDiagnostics(diagnostics []tfjson.Diagnostic) string {
	lines := make([]string, 0, len(diagnostics))
	for _, d := range diagnostics {
		line := fmt.Sprintf("%s: %s", d.Severity, d.Summary)
		if len(d.Detail) > 0 {
			line += ": " + d.Detail
		}
		if d.Range != nil {
			line = fmt.Sprintf("%s:%d: %s", d.Range.Filename, d.Range.Start.Line, line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func toolError(kind pipeline.Kind, command string, err error) *pipeline.Error {
	e := pipeline.ErrorWrap(kind, fmt.Errorf("terraform %s: %w", command, err))
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e.ExitStatus = exitErr.ExitCode()
	}
	if strings.Contains(err.Error(), stateLockMarker) {
		e.Kind = pipeline.KindLockContention
		e.Hint = forceUnlockHint
	}
	return e
}
