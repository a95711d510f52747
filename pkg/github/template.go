package github

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aymerick/raymond"

	"github.com/nais/envdeploy/pkg/pipeline"
)

// GitHub rejects comments longer than 65536 characters.
const maxDiffLength = 60000

const planTemplate = `### Infrastructure plan for ` + "`{{environment}}`" + `

**{{summary}}**
{{#if changes}}

| Action | Resource |
|--------|----------|
{{#each changes}}| {{action}} | ` + "`{{{address}}}`" + ` |
{{/each}}
{{else}}

No changes. Infrastructure matches the configuration.
{{/if}}

<details><summary>Full plan output</summary>

` + "```" + `
{{{diff}}}
` + "```" + `
</details>

<sub>Run {{run}} for {{sha}}</sub>
`

const failureTemplate = `### Plan failed for ` + "`{{environment}}`" + `

Stage **{{stage}}** failed with **{{kind}}**:

` + "```" + `
{{{message}}}
` + "```" + `
{{#if exitStatus}}

Exit status: ` + "`{{exitStatus}}`" + `
{{/if}}
{{#if applied}}

Changed before the failure:
{{#each applied}}
- ` + "`{{{this}}}`" + `
{{/each}}
{{/if}}
{{#if unapplied}}

Not changed:
{{#each unapplied}}
- ` + "`{{{this}}}`" + `
{{/each}}
{{/if}}
{{#if hint}}

{{hint}}
{{/if}}

<sub>Run {{run}} for {{sha}}</sub>
`

var (
	planComment    = raymond.MustParse(planTemplate)
	failureComment = raymond.MustParse(failureTemplate)
)

// FailureDescription summarizes a failure within GitHub's limit on deployment status descriptions.
// The counts of changed and unchanged resources and the exit status come first, so they survive truncation.
func FailureDescription(perr *pipeline.Error) string {
	details := make([]string, 0, 3)
	if perr.Partial {
		details = append(details, "partially applied")
	}
	if len(perr.Applied) > 0 || len(perr.Unapplied) > 0 {
		details = append(details, fmt.Sprintf("%d changed, %d unchanged", len(perr.Applied), len(perr.Unapplied)))
	}
	if perr.ExitStatus >= 0 {
		details = append(details, fmt.Sprintf("exit status %d", perr.ExitStatus))
	}

	description := perr.Error()
	if len(details) > 0 {
		description = strings.Join(details, ", ") + ": " + description
	}

	runes := []rune(description)
	if len(runes) > maxDescriptionLength {
		return string(runes[:maxDescriptionLength-3]) + "..."
	}
	return description
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}

func PlanComment(run *pipeline.Run, plan *pipeline.PlanResult) (string, error) {
	changes := make([]map[string]string, 0, len(plan.Changes))
	for _, c := range plan.Changes {
		changes = append(changes, map[string]string{
			"action":  string(c.Action),
			"address": c.Address,
		})
	}

	output, err := planComment.Exec(map[string]interface{}{
		"environment": plan.Environment,
		"summary":     plan.Summary(),
		"changes":     changes,
		"diff":        truncate(plan.Diff, maxDiffLength),
		"run":         run.Request.ID,
		"sha":         run.Request.SHA,
	})
	if err != nil {
		return "", fmt.Errorf("execute template: %s", err)
	}
	return output, nil
}

func FailureComment(run *pipeline.Run, outcome *pipeline.Outcome) (string, error) {
	perr := outcome.Err
	if perr == nil {
		return "", fmt.Errorf("outcome has no error")
	}

	message := ""
	if perr.Err != nil {
		message = perr.Err.Error()
	}

	ctx := map[string]interface{}{
		"environment": outcome.Environment,
		"stage":       string(perr.Stage),
		"kind":        string(perr.Kind),
		"message":     truncate(message, maxDiffLength),
		"hint":        perr.Hint,
		"applied":     perr.Applied,
		"unapplied":   perr.Unapplied,
		"run":         run.Request.ID,
		"sha":         run.Request.SHA,
	}
	if perr.ExitStatus >= 0 {
		ctx["exitStatus"] = strconv.Itoa(perr.ExitStatus)
	}

	output, err := failureComment.Exec(ctx)
	if err != nil {
		return "", fmt.Errorf("execute template: %s", err)
	}
	return output, nil
}
