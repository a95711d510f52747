package envclient

import (
	"fmt"
	"os"
	"strconv"

	"github.com/aymerick/raymond"

	"github.com/nais/envdeploy/pkg/pipeline"
)

const summaryTemplate = `## envdeploy {{variant}} run {{#if succeeded}}succeeded{{else}}{{status}}{{/if}}

| | |
|---|---|
| Run | ` + "`{{id}}`" + ` |
| Environment | ` + "`{{environment}}`" + ` |
{{#if image}}| Image | ` + "`{{{image}}}`" + ` |
{{/if}}{{#if url}}| URL | {{{url}}} |
{{/if}}{{#if plan}}| Plan | {{plan}} |
{{/if}}
{{#if error}}
**{{error.kind}}** in stage **{{error.stage}}**{{#if partial}} (partially applied){{/if}}:

` + "```" + `
{{{error.message}}}
` + "```" + `
{{#if error.exitStatus}}

Exit status: ` + "`{{error.exitStatus}}`" + `
{{/if}}
{{#if error.applied}}

Changed before the failure:
{{#each error.applied}}
- ` + "`{{{this}}}`" + `
{{/each}}
{{/if}}
{{#if error.unapplied}}

Not changed:
{{#each error.unapplied}}
- ` + "`{{{this}}}`" + `
{{/each}}
{{/if}}
{{#if error.hint}}

{{error.hint}}
{{/if}}
{{/if}}
{{#if mutations}}
Changes already in effect: {{#each mutations}}` + "`{{this}}`" + ` {{/each}}
{{/if}}

<details><summary>State transitions</summary>

| From | To | Time |
|------|----|------|
{{#each history}}| {{from}} | {{to}} | {{time}} |
{{/each}}
</details>
`

var summary = raymond.MustParse(summaryTemplate)

func Summary(outcome *pipeline.Outcome) (string, error) {
	ctx := map[string]interface{}{
		"id":          outcome.RunID,
		"variant":     string(outcome.Variant),
		"environment": outcome.Environment,
		"status":      string(outcome.Status),
		"succeeded":   outcome.Status == pipeline.StatusSucceeded,
		"partial":     outcome.Partial,
	}
	if outcome.Pointer != nil {
		ctx["image"] = outcome.Pointer.Image
		ctx["url"] = outcome.Pointer.URL
	}
	if outcome.Plan != nil {
		ctx["plan"] = outcome.Plan.Summary()
	}
	if outcome.Err != nil {
		message := string(outcome.Err.Kind)
		if outcome.Err.Err != nil {
			message = outcome.Err.Err.Error()
		}
		errorCtx := map[string]interface{}{
			"kind":      string(outcome.Err.Kind),
			"stage":     string(outcome.Err.Stage),
			"message":   message,
			"hint":      outcome.Err.Hint,
			"applied":   outcome.Err.Applied,
			"unapplied": outcome.Err.Unapplied,
		}
		if outcome.Err.ExitStatus >= 0 {
			errorCtx["exitStatus"] = strconv.Itoa(outcome.Err.ExitStatus)
		}
		ctx["error"] = errorCtx
	}
	mutations := make([]string, 0, len(outcome.Mutations))
	for _, stage := range outcome.Mutations {
		mutations = append(mutations, string(stage))
	}
	ctx["mutations"] = mutations

	history := make([]map[string]string, 0, len(outcome.History))
	for _, t := range outcome.History {
		history = append(history, map[string]string{
			"from": string(t.From),
			"to":   string(t.To),
			"time": t.Time.UTC().Format("15:04:05"),
		})
	}
	ctx["history"] = history

	return summary.Exec(ctx)
}

// WriteSummary appends the run summary to the GitHub Actions step summary file.
// An empty path means there is nowhere to write it.
func WriteSummary(path string, outcome *pipeline.Outcome) error {
	if len(path) == 0 {
		return nil
	}
	text, err := Summary(outcome)
	if err != nil {
		return fmt.Errorf("render summary: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.WriteString(text)
	return err
}
