package scheduler

import (
	"strings"
	"text/template"

	"github.com/fentz26/bridge/internal/models"
)

var executeTemplate = template.Must(template.New("execute").Parse(`# Autonomous Execution Context

You are executing a commitment headlessly. No human is present.

## Commitment
**ID**: {{.ID}}
**Body**: {{.Body}}
**Due**: {{.Due}}

## Environment
- Working directory: {{.WorkingDirectory}}
- Available: {{.Requires}}

## Instructions
{{.Instructions}}

## Protocol
1. Read context
2. Plan, execute, verify
3. Capture evidence of what you did and what the result was
4. Close the commitment with that evidence before exiting

Do not exceed {{.TimeoutMinutes}} minutes. If blocked, capture an escalation and stop.

## Ledger API
POST {{.LedgerURL}}/ops with header X-Proxy-Token: {{.Token}}
{"op": "capture", "body": "...", "kind": "evidence"}
{"op": "close", "commitment": "{{.ID}}", "evidence": "mem_..."}
`))

var craftTemplate = template.Must(template.New("craft").Parse(`{{.Body}}

## Commitment
**ID**: {{.ID}}
**Working directory**: {{.WorkingDirectory}}

{{.Instructions}}

When the craft is complete, capture evidence and close commitment {{.ID}} via
POST {{.LedgerURL}}/ops (X-Proxy-Token: {{.Token}}).
`))

type promptData struct {
	ID               string
	Body             string
	Due              string
	WorkingDirectory string
	Requires         string
	Instructions     string
	TimeoutMinutes   float64
	LedgerURL        string
	Token            string
}

// BuildPrompt renders the agent prompt for c. The template is selected by
// the commitment's kind.
func BuildPrompt(c models.Commitment, cfg *Config) string {
	cfg = cfg.normalized()
	d := promptData{
		ID:               c.ID,
		Body:             c.Body,
		Due:              c.Meta.DueAt,
		WorkingDirectory: cfg.WorkingDirectory(c.Meta.WorkingDirectory),
		Requires:         strings.Join(c.Meta.Requires, ", "),
		Instructions:     c.Meta.Instructions,
		TimeoutMinutes:   cfg.Timeout(c.Meta.Timeout).Minutes(),
		LedgerURL:        cfg.LedgerURL,
		Token:            cfg.LedgerToken,
	}
	if d.Due == "" {
		d.Due = "immediate"
	}
	if d.Requires == "" {
		d.Requires = "standard tools"
	}
	if d.Instructions == "" {
		d.Instructions = "Execute the commitment as described."
	}
	if d.Token == "" {
		d.Token = "<TOKEN_NOT_PROVIDED>"
	}

	tmpl := executeTemplate
	if models.ResolveKind(&c) == models.KindCraft {
		tmpl = craftTemplate
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, d); err != nil {
		// Templates are static and the data is plain strings.
		return c.Body
	}
	return b.String()
}
