// Package architect turns unmet goals into validated component
// candidates. It is the only place the LLM is consulted, and it never
// touches disk or the interpreter: its output is source text that has
// already passed static validation, nothing more.
package architect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"genesis/internal/dna"
	"genesis/internal/llm"
	"genesis/internal/materializer"
	"genesis/internal/validator"
)

// Candidate is a validated proposal ready for materialization.
type Candidate struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies,omitempty"`
	Source       string   `json:"source"`
}

// GenerationError reports an exhausted retry budget. Attempts counts how
// many completions were rejected.
type GenerationError struct {
	Target          string
	Attempts        int
	LastDiagnostics []string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("failed to generate %q after %d attempts: %s",
		e.Target, e.Attempts, strings.Join(e.LastDiagnostics, "; "))
}

// Architect designs new components and builds pending blueprints.
type Architect struct {
	client     llm.Client
	validator  *validator.Validator
	maxRetries int
	logger     *zap.Logger
}

// New creates an Architect. maxRetries bounds completions per candidate.
func New(client llm.Client, v *validator.Validator, maxRetries int, logger *zap.Logger) *Architect {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Architect{client: client, validator: v, maxRetries: maxRetries, logger: logger}
}

// Design proposes a brand-new component for an unmet goal. The returned
// candidate has passed full static validation. A nil candidate with a
// nil error means the model declined: nothing new is needed this cycle.
func (a *Architect) Design(ctx context.Context, d *dna.DNA, goal *dna.Goal) (*Candidate, error) {
	prompt := a.designPrompt(d, goal)
	return a.generate(ctx, prompt, goal.Description, "")
}

// Build generates source for an existing blueprint whose dependencies
// are satisfied. The component name is fixed by the blueprint.
func (a *Architect) Build(ctx context.Context, d *dna.DNA, bp *dna.Blueprint) (*Candidate, error) {
	prompt := a.buildPrompt(d, bp)
	return a.generate(ctx, prompt, bp.Name, bp.Name)
}

// generate runs the bounded retry-with-feedback loop. fixedName pins the
// candidate name when building a known blueprint.
func (a *Architect) generate(ctx context.Context, prompt, target, fixedName string) (*Candidate, error) {
	var lastDiags []string

	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := a.client.Complete(ctx, prompt)
		if err != nil {
			lastDiags = []string{fmt.Sprintf("completion failed: %v", err)}
			a.logger.Warn("llm completion failed",
				zap.String("target", target), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		// Design only: the model may decline to add anything.
		if fixedName == "" && strings.EqualFold(strings.TrimSpace(raw), "COMPLETE") {
			a.logger.Info("model signalled no component needed", zap.String("target", target))
			return nil, nil
		}

		cand, diags := a.parse(raw, fixedName)
		if len(diags) == 0 {
			a.logger.Info("candidate accepted",
				zap.String("component", cand.Name),
				zap.Int("attempt", attempt),
				zap.Int("source_bytes", len(cand.Source)))
			return cand, nil
		}

		lastDiags = diags
		a.logger.Debug("candidate rejected, feeding diagnostics back",
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Strings("diagnostics", diags))
		prompt = prompt + "\n\nYour previous attempt was rejected:\n" + feedback(diags) +
			"\nProduce a corrected JSON response."
	}

	return nil, &GenerationError{Target: target, Attempts: a.maxRetries, LastDiagnostics: lastDiags}
}

// parse extracts and vets one candidate from raw model output.
func (a *Architect) parse(raw, fixedName string) (*Candidate, []string) {
	payload, ok := extractJSON(raw)
	if !ok {
		return nil, []string{"response contains no JSON object"}
	}

	var cand Candidate
	if err := json.Unmarshal([]byte(payload), &cand); err != nil {
		return nil, []string{fmt.Sprintf("response JSON is malformed: %v", err)}
	}

	if fixedName != "" {
		cand.Name = fixedName
	}
	if !materializer.ValidName(cand.Name) {
		return nil, []string{fmt.Sprintf("component name %q is invalid: use dotted lower_snake segments like sensors.motion", cand.Name)}
	}
	if strings.TrimSpace(cand.Source) == "" {
		return nil, []string{"source must not be empty"}
	}

	if res := a.validator.Validate(cand.Source, cand.Name); !res.OK {
		return nil, res.Messages()
	}
	return &cand, nil
}

// feedback renders diagnostics for re-prompting, sanitized so tool
// output cannot smuggle instructions into the conversation.
func feedback(diags []string) string {
	var b strings.Builder
	for _, d := range diags {
		b.WriteString("- ")
		b.WriteString(sanitize(d))
		b.WriteString("\n")
	}
	return b.String()
}

// sanitize neutralizes diagnostic text before it re-enters a prompt:
// role markers are bracketed, newlines flattened, length capped.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	for _, marker := range []string{"system:", "assistant:", "user:"} {
		s = strings.ReplaceAll(s, marker, "["+strings.TrimSuffix(marker, ":")+"]")
		s = strings.ReplaceAll(s, strings.ToUpper(marker), "["+strings.TrimSuffix(marker, ":")+"]")
	}
	const maxLen = 500
	if len(s) > maxLen {
		s = s[:maxLen] + "…"
	}
	return s
}

// extractJSON returns the first balanced JSON object in s, tracking
// string literals and escapes so braces inside source code do not
// truncate the payload. Fenced blocks are unwrapped first.
func extractJSON(s string) (string, bool) {
	s = stripFences(s)

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return trimmed
}
