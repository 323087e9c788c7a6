package architect

import (
	"fmt"
	"sort"
	"strings"

	"genesis/internal/dna"
	"genesis/internal/validator"
)

// contract is the part of the prompt that never changes: what a valid
// component looks like.
func (a *Architect) contract() string {
	return fmt.Sprintf(`You write single-file Go components for a sandboxed interpreter.

Hard rules:
- The file's package name must equal the last segment of the component name
  (component "sensors.motion" -> package motion).
- Export exactly one entry point: func %s() with no arguments and no return
  values. It is the component's whole life; long-lived components loop inside it.
- Allowed imports, nothing else: %s.
- To publish events or stop cooperatively, import %q:
    organ.Emit(topic string, data map[string]interface{})
    organ.Done() <-chan struct{}   // closed when shutdown is requested
    organ.Name() string
- Never import another component. Components communicate over the bus only.
- No file, network, process, or unsafe operations of any kind.

Respond with a single JSON object and nothing else:
{"name": "<dotted.component.name>", "description": "<one sentence>", "dependencies": ["<names>"], "source": "<complete Go file>"}`,
		validator.EntryPoint,
		strings.Join(a.validator.AllowedImports(), ", "),
		validator.FacadeImport)
}

// designPrompt asks for a new component serving an unmet goal.
func (a *Architect) designPrompt(d *dna.DNA, goal *dna.Goal) string {
	var b strings.Builder
	b.WriteString(a.contract())
	b.WriteString("\n\nUnmet goal: ")
	b.WriteString(goal.Description)
	if len(goal.Patterns) > 0 {
		fmt.Fprintf(&b, "\nThe component name must match one of these patterns: %s",
			strings.Join(goal.Patterns, ", "))
	}
	b.WriteString(snapshot(d))
	b.WriteString("\n\nDesign one new component that moves the system toward this goal.")
	b.WriteString("\nIf the active components already cover it and nothing new is needed, respond with the single word COMPLETE.")
	return b.String()
}

// buildPrompt asks for source implementing an already-designed blueprint.
func (a *Architect) buildPrompt(d *dna.DNA, bp *dna.Blueprint) string {
	var b strings.Builder
	b.WriteString(a.contract())
	fmt.Fprintf(&b, "\n\nImplement this already-designed component:\nName: %s\nPurpose: %s",
		bp.Name, bp.Description)
	if len(bp.Dependencies) > 0 {
		fmt.Fprintf(&b, "\nIt may rely on events from: %s", strings.Join(bp.Dependencies, ", "))
	}
	b.WriteString(snapshot(d))
	b.WriteString("\n\nThe \"name\" field of your response must be exactly the name above.")
	return b.String()
}

// snapshot summarizes current system state for the model: what exists,
// what is running, what has been failing.
func snapshot(d *dna.DNA) string {
	var b strings.Builder

	if len(d.Active) > 0 {
		fmt.Fprintf(&b, "\n\nActive components: %s", strings.Join(d.Active, ", "))
	} else {
		b.WriteString("\n\nNo components are active yet; this will be the first.")
	}

	if len(d.Blueprint) > 0 {
		names := make([]string, 0, len(d.Blueprint))
		for name := range d.Blueprint {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("\nExisting blueprint:")
		for _, name := range names {
			fmt.Fprintf(&b, "\n  %s: %s", name, sanitize(d.Blueprint[name].Description))
		}
	}

	if len(d.Failures) > 0 {
		b.WriteString("\nRecent failures to avoid repeating:")
		for _, f := range d.Failures {
			fmt.Fprintf(&b, "\n  %s (%s): %s", f.Component, f.Kind, sanitize(f.Message))
		}
	}

	return b.String()
}
