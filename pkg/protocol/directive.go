package protocol

import "strings"

// Directive is an operator slash command typed into the message channel.
type Directive string

const (
	DirectiveStatus  Directive = "/status"  // Report queue, workers, and budget.
	DirectiveEvolve  Directive = "/evolve"  // Pause or resume self-improvement injection.
	DirectiveBG      Directive = "/bg"      // Pause or resume the background session.
	DirectiveReview  Directive = "/review"  // Queue a review task.
	DirectiveRestart Directive = "/restart" // Safe restart of the supervisor.
	DirectivePanic   Directive = "/panic"   // Kill workers and stop immediately.
	DirectiveCancel  Directive = "/cancel"  // Cancel a pending or running task by id.
	DirectiveWorkers Directive = "/workers" // Resize the worker pool.
)

// Valid reports whether d is one of the known directive values.
func (d Directive) Valid() bool {
	switch d {
	case DirectiveStatus, DirectiveEvolve, DirectiveBG, DirectiveReview,
		DirectiveRestart, DirectivePanic, DirectiveCancel, DirectiveWorkers:
		return true
	default:
		return false
	}
}

// ParseDirective splits operator text into a directive and its argument.
// ok is false when text is not a known slash command.
func ParseDirective(text string) (d Directive, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text, " ")
	// Telegram appends @botname in groups.
	head, _, _ = strings.Cut(head, "@")
	d = Directive(strings.ToLower(head))
	if !d.Valid() {
		return "", "", false
	}
	return d, strings.TrimSpace(rest), true
}
