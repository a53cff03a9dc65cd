package statemachine

// Kind classifies a handler result.
type Kind int

const (
	KindAdvance Kind = iota
	KindRetry
	KindFatal
	KindAwait
)

func (k Kind) String() string {
	switch k {
	case KindAdvance:
		return "advance"
	case KindRetry:
		return "retry"
	case KindFatal:
		return "fatal"
	case KindAwait:
		return "await"
	}
	return "unknown"
}

// Outcome is what a state handler reports back to the manager.
type Outcome struct {
	Kind    Kind
	State   int
	Pending bool
	Reason  string

	// exhausted is where a Retry advances once the state's retries run out.
	exhausted *int
}

// Advance moves the entity to state.
func Advance(state int) Outcome {
	return Outcome{Kind: KindAdvance, State: state}
}

// AdvanceAndWait moves the entity to state and parks it until the counter-party answers.
func AdvanceAndWait(state int) Outcome {
	return Outcome{Kind: KindAdvance, State: state, Pending: true}
}

// Retry re-enters the current state after a transient failure.
func Retry(reason string) Outcome {
	return Outcome{Kind: KindRetry, Reason: reason}
}

// Fatal moves the entity to the error state.
func Fatal(reason string) Outcome {
	return Outcome{Kind: KindFatal, Reason: reason}
}

// Await keeps the state but parks the entity; nothing is left to do locally.
func Await() Outcome {
	return Outcome{Kind: KindAwait}
}

// WithReason attaches a reason; on Advance it becomes the error detail of the new state.
func (o Outcome) WithReason(reason string) Outcome {
	o.Reason = reason
	return o
}

// OrAdvance makes a Retry advance to state instead of failing once the
// retries of the current state are used up.
func (o Outcome) OrAdvance(state int) Outcome {
	o.exhausted = &state
	return o
}
