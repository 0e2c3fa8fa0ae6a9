// Package prefilter implements the cascading skip/bypass/queue decision
// pipeline that sits between discovery and deep analysis.
package prefilter

import "fmt"

// Action is the outcome of evaluating an address against the cascade.
type Action int

const (
	// Skip drops the address without deep analysis.
	Skip Action = iota
	// Bypass escalates despite a stage rejection because an
	// independent detector fired.
	Bypass
	// Queue passes the address into the deep pipeline normally.
	Queue
)

func (a Action) String() string {
	switch a {
	case Skip:
		return "skip"
	case Bypass:
		return "bypass"
	case Queue:
		return "queue"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision carries the action, the stage that produced it, and the
// bypass reason when applicable.
type Decision struct {
	Action Action
	Stage  string
	Reason string
}

func skipAt(stage string) Decision {
	return Decision{Action: Skip, Stage: stage}
}

func bypassAt(stage, reason string) Decision {
	return Decision{Action: Bypass, Stage: stage, Reason: reason}
}

func queued() Decision {
	return Decision{Action: Queue, Stage: "cascade"}
}
