package orchestrator

import "fmt"

// State is the lifecycle state of a session's run.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// transitions lists the legal moves. running→idle is a provider failure;
// every other exit from running goes through stopping.
var transitions = map[State][]State{
	StateIdle:     {StateRunning},
	StateRunning:  {StateStopping, StateIdle},
	StateStopping: {StateIdle},
}

func validTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves r to next. The caller holds o.mu.
func (o *Orchestrator) transition(r *run, next State) error {
	if !validTransition(r.state, next) {
		return fmt.Errorf("invalid run transition %s → %s", r.state, next)
	}
	r.logger.Info("Run %s: %s → %s", r.id, r.state, next)
	r.state = next
	return nil
}

// move applies transition and logs a rejected one. The caller holds o.mu.
func (o *Orchestrator) move(r *run, next State) {
	if err := o.transition(r, next); err != nil {
		r.logger.Error("Run %s: %v", r.id, err)
	}
}
