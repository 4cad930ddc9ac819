package council

import (
	"errors"
	"fmt"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseIndividual Phase = "individual"
	PhaseSynthesis  Phase = "synthesis"
	PhaseComplete   Phase = "complete"
)

var ErrInvalidTransition = errors.New("invalid council phase transition")

// next is the only phase a run may move to from p.
func (p Phase) next() Phase {
	switch p {
	case PhaseIdle:
		return PhaseIndividual
	case PhaseIndividual:
		return PhaseSynthesis
	case PhaseSynthesis:
		return PhaseComplete
	default:
		return ""
	}
}

// advance checks a forward move of exactly one phase.
func advance(from, to Phase) error {
	if from.next() != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
