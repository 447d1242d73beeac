package rotation

import "fmt"

// State es el estado explícito de la máquina de rotación. Las transiciones
// válidas viven en una tabla pura (sin efectos) para poder testearlas sin
// stores ni timers.
type State string

const (
	StateStable              State = "STABLE"
	StateGenerating          State = "GENERATING"
	StateDualPublished       State = "DUAL_PUBLISHED"
	StateAwaitingPropagation State = "AWAITING_PROPAGATION"
	StateSwitched            State = "SWITCHED"
	StateMonitoring          State = "MONITORING"
)

// transitions: edges legales hacia adelante.
var transitions = map[State][]State{
	StateStable:              {StateGenerating, StateDualPublished}, // DUAL_PUBLISHED directo = resume
	StateGenerating:          {StateDualPublished},
	StateDualPublished:       {StateAwaitingPropagation},
	StateAwaitingPropagation: {StateSwitched},
	StateSwitched:            {StateMonitoring},
	StateMonitoring:          {StateStable},
}

// Transition valida el edge from→to. Función pura.
func Transition(from, to State) (State, error) {
	for _, next := range transitions[from] {
		if next == to {
			return to, nil
		}
	}
	if to == StateStable && CanRollback(from) {
		return StateStable, nil
	}
	return from, fmt.Errorf("illegal transition %s -> %s", from, to)
}

// CanRollback: cualquier estado ANTES de SWITCHED puede volver a STABLE.
// Después de SWITCHED no hay auto-rollback: material privado viejo puede
// estar parcialmente retirado en algunos deployments.
func CanRollback(s State) bool {
	switch s {
	case StateGenerating, StateDualPublished, StateAwaitingPropagation:
		return true
	}
	return false
}
