package history

import "fmt"

// DeleteState is the position of the single-version delete confirmation.
type DeleteState int

const (
	DeleteIdle DeleteState = iota
	DeleteConfirming
	DeleteConfirmed
	DeleteDeleting
	DeleteCancelled
)

func (s DeleteState) String() string {
	switch s {
	case DeleteIdle:
		return "idle"
	case DeleteConfirming:
		return "confirming"
	case DeleteConfirmed:
		return "confirmed"
	case DeleteDeleting:
		return "deleting"
	case DeleteCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("DeleteState(%d)", int(s))
}

// deleteTransitions lists the legal moves of the confirmation flow:
// idle -> confirming -> (confirmed -> deleting -> idle) | (cancelled -> idle).
// A busy controller sends confirmed back to confirming so the dialog stays open.
var deleteTransitions = map[DeleteState][]DeleteState{
	DeleteIdle:       {DeleteConfirming},
	DeleteConfirming: {DeleteConfirmed, DeleteCancelled},
	DeleteConfirmed:  {DeleteDeleting, DeleteConfirming},
	DeleteDeleting:   {DeleteIdle},
	DeleteCancelled:  {DeleteIdle},
}

func (s DeleteState) canTransition(to DeleteState) bool {
	for _, next := range deleteTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
