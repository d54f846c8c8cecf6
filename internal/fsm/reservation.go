package fsm

import (
	"github.com/looplab/fsm"
)

// ReservationStateMachine guards the at-most-once release of reserved stock.
type ReservationStateMachine struct {
	*machine
}

func NewReservationStateMachine() *ReservationStateMachine {
	return &ReservationStateMachine{machine: newMachine(
		ReservationStateReserved,
		fsm.Events{
			{Name: ReservationEventRelease, Src: []string{ReservationStateReserved}, Dst: ReservationStateReleased},
		},
	)}
}

func (rsm *ReservationStateMachine) CanRelease(state string) bool {
	return rsm.CanTransition(state, ReservationEventRelease)
}
