package fsm

import (
	"github.com/looplab/fsm"
)

// DeliveryStateMachine only moves forward: PREPARING, IN_TRANSIT, then
// DELIVERED or FAILED.
type DeliveryStateMachine struct {
	*machine
}

func NewDeliveryStateMachine() *DeliveryStateMachine {
	return &DeliveryStateMachine{machine: newMachine(
		DeliveryStatePreparing,
		fsm.Events{
			{Name: DeliveryEventStart, Src: []string{DeliveryStatePreparing}, Dst: DeliveryStateInTransit},
			{Name: DeliveryEventDeliver, Src: []string{DeliveryStateInTransit}, Dst: DeliveryStateDelivered},
			{Name: DeliveryEventFail, Src: []string{DeliveryStateInTransit}, Dst: DeliveryStateFailed},
		},
	)}
}
