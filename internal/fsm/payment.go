package fsm

import (
	"github.com/looplab/fsm"
)

type PaymentStateMachine struct {
	*machine
}

func NewPaymentStateMachine() *PaymentStateMachine {
	return &PaymentStateMachine{machine: newMachine(
		PaymentStateCompleted,
		fsm.Events{
			{Name: PaymentEventCancel, Src: []string{PaymentStateCompleted}, Dst: PaymentStateCancelled},
		},
	)}
}
