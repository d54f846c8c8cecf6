package fsm

import (
	"github.com/looplab/fsm"
)

// OrderStateMachine drives the saga's order aggregate. Forward events may skip
// intermediate states because events for one order arrive on several topics
// with no ordering between them.
type OrderStateMachine struct {
	*machine
}

func NewOrderStateMachine() *OrderStateMachine {
	return &OrderStateMachine{machine: newMachine(
		OrderStatePending,
		fsm.Events{
			{Name: OrderEventReserveInventory, Src: []string{OrderStatePending}, Dst: OrderStateInventoryReserved},
			{Name: OrderEventCompletePayment, Src: []string{OrderStatePending, OrderStateInventoryReserved}, Dst: OrderStatePaymentCompleted},
			{Name: OrderEventStartDelivery, Src: []string{OrderStateInventoryReserved, OrderStatePaymentCompleted}, Dst: OrderStateDeliveryStarted},
			{Name: OrderEventDeliver, Src: []string{OrderStatePaymentCompleted, OrderStateDeliveryStarted}, Dst: OrderStateDelivered},
			{Name: OrderEventComplete, Src: []string{OrderStateDelivered}, Dst: OrderStateCompleted},
			{Name: OrderEventCancel, Src: []string{OrderStatePending, OrderStateInventoryReserved}, Dst: OrderStateCancelled},
		},
	)}
}

// OrderHappyPath lists the non-cancelled statuses in saga order.
var OrderHappyPath = []string{
	OrderStatePending,
	OrderStateInventoryReserved,
	OrderStatePaymentCompleted,
	OrderStateDeliveryStarted,
	OrderStateDelivered,
	OrderStateCompleted,
}

// IsTerminalOrderState reports whether no further event can move the order.
func IsTerminalOrderState(state string) bool {
	return state == OrderStateCompleted || state == OrderStateCancelled
}
