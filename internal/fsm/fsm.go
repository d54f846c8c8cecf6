package fsm

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

const (
	OrderStatePending           = "PENDING"
	OrderStateInventoryReserved = "INVENTORY_RESERVED"
	OrderStatePaymentCompleted  = "PAYMENT_COMPLETED"
	OrderStateDeliveryStarted   = "DELIVERY_STARTED"
	OrderStateDelivered         = "DELIVERED"
	OrderStateCompleted         = "COMPLETED"
	OrderStateCancelled         = "CANCELLED"
)

const (
	OrderEventReserveInventory = "reserve_inventory"
	OrderEventCompletePayment  = "complete_payment"
	OrderEventStartDelivery    = "start_delivery"
	OrderEventDeliver          = "deliver"
	OrderEventComplete         = "complete"
	OrderEventCancel           = "cancel"
)

const (
	ReservationStateReserved = "RESERVED"
	ReservationStateReleased = "RELEASED"
)

const (
	ReservationEventRelease = "release"
)

const (
	PaymentStateCompleted = "COMPLETED"
	PaymentStateCancelled = "CANCELLED"
)

const (
	PaymentEventCancel = "cancel"
)

const (
	DeliveryStatePreparing = "PREPARING"
	DeliveryStateInTransit = "IN_TRANSIT"
	DeliveryStateDelivered = "DELIVERED"
	DeliveryStateFailed    = "FAILED"
)

const (
	DeliveryEventStart   = "start"
	DeliveryEventDeliver = "deliver"
	DeliveryEventFail    = "fail"
)

// machine is a stateless view over a looplab FSM: every call sets the state
// it is asked about, so one machine can serve many records.
type machine struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

func newMachine(initial string, events fsm.Events) *machine {
	return &machine{fsm: fsm.NewFSM(initial, events, fsm.Callbacks{})}
}

func (m *machine) CanTransition(currentState, event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fsm.SetState(currentState)
	return m.fsm.Can(event)
}

func (m *machine) Transition(ctx context.Context, currentState, event string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fsm.SetState(currentState)
	if err := m.fsm.Event(ctx, event); err != nil {
		return "", err
	}
	return m.fsm.Current(), nil
}

func (m *machine) AvailableEvents(currentState string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fsm.SetState(currentState)
	return m.fsm.AvailableTransitions()
}
