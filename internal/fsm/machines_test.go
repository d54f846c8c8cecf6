package fsm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/looplab/fsm"
)

func TestReservationStateMachine_CanRelease(t *testing.T) {
	rsm := NewReservationStateMachine()

	tests := []struct {
		state string
		want  bool
	}{
		{ReservationStateReserved, true},
		{ReservationStateReleased, false},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			if got := rsm.CanRelease(tt.state); got != tt.want {
				t.Errorf("CanRelease(%s) = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestReservationStateMachine_ReleaseOnce(t *testing.T) {
	rsm := NewReservationStateMachine()
	ctx := context.Background()

	state, err := rsm.Transition(ctx, ReservationStateReserved, ReservationEventRelease)
	if err != nil {
		t.Fatalf("first release: %v", err)
	}
	if state != ReservationStateReleased {
		t.Errorf("state = %s, want %s", state, ReservationStateReleased)
	}

	_, err = rsm.Transition(ctx, state, ReservationEventRelease)
	var invalidErr fsm.InvalidEventError
	if !errors.As(err, &invalidErr) {
		t.Errorf("second release: expected InvalidEventError, got %T: %v", err, err)
	}
}

func TestDeliveryStateMachine_Transitions(t *testing.T) {
	tests := []struct {
		name      string
		from      string
		event     string
		wantState string
		wantErr   bool
	}{
		{"preparing to in transit", DeliveryStatePreparing, DeliveryEventStart, DeliveryStateInTransit, false},
		{"in transit to delivered", DeliveryStateInTransit, DeliveryEventDeliver, DeliveryStateDelivered, false},
		{"in transit to failed", DeliveryStateInTransit, DeliveryEventFail, DeliveryStateFailed, false},
		{"preparing cannot deliver", DeliveryStatePreparing, DeliveryEventDeliver, "", true},
		{"preparing cannot fail", DeliveryStatePreparing, DeliveryEventFail, "", true},
		{"in transit cannot restart", DeliveryStateInTransit, DeliveryEventStart, "", true},
		{"delivered is terminal", DeliveryStateDelivered, DeliveryEventFail, "", true},
		{"failed is terminal", DeliveryStateFailed, DeliveryEventDeliver, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsm := NewDeliveryStateMachine()
			got, err := dsm.Transition(context.Background(), tt.from, tt.event)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got state %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.wantState {
				t.Errorf("got %s, want %s", got, tt.wantState)
			}
		})
	}
}

func TestPaymentStateMachine_Cancel(t *testing.T) {
	psm := NewPaymentStateMachine()

	if !psm.CanTransition(PaymentStateCompleted, PaymentEventCancel) {
		t.Error("completed payment should be cancellable")
	}
	if psm.CanTransition(PaymentStateCancelled, PaymentEventCancel) {
		t.Error("cancelled payment should not be cancellable again")
	}
}

func TestMachines_ConcurrentAccess(t *testing.T) {
	rsm := NewReservationStateMachine()
	dsm := NewDeliveryStateMachine()
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rsm.CanRelease(ReservationStateReserved)
			_, _ = dsm.Transition(ctx, DeliveryStatePreparing, DeliveryEventStart)
			dsm.AvailableEvents(DeliveryStateInTransit)
		}()
	}

	wg.Wait()
}
