package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{5, 3200 * time.Millisecond},
		{6, 5 * time.Second},
		{20, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, p.Delay(tt.attempt))
		})
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.False(t, p.Unbounded().Exhausted(1000))
}

func TestPolicy_Do(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	errFlaky := errors.New("flaky")

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		attempts, err := p.Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return errFlaky
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up when exhausted", func(t *testing.T) {
		attempts, err := p.Do(context.Background(), func(context.Context) error {
			return errFlaky
		})
		assert.ErrorIs(t, err, errFlaky)
		assert.Equal(t, 3, attempts)
	})

	t.Run("permanent errors stop immediately", func(t *testing.T) {
		attempts, err := p.Do(context.Background(), func(context.Context) error {
			return Permanent(errFlaky)
		})
		assert.ErrorIs(t, err, errFlaky)
		assert.True(t, IsPermanent(err))
		assert.Equal(t, 1, attempts)
	})

	t.Run("unbounded stops with the context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		_, err := p.Unbounded().Do(ctx, func(context.Context) error {
			calls++
			if calls == 10 {
				cancel()
			}
			return errFlaky
		})
		assert.Error(t, err)
		assert.GreaterOrEqual(t, calls, 10)
	})
}

type selfDescribed struct{ permanent bool }

func (e selfDescribed) Error() string   { return "described" }
func (e selfDescribed) Permanent() bool { return e.permanent }

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(errors.New("plain")))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", selfDescribed{permanent: true})))
	assert.False(t, IsPermanent(selfDescribed{permanent: false}))
	assert.NoError(t, Permanent(nil))
}
