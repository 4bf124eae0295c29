package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyNextDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Second, p.NextDelay(0))
	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	assert.Equal(t, 8*time.Second, p.NextDelay(4))
	assert.Equal(t, 10*time.Second, p.NextDelay(10))

	assert.Equal(t, time.Second, RetryPolicy{}.NextDelay(1))
}

func TestRetryPolicyJitteredDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 4 * time.Second, MaxDelay: time.Minute, BackoffFactor: 2}
	for i := 0; i < 50; i++ {
		d := p.JitteredDelay(2)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 8*time.Second)
	}
}
