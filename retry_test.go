package flough

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flough/pkg/worker"
)

func TestRetryBuilder(t *testing.T) {
	require.Equal(t, 1, Retry(0).Attempts())
	require.Equal(t, 1, Retry(-4).Attempts())
	require.Equal(t, worker.RetryPolicy{}, Retry(3).Policy())

	exp := Retry(5).WithExponentialBackoff(100*time.Millisecond, 2*time.Second)
	require.Equal(t, 5, exp.Attempts())
	require.Equal(t, worker.RetryPolicy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Exponential:    true,
	}, exp.Policy())

	constant := exp.WithConstantBackoff(time.Second)
	require.Equal(t, worker.RetryPolicy{InitialBackoff: time.Second}, constant.Policy())
	require.Equal(t, worker.RetryPolicy{}, constant.Immediate().Policy())
	require.Equal(t, 5, constant.Immediate().Attempts())
}
