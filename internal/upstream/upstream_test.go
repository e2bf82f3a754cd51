package upstream_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dns/kestrel/internal/upstream"
)

type fakeDialer struct {
	calls   []string
	fail    map[string]error
	succeed []byte
}

func (f *fakeDialer) Call(_ context.Context, s upstream.Server, _ []byte, _ string, _ uint16) ([]byte, error) {
	f.calls = append(f.calls, s.Name)
	if err, ok := f.fail[s.Name]; ok {
		return nil, err
	}
	return f.succeed, nil
}

type statusErr struct{ retryable bool }

func (e statusErr) Error() string   { return "status error" }
func (e statusErr) Retryable() bool { return e.retryable }

func TestWeightedRoundRobinDistributesBySpec(t *testing.T) {
	servers := []upstream.Server{
		{Name: "a", Weight: 5},
		{Name: "b", Weight: 1},
	}
	dialer := &fakeDialer{succeed: []byte("ok")}
	g, err := upstream.NewGroup("g", servers, upstream.StrategyWeighted, upstream.RetryPolicy{MaxAttempts: 1}, dialer)
	require.NoError(t, err)

	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		_, err := g.Send(context.Background(), []byte("q"), "example.com.", 1)
		require.NoError(t, err)
	}
	for _, c := range dialer.calls {
		counts[c]++
	}
	assert.Equal(t, 5, counts["a"])
	assert.Equal(t, 1, counts["b"])
}

func TestNonRetryableErrorStopsImmediately(t *testing.T) {
	servers := []upstream.Server{{Name: "a"}}
	dialer := &fakeDialer{fail: map[string]error{"a": statusErr{retryable: false}}}
	g, err := upstream.NewGroup("g", servers, upstream.StrategyRoundRobin, upstream.RetryPolicy{MaxAttempts: 3}, dialer)
	require.NoError(t, err)

	_, err = g.Send(context.Background(), []byte("q"), "example.com.", 1)
	require.Error(t, err)
	assert.Len(t, dialer.calls, 1, "a non-retryable error must not be retried")
}

func TestRetryableErrorRetriesUpToMaxAttempts(t *testing.T) {
	servers := []upstream.Server{{Name: "a"}}
	dialer := &fakeDialer{fail: map[string]error{"a": statusErr{retryable: true}}}
	g, err := upstream.NewGroup("g", servers, upstream.StrategyRoundRobin,
		upstream.RetryPolicy{MaxAttempts: 3, InitialDelay: 1, MaxDelay: 1}, dialer)
	require.NoError(t, err)

	_, err = g.Send(context.Background(), []byte("q"), "example.com.", 1)
	require.Error(t, err)
	assert.Len(t, dialer.calls, 3)
}

func TestNoServersIsConfigError(t *testing.T) {
	_, err := upstream.NewGroup("g", nil, upstream.StrategyRoundRobin, upstream.RetryPolicy{}, &fakeDialer{})
	require.Error(t, err)
}

func TestEmptyResultStillSurfacesWrappedError(t *testing.T) {
	inner := errors.New("boom")
	servers := []upstream.Server{{Name: "a"}}
	dialer := &fakeDialer{fail: map[string]error{"a": inner}}
	g, err := upstream.NewGroup("g", servers, upstream.StrategyRoundRobin,
		upstream.RetryPolicy{MaxAttempts: 1}, dialer)
	require.NoError(t, err)

	_, err = g.Send(context.Background(), []byte("q"), "example.com.", 1)
	require.ErrorIs(t, err, inner)
}
