package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://shop%d.example/p", i)
	}
	return out
}

func TestEnrichAllRespectsCeiling(t *testing.T) {
	var inFlight, peak, calls int32
	task := func(ctx context.Context, url, owner string) Outcome {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&calls, 1)
		return Outcome{Status: StatusEnriched}
	}

	ex := NewExecutor(task, 10, nil, nil)
	out := ex.EnrichAll(context.Background(), urls(37), "m1")

	require.Len(t, out, 37)
	assert.EqualValues(t, 37, atomic.LoadInt32(&calls), "returns only after every sub-task resolved")
	assert.EqualValues(t, 0, atomic.LoadInt32(&inFlight))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(10))
	for i, o := range out {
		assert.Equal(t, urls(37)[i], o.URL)
	}
}

func TestEnrichAllIsolatesFailures(t *testing.T) {
	task := func(ctx context.Context, url, owner string) Outcome {
		switch url {
		case "https://bad.example":
			return Outcome{Status: StatusScrapeFailed, Err: errors.New("403")}
		case "https://boom.example":
			panic("extractor exploded")
		}
		return Outcome{Status: StatusEnriched}
	}
	in := []string{"https://good1.example", "https://bad.example", "https://boom.example", "https://good2.example"}

	out := NewExecutor(task, 2, nil, nil).EnrichAll(context.Background(), in, "m1")

	require.Len(t, out, 4)
	assert.True(t, out[0].OK())
	assert.Equal(t, StatusScrapeFailed, out[1].Status)
	assert.Equal(t, StatusPanicked, out[2].Status)
	assert.Error(t, out[2].Err)
	assert.True(t, out[3].OK())
}

func TestEnrichAllCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	task := func(ctx context.Context, url, owner string) Outcome {
		called = true
		return Outcome{Status: StatusEnriched}
	}
	out := NewExecutor(task, 10, nil, nil).EnrichAll(ctx, urls(3), "m1")
	assert.False(t, called)
	for _, o := range out {
		assert.Equal(t, StatusCanceled, o.Status)
	}
}

func TestEnrichAllEmpty(t *testing.T) {
	out := NewExecutor(func(context.Context, string, string) Outcome { return Outcome{} }, 10, nil, nil).
		EnrichAll(context.Background(), nil, "m1")
	assert.Empty(t, out)
}
