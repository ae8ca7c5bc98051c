package response

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/parley/pkg/models"
)

func collect(t *testing.T, r *Response) ([]string, error) {
	t.Helper()
	var out []string
	for frag, err := range r.Tokens() {
		if err != nil {
			return out, err
		}
		out = append(out, frag)
	}
	return out, nil
}

func feed(frags []string, m *models.Metrics) <-chan models.Chunk {
	ch := make(chan models.Chunk)
	go func() {
		defer close(ch)
		for _, f := range frags {
			ch <- models.Chunk{Delta: f}
		}
		ch <- models.Chunk{Done: true, Metrics: m}
	}()
	return ch
}

func TestFromString(t *testing.T) {
	r := FromString("Hello World", &models.Metrics{EvalCount: 2})

	v, err := r.Value()
	require.NoError(t, err)
	assert.Equal(t, "Hello World", v)
	assert.True(t, r.Done())

	m, ok := r.Metrics()
	assert.True(t, ok)
	assert.Equal(t, 2, m.EvalCount)
}

func TestFromStringEmpty(t *testing.T) {
	r := FromString("", nil)
	frags, err := collect(t, r)
	require.NoError(t, err)
	assert.Empty(t, frags)
	assert.Equal(t, "", r.String())
}

func TestStreamValue(t *testing.T) {
	r := New(feed([]string{"Hello", " ", "World"}, &models.Metrics{EvalCount: 3}))

	_, ok := r.Metrics()
	assert.False(t, ok, "metrics must be absent before completion")

	v, err := r.Value()
	require.NoError(t, err)
	assert.Equal(t, "Hello World", v)

	m, ok := r.Metrics()
	assert.True(t, ok)
	assert.Equal(t, 3, m.EvalCount)
}

func TestTokensRestartPerCursor(t *testing.T) {
	r := New(feed([]string{"a", "b", "c"}, nil))

	first, err := collect(t, r)
	require.NoError(t, err)
	second, err := collect(t, r)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, first)
	assert.Equal(t, first, second)
}

func TestClosedSourceCompletes(t *testing.T) {
	ch := make(chan models.Chunk, 2)
	ch <- models.Chunk{Delta: "x"}
	close(ch)

	r := New(ch)
	v, err := r.Value()
	require.NoError(t, err)
	assert.Equal(t, "x", v)

	m, ok := r.Metrics()
	assert.True(t, ok)
	assert.Equal(t, models.Metrics{}, m)
}

func TestEarlyBreakKeepsBuffer(t *testing.T) {
	r := New(feed([]string{"1", "2", "3"}, nil))

	for frag, err := range r.Tokens() {
		require.NoError(t, err)
		assert.Equal(t, "1", frag)
		break
	}
	assert.False(t, r.Done())

	v, err := r.Value()
	require.NoError(t, err)
	assert.Equal(t, "123", v)
}

func TestFailureMidStream(t *testing.T) {
	boom := errors.New("connection reset")
	ch := make(chan models.Chunk, 3)
	ch <- models.Chunk{Delta: "partial"}
	ch <- models.Chunk{Err: boom}
	close(ch)

	r := New(ch)
	frags, err := collect(t, r)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"partial"}, frags)

	// Later consumers observe the same failure.
	_, err = r.Value()
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, r.Err(), boom)
	_, ok := r.Metrics()
	assert.False(t, ok)
}

func TestFailureCarriesLastDelta(t *testing.T) {
	boom := errors.New("cancelled")
	ch := make(chan models.Chunk, 2)
	ch <- models.Chunk{Delta: "a"}
	ch <- models.Chunk{Delta: "b", Err: boom}
	close(ch)

	frags, err := collect(t, New(ch))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, frags)
}

func TestFailed(t *testing.T) {
	boom := errors.New("boom")
	_, err := Failed(boom).Value()
	assert.ErrorIs(t, err, boom)
}

func TestConcurrentConsumers(t *testing.T) {
	const consumers = 10
	want := make([]string, 20)
	for i := range want {
		want[i] = fmt.Sprintf("%d ", i)
	}

	src := make(chan models.Chunk)
	r := New(src)

	var g errgroup.Group
	results := make([][]string, consumers)
	for n := range consumers {
		g.Go(func() error {
			var got []string
			for frag, err := range r.Tokens() {
				if err != nil {
					return err
				}
				got = append(got, frag)
			}
			results[n] = got
			return nil
		})
	}

	final := &models.Metrics{EvalCount: len(want), TotalDuration: time.Second}
	for _, f := range want {
		src <- models.Chunk{Delta: f}
		_, ok := r.Metrics()
		assert.False(t, ok, "metrics observed before the final fragment")
	}
	src <- models.Chunk{Done: true, Metrics: final}
	close(src)

	require.NoError(t, g.Wait())
	for n := range consumers {
		assert.Equal(t, want, results[n], "consumer %d", n)
	}

	m1, ok := r.Metrics()
	require.True(t, ok)
	m2, _ := r.Metrics()
	assert.Equal(t, *final, m1)
	assert.Equal(t, m1, m2)
}

func TestConcurrentValueAndMetrics(t *testing.T) {
	r := New(feed([]string{"x", "y", "z"}, &models.Metrics{EvalCount: 3}))

	var g errgroup.Group
	for range 4 {
		g.Go(func() error {
			v, err := r.Value()
			if err != nil {
				return err
			}
			if v != "xyz" {
				return fmt.Errorf("got %q", v)
			}
			return nil
		})
	}
	g.Go(func() error {
		for !r.Done() {
			if m, ok := r.Metrics(); ok && m.EvalCount != 3 {
				return fmt.Errorf("unstable metrics %+v", m)
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	})
	require.NoError(t, g.Wait())
}
