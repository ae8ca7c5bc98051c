package middleware

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/parley/pkg/response"
)

func wrapAll(width int, frags ...string) string {
	var sb strings.Builder
	w := &wrapper{width: width}
	emit := func(s string) { sb.WriteString(s) }
	for _, f := range frags {
		w.feed(f, emit)
	}
	w.flush(emit)
	return sb.String()
}

func TestWrapper(t *testing.T) {
	tests := []struct {
		name  string
		width int
		frags []string
		want  string
	}{
		{"fits", 80, []string{"hello world"}, "hello world"},
		{"breaks", 12, []string{"Hello wo", "rld, this is a lon", "ger reply"}, "Hello world,\nthis is a\nlonger reply"},
		{"keeps newlines", 80, []string{"one\n", "two"}, "one\ntwo"},
		{"wide runes", 5, []string{"日本 語"}, "日本\n語"},
		{"collapses at break", 5, []string{"abc    def"}, "abc\ndef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, wrapAll(tt.width, tt.frags...))
		})
	}
}

func TestEcho(t *testing.T) {
	var out bytes.Buffer
	inner := &fakeModel{reply: func(int, Request) (*response.Response, error) {
		return stream("Hello wo", "rld, this is a lon", "ger reply"), nil
	}}

	resp, err := NewChain(Echo(EchoConfig{Writer: &out, Width: 12, Prompt: true})).Then(inner).
		Chat(context.Background(), Request{Prompt: "hi\nthere"})
	require.NoError(t, err)
	assert.True(t, inner.last().Stream, "echo streams")
	assert.Equal(t, "\n> hi\n> there\n\nHello world,\nthis is a\nlonger reply\n", out.String())

	// The echoed reply can still be consumed by the caller.
	assert.Equal(t, "Hello world, this is a longer reply", resp.String())
}

func TestEchoWithoutPrompt(t *testing.T) {
	var out bytes.Buffer
	_, err := NewChain(Echo(EchoConfig{Writer: &out})).Then(replying("short")).
		Chat(context.Background(), Request{Prompt: "hidden"})
	require.NoError(t, err)
	assert.Equal(t, "short\n", out.String())
}

func TestEchoFailure(t *testing.T) {
	var out bytes.Buffer
	boom := errors.New("dropped")

	_, err := NewChain(Echo(EchoConfig{Writer: &out})).Then(&fakeModel{reply: func(int, Request) (*response.Response, error) {
		return nil, boom
	}}).Chat(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, out.String())

	_, err = NewChain(Echo(EchoConfig{Writer: &out})).Then(&fakeModel{reply: func(int, Request) (*response.Response, error) {
		return failing(boom, "some "), nil
	}}).Chat(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "some\n", out.String())
}

// syncBuffer is written by the progress worker and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressStopsBeforeReturn(t *testing.T) {
	out := &syncBuffer{}
	sp := spinner.Spinner{Frames: []string{"-", "+"}, FPS: time.Millisecond}
	release := make(chan struct{})

	inner := &fakeModel{reply: func(int, Request) (*response.Response, error) {
		<-release
		return response.FromString("done", nil), nil
	}}
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	_, err := NewChain(Echo(EchoConfig{Writer: out, Spinner: &sp})).Then(inner).
		Chat(context.Background(), Request{})
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "\r-")
	assert.True(t, strings.HasSuffix(got, "\r \rdone\n"), "spinner cleared before the reply: %q", got)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, got, out.String(), "no output after return")
}

func TestSpinnerByName(t *testing.T) {
	s, ok := SpinnerByName("Dot")
	require.True(t, ok)
	assert.Equal(t, spinner.Dot.Frames, s.Frames)

	_, ok = SpinnerByName("nope")
	assert.False(t, ok)
}
