package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type captureSink struct {
	mu     sync.Mutex
	events []protocol.Event
	delay  time.Duration
}

func (c *captureSink) Send(_ context.Context, ev protocol.Event) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) snapshot() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.events...)
}

func TestRelayPreservesPerSessionOrder(t *testing.T) {
	r := New(Config{QueueSize: 4}, newLogger())
	defer r.Close()

	sink := &captureSink{delay: time.Millisecond}
	require.NoError(t, r.Register("s1", "conn-1", sink))
	for i := 0; i < 50; i++ {
		require.True(t, r.Deliver("s1", protocol.Event{Type: protocol.EventHypothesis, Phrase: fmt.Sprint(i), Final: true}))
	}
	r.Unregister("s1")

	events := sink.snapshot()
	require.Len(t, events, 50)
	for i, ev := range events {
		require.Equal(t, fmt.Sprint(i), ev.Phrase)
		require.Equal(t, "s1", ev.SessionID)
		require.False(t, ev.Timestamp.IsZero())
	}
}

func TestRelayDropsLateEventsInsteadOfReusingConnection(t *testing.T) {
	r := New(Config{}, newLogger())
	defer r.Close()

	first := &captureSink{}
	require.NoError(t, r.Register("s1", "conn-1", first))
	require.True(t, r.Deliver("s1", protocol.Event{Type: protocol.EventReady}))
	r.Unregister("s1")

	// same connection id, new session
	second := &captureSink{}
	require.NoError(t, r.Register("s2", "conn-1", second))

	require.False(t, r.Deliver("s1", protocol.Event{Type: protocol.EventHypothesis, Phrase: "late"}))
	require.EqualValues(t, 1, r.Dropped())

	r.Unregister("s2")
	require.Len(t, first.snapshot(), 1)
	require.Empty(t, second.snapshot())
}

func TestRelayRejectsDuplicateRoute(t *testing.T) {
	r := New(Config{}, newLogger())
	defer r.Close()
	require.NoError(t, r.Register("s1", "conn-1", &captureSink{}))
	require.ErrorIs(t, r.Register("s1", "conn-2", &captureSink{}), ErrRouteExists)
}

func TestRelayUnregisterIsIdempotent(t *testing.T) {
	r := New(Config{}, newLogger())
	require.NoError(t, r.Register("s1", "conn-1", &captureSink{}))
	r.Unregister("s1")
	r.Unregister("s1")
	require.Zero(t, r.Routes())
	r.Close()
}

func TestRelayConcurrentDeliverAndUnregister(t *testing.T) {
	r := New(Config{QueueSize: 1}, newLogger())
	defer r.Close()
	sink := &captureSink{}
	require.NoError(t, r.Register("s1", "conn-1", sink))

	var wg sync.WaitGroup
	var delivered sync.Map
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if r.Deliver("s1", protocol.Event{Type: protocol.EventSpeech}) {
					delivered.Store(fmt.Sprintf("%d-%d", i, j), true)
				}
			}
		}(i)
	}
	r.Unregister("s1")
	wg.Wait()

	var accepted int
	delivered.Range(func(_, _ any) bool { accepted++; return true })
	require.Equal(t, accepted, len(sink.snapshot()))
	require.EqualValues(t, 400-accepted, r.Dropped())
}

type gatedSink struct {
	captureSink
	entered chan struct{}
	open    chan struct{}
	once    sync.Once
}

func (g *gatedSink) Send(ctx context.Context, ev protocol.Event) error {
	g.once.Do(func() { close(g.entered) })
	<-g.open
	return g.captureSink.Send(ctx, ev)
}

func TestRelayShedsPartialsForSlowConnection(t *testing.T) {
	r := New(Config{QueueSize: 2}, newLogger())
	defer r.Close()
	sink := &gatedSink{entered: make(chan struct{}), open: make(chan struct{})}
	require.NoError(t, r.Register("s1", "conn-1", sink))

	require.True(t, r.Deliver("s1", protocol.Event{Type: protocol.EventReady}))
	<-sink.entered
	require.True(t, r.Deliver("s1", protocol.Event{Type: protocol.EventHypothesis, Phrase: "one"}))
	require.True(t, r.Deliver("s1", protocol.Event{Type: protocol.EventHypothesis, Phrase: "one two"}))

	// queue full: partials and speech notices are shed without waiting
	require.False(t, r.Deliver("s1", protocol.Event{Type: protocol.EventHypothesis, Phrase: "one two three"}))
	require.False(t, r.Deliver("s1", protocol.Event{Type: protocol.EventSilence}))
	require.EqualValues(t, 2, r.Shed())
	require.EqualValues(t, 2, r.Dropped())

	// a final hypothesis waits for room instead
	queued := make(chan bool, 1)
	go func() {
		queued <- r.Deliver("s1", protocol.Event{Type: protocol.EventHypothesis, Phrase: "one two three", Final: true})
	}()
	select {
	case <-queued:
		t.Fatal("final hypothesis was not held for a full queue")
	case <-time.After(50 * time.Millisecond):
	}
	close(sink.open)
	require.True(t, <-queued)
	r.Unregister("s1")

	var phrases []string
	for _, ev := range sink.snapshot() {
		phrases = append(phrases, ev.Phrase)
	}
	require.Equal(t, []string{"", "one", "one two", "one two three"}, phrases)
	require.True(t, sink.snapshot()[3].Final)
}
