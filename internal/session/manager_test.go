package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/grammar"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/loqalabs/loqa-asr/internal/relay"
	"github.com/loqalabs/loqa-asr/internal/stt"
	"github.com/stretchr/testify/require"
)

const testRate = 16000

type collector struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *collector) Send(_ context.Context, ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) all() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.events...)
}

func (c *collector) ofType(t protocol.EventType) []protocol.Event {
	var out []protocol.Event
	for _, ev := range c.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (c *collector) partials() []protocol.Event {
	var out []protocol.Event
	for _, ev := range c.ofType(protocol.EventHypothesis) {
		if !ev.Final {
			out = append(out, ev)
		}
	}
	return out
}

func (c *collector) errorCodes() []protocol.ErrorCode {
	var out []protocol.ErrorCode
	for _, ev := range c.ofType(protocol.EventError) {
		out = append(out, ev.Error.Code)
	}
	return out
}

type countingDecoder struct {
	stt.Decoder
	closes *atomic.Int32
}

func (d *countingDecoder) Close() error {
	d.closes.Add(1)
	return d.Decoder.Close()
}

type fixture struct {
	manager  *Manager
	relay    *relay.Relay
	grammars *grammar.Store
	closes   atomic.Int32
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	return newFixtureWith(t, mutate, nil)
}

// newFixtureWith wraps every mock decoder with wrap before close counting.
func newFixtureWith(t *testing.T, mutate func(*Config), wrap func(stt.Decoder) stt.Decoder) *fixture {
	t.Helper()
	dir := t.TempDir()
	doc := []byte("#JSGF V1.0;\ngrammar digits;\npublic <digits> = ( zero | one | two | three )+ ;\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "digits.gram"), doc, 0o644))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		relay:    relay.New(relay.Config{}, log),
		grammars: grammar.NewStore(dir, log),
	}
	cfg := Config{
		MaxSessions:   4,
		FrameSamples:  testRate / 10,
		BufferSamples: testRate * 4,
		DrainInterval: 5 * time.Millisecond,
		Options:       stt.Options{"-samprate": testRate},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	factory := func(g *grammar.Grammar, opts stt.Options) (stt.Decoder, error) {
		dec := stt.NewMockDecoder(g, opts)
		if wrap != nil {
			dec = wrap(dec)
		}
		return &countingDecoder{Decoder: dec, closes: &f.closes}, nil
	}
	f.manager = NewManager(cfg, factory, f.grammars, f.relay, log)
	t.Cleanup(func() {
		_ = f.manager.Shutdown(context.Background())
		f.relay.Close()
	})
	return f
}

func toneChunk(seq uint64, n int) audio.Chunk {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/testRate))
	}
	return audio.Chunk{Sequence: seq, Samples: samples}
}

func silentChunk(seq uint64, n int) audio.Chunk {
	return audio.Chunk{Sequence: seq, Samples: make([]float32, n)}
}

func waitDrained(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Snapshot().Buffered == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSilenceProducesNoHypothesis(t *testing.T) {
	f := newFixture(t, nil)
	sink := &collector{}

	s, err := f.manager.Connect(context.Background(), "conn-1", "digits", sink)
	require.NoError(t, err)
	require.Equal(t, StateListening, s.State())

	require.NoError(t, f.manager.OnAudio("conn-1", silentChunk(1, testRate/2)))
	waitDrained(t, s)
	f.manager.Disconnect("conn-1")

	require.Empty(t, sink.ofType(protocol.EventHypothesis))
	events := sink.all()
	require.Equal(t, protocol.EventReady, events[0].Type)
	require.Equal(t, "digits", events[0].Grammar)
	require.Equal(t, protocol.EventStopped, events[len(events)-1].Type)
}

func TestToneProducesOneHypothesis(t *testing.T) {
	f := newFixture(t, nil)
	sink := &collector{}

	s, err := f.manager.Connect(context.Background(), "conn-1", "", sink)
	require.NoError(t, err)

	require.NoError(t, f.manager.OnAudio("conn-1", toneChunk(1, testRate/2)))
	waitDrained(t, s)
	f.manager.Disconnect("conn-1")

	partials := sink.partials()
	require.Len(t, partials, 1)
	require.NotEmpty(t, partials[0].Phrase)
	require.Equal(t, s.ID(), partials[0].SessionID)
	require.Len(t, sink.ofType(protocol.EventSpeech), 1)

	finals := sink.ofType(protocol.EventHypothesis)
	require.Len(t, finals, 2)
	require.True(t, finals[1].Final)
	require.Equal(t, partials[0].Phrase, finals[1].Phrase)
}

func TestAudioAfterStopIsDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	sink := &collector{}

	s, err := f.manager.Connect(context.Background(), "conn-1", "digits", sink)
	require.NoError(t, err)
	require.NoError(t, f.manager.OnControl("conn-1", protocol.CommandStop))
	require.Equal(t, StateStopped, s.State())

	bad := audio.Chunk{Sequence: 2, Samples: []float32{float32(math.NaN())}}
	require.NoError(t, f.manager.OnAudio("conn-1", bad))
	require.NoError(t, f.manager.OnAudio("conn-1", toneChunk(3, testRate/2)))
	require.Zero(t, s.Snapshot().Buffered)

	f.manager.Disconnect("conn-1")
	require.Empty(t, sink.ofType(protocol.EventError))
	require.Empty(t, sink.ofType(protocol.EventHypothesis))
}

func TestConcurrentStopReleasesDecoderOnce(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.manager.Connect(context.Background(), "conn-1", "digits", &collector{})
	require.NoError(t, err)
	require.NoError(t, f.manager.OnAudio("conn-1", toneChunk(1, testRate)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = f.manager.OnControl("conn-1", protocol.CommandStop)
		}()
		go func() {
			defer wg.Done()
			f.manager.Disconnect("conn-1")
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), f.closes.Load())
	require.Nil(t, f.manager.Lookup("conn-1"))
}

func TestRestartKeepsGrammarAndDecoder(t *testing.T) {
	f := newFixture(t, nil)
	sink := &collector{}

	s, err := f.manager.Connect(context.Background(), "conn-1", "digits", sink)
	require.NoError(t, err)
	g := s.Grammar()

	require.NoError(t, f.manager.OnAudio("conn-1", toneChunk(1, testRate/2)))
	waitDrained(t, s)
	require.Eventually(t, func() bool { return len(sink.partials()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.manager.OnControl("conn-1", protocol.CommandRestart))
	require.Equal(t, StateListening, s.State())
	require.Same(t, g, s.Grammar())
	require.Equal(t, 1, f.grammars.Loads())

	require.NoError(t, f.manager.OnAudio("conn-1", toneChunk(2, testRate/2)))
	waitDrained(t, s)
	require.Eventually(t, func() bool { return len(sink.partials()) == 2 }, time.Second, 5*time.Millisecond)

	partials := sink.partials()
	require.NotEqual(t, partials[0].Phrase, partials[1].Phrase)
	require.Zero(t, f.closes.Load())
}

func TestEventsNeverReachReusedConnection(t *testing.T) {
	f := newFixture(t, nil)
	first := &collector{}

	old, err := f.manager.Connect(context.Background(), "conn-1", "digits", first)
	require.NoError(t, err)
	f.manager.Disconnect("conn-1")

	second := &collector{}
	fresh, err := f.manager.Connect(context.Background(), "conn-1", "digits", second)
	require.NoError(t, err)
	require.NotEqual(t, old.ID(), fresh.ID())

	require.False(t, f.relay.Deliver(old.ID(), protocol.Event{Type: protocol.EventHypothesis, Phrase: "late"}))

	require.NoError(t, f.manager.OnAudio("conn-1", toneChunk(1, testRate/2)))
	waitDrained(t, fresh)
	f.manager.Disconnect("conn-1")

	for _, ev := range second.all() {
		require.Equal(t, fresh.ID(), ev.SessionID)
	}
	for _, ev := range first.all() {
		require.Equal(t, old.ID(), ev.SessionID)
	}
}

func TestDuplicateConnectIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.manager.Connect(context.Background(), "conn-1", "digits", &collector{})
	require.NoError(t, err)

	dup := &collector{}
	_, err = f.manager.Connect(context.Background(), "conn-1", "digits", dup)
	require.ErrorIs(t, err, ErrSessionExists)
	require.Equal(t, []protocol.ErrorCode{protocol.ErrorSessionExists}, dup.errorCodes())
}

func TestSessionLimit(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxSessions = 1 })
	_, err := f.manager.Connect(context.Background(), "conn-1", "digits", &collector{})
	require.NoError(t, err)

	sink := &collector{}
	_, err = f.manager.Connect(context.Background(), "conn-2", "digits", sink)
	require.ErrorIs(t, err, ErrSessionLimit)
	require.Equal(t, []protocol.ErrorCode{protocol.ErrorSessionLimit}, sink.errorCodes())
}

func TestEngineInitFailureStopsSession(t *testing.T) {
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := relay.New(relay.Config{}, log)
	defer rl.Close()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "digits.gram"), []byte("#JSGF V1.0;"), 0o644))

	boom := errors.New("model files missing")
	factory := func(*grammar.Grammar, stt.Options) (stt.Decoder, error) { return nil, boom }
	m := NewManager(Config{}, factory, grammar.NewStore(dir, log), rl, log)

	sink := &collector{}
	_, err := m.Connect(context.Background(), "conn-1", "digits", sink)
	require.ErrorIs(t, err, stt.ErrEngineInit)
	require.ErrorIs(t, err, boom)

	require.Equal(t, []protocol.ErrorCode{protocol.ErrorEngineInit}, sink.errorCodes())
	require.True(t, sink.ofType(protocol.EventError)[0].Error.Fatal)
	require.Len(t, sink.ofType(protocol.EventStopped), 1)
	require.Empty(t, sink.ofType(protocol.EventReady))
	require.Nil(t, m.Lookup("conn-1"))
}

func TestMissingGrammarFailsConnect(t *testing.T) {
	f := newFixture(t, nil)
	sink := &collector{}

	_, err := f.manager.Connect(context.Background(), "conn-1", "colors", sink)
	require.ErrorIs(t, err, stt.ErrEngineInit)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Equal(t, []protocol.ErrorCode{protocol.ErrorEngineInit}, sink.errorCodes())
	require.Zero(t, f.closes.Load())
}

func TestInvalidAudioKeepsSessionListening(t *testing.T) {
	f := newFixture(t, nil)
	sink := &collector{}

	s, err := f.manager.Connect(context.Background(), "conn-1", "digits", sink)
	require.NoError(t, err)

	bad := audio.Chunk{Sequence: 1, Samples: []float32{0.1, float32(math.Inf(1))}}
	require.NoError(t, f.manager.OnAudio("conn-1", bad))
	require.Eventually(t, func() bool { return len(sink.errorCodes()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.ErrorInvalidInput, sink.errorCodes()[0])
	require.False(t, sink.ofType(protocol.EventError)[0].Error.Fatal)
	require.Equal(t, StateListening, s.State())
	require.Zero(t, s.Snapshot().Buffered)
}

func TestOversizedChunkSignalsOverflow(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.BufferSamples = testRate / 5 })
	sink := &collector{}

	s, err := f.manager.Connect(context.Background(), "conn-1", "digits", sink)
	require.NoError(t, err)

	require.NoError(t, f.manager.OnAudio("conn-1", silentChunk(1, testRate/2)))
	require.Eventually(t, func() bool { return len(sink.errorCodes()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.ErrorOverflow, sink.errorCodes()[0])
	require.Equal(t, uint64(1), s.Snapshot().Overflows)
	require.Equal(t, StateListening, s.State())
}

func TestControlErrors(t *testing.T) {
	f := newFixture(t, nil)
	require.ErrorIs(t, f.manager.OnControl("nobody", protocol.CommandStop), ErrNoSession)
	require.ErrorIs(t, f.manager.OnAudio("nobody", silentChunk(1, 10)), ErrNoSession)

	_, err := f.manager.Connect(context.Background(), "conn-1", "digits", &collector{})
	require.NoError(t, err)
	require.ErrorIs(t, f.manager.OnControl("conn-1", protocol.Command("pause")), ErrUnknownCommand)

	require.NoError(t, f.manager.OnControl("conn-1", protocol.CommandStop))
	require.NoError(t, f.manager.OnControl("conn-1", protocol.CommandRestart))
	require.Equal(t, StateStopped, f.manager.Lookup("conn-1").State())
}

func TestShutdownStopsEverySession(t *testing.T) {
	f := newFixture(t, nil)
	for _, conn := range []string{"a", "b", "c"} {
		_, err := f.manager.Connect(context.Background(), conn, "digits", &collector{})
		require.NoError(t, err)
	}
	require.Len(t, f.manager.Sessions(), 3)
	require.Equal(t, []string{"digits"}, f.manager.Grammars())

	require.NoError(t, f.manager.Shutdown(context.Background()))
	require.Empty(t, f.manager.Sessions())
	require.Equal(t, int32(3), f.closes.Load())

	_, err := f.manager.Connect(context.Background(), "d", "digits", &collector{})
	require.Error(t, err)
}

type memoryRecorder struct {
	mu       sync.Mutex
	sessions []string
	events   []protocol.EventType
}

func (r *memoryRecorder) RecordSession(_ context.Context, sessionID, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	return nil
}

func (r *memoryRecorder) RecordEvent(_ context.Context, ev protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.Type)
	return nil
}

func TestRecorderSeesLifecycleOnly(t *testing.T) {
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := relay.New(relay.Config{}, log)
	defer rl.Close()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "digits.gram"), []byte("#JSGF V1.0;"), 0o644))

	rec := &memoryRecorder{}
	var observed atomic.Int32
	m := NewManager(Config{Options: stt.Options{"-samprate": testRate}, FrameSamples: testRate / 10}, func(g *grammar.Grammar, opts stt.Options) (stt.Decoder, error) {
		return stt.NewMockDecoder(g, opts), nil
	}, grammar.NewStore(dir, log), rl, log,
		WithRecorder(rec),
		WithObserver(func(string, protocol.Event) { observed.Add(1) }))

	s, err := m.Connect(context.Background(), "conn-1", "digits", &collector{})
	require.NoError(t, err)
	require.NoError(t, m.OnAudio("conn-1", toneChunk(1, testRate/2)))
	waitDrained(t, s)
	m.Disconnect("conn-1")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []string{s.ID()}, rec.sessions)
	require.Equal(t, []protocol.EventType{protocol.EventReady, protocol.EventHypothesis, protocol.EventStopped}, rec.events)
	require.Greater(t, observed.Load(), int32(len(rec.events)))
}

func TestSilenceThenUtteranceOnOneSession(t *testing.T) {
	f := newFixture(t, nil)
	sink := &collector{}

	s, err := f.manager.Connect(context.Background(), "conn-1", "digits", sink)
	require.NoError(t, err)

	require.NoError(t, f.manager.OnAudio("conn-1", silentChunk(1, testRate/2)))
	waitDrained(t, s)
	require.Never(t, func() bool { return len(sink.ofType(protocol.EventHypothesis)) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, f.manager.OnAudio("conn-1", toneChunk(2, testRate/2)))
	waitDrained(t, s)
	require.Eventually(t, func() bool { return len(sink.partials()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return len(sink.partials()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	partial := sink.partials()[0]
	require.Equal(t, s.ID(), partial.SessionID)
	require.NotEmpty(t, partial.Phrase)
	require.Equal(t, StateListening, s.State())
}

type brokenDecoder struct {
	stt.Decoder
}

func (d *brokenDecoder) ProcessRaw([]int16) (stt.Result, error) {
	return stt.Result{}, fmt.Errorf("acoustic model unloaded: %w", stt.ErrUnrecoverable)
}

func TestUnrecoverableEngineErrorStopsSession(t *testing.T) {
	f := newFixtureWith(t, nil, func(dec stt.Decoder) stt.Decoder { return &brokenDecoder{Decoder: dec} })
	sink := &collector{}

	s, err := f.manager.Connect(context.Background(), "conn-1", "digits", sink)
	require.NoError(t, err)
	require.NoError(t, f.manager.OnAudio("conn-1", toneChunk(1, testRate/10)))

	require.Eventually(t, func() bool { return s.State() == StateStopped }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.closes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.manager.Disconnect("conn-1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not return after a fatal engine error")
	}
	require.Nil(t, f.manager.Lookup("conn-1"))

	var types []protocol.EventType
	for _, ev := range sink.all() {
		types = append(types, ev.Type)
	}
	require.Equal(t, []protocol.EventType{protocol.EventReady, protocol.EventError, protocol.EventStopped}, types)
	errs := sink.ofType(protocol.EventError)
	require.Equal(t, protocol.ErrorEngineRuntime, errs[0].Error.Code)
	require.True(t, errs[0].Error.Fatal)
	require.EqualValues(t, 1, f.closes.Load())
}

type blockingDecoder struct {
	stt.Decoder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *blockingDecoder) ProcessRaw(samples []int16) (stt.Result, error) {
	d.once.Do(func() { close(d.entered) })
	<-d.release
	return d.Decoder.ProcessRaw(samples)
}

func TestStopDuringFeedReleasesAfterFeedReturns(t *testing.T) {
	blocker := &blockingDecoder{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixtureWith(t, nil, func(dec stt.Decoder) stt.Decoder {
		blocker.Decoder = dec
		return blocker
	})
	sink := &collector{}

	s, err := f.manager.Connect(context.Background(), "conn-1", "digits", sink)
	require.NoError(t, err)
	require.NoError(t, f.manager.OnAudio("conn-1", toneChunk(1, testRate/2)))

	select {
	case <-blocker.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("decoder was never fed")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- f.manager.OnControl("conn-1", protocol.CommandStop) }()

	require.Eventually(t, func() bool { return s.State() == StateStopped }, 2*time.Second, 5*time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("stop returned while a feed was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	require.Zero(t, f.closes.Load())

	close(blocker.release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the feed finished")
	}
	require.EqualValues(t, 1, f.closes.Load())

	buffered := s.Snapshot().Buffered
	require.NoError(t, f.manager.OnAudio("conn-1", toneChunk(2, testRate/10)))
	require.Equal(t, buffered, s.Snapshot().Buffered)
}
