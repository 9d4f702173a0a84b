package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roomcast/internal/chat"
	"roomcast/internal/writer"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []chat.Event
}

func (p *recordingPublisher) PublishRoom(_ context.Context, _ string, ev chat.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Name
	}
	return out
}

func (p *recordingPublisher) last() chat.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []chat.Message
	err  error
}

func (s *recordingSink) Submit(msg chat.Message) (writer.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return writer.Ack{}, s.err
	}
	if err := msg.Validate(0); err != nil {
		return writer.Ack{}, err
	}
	s.msgs = append(s.msgs, msg)
	return writer.Ack{ID: msg.ID, Timestamp: chat.Now()}, nil
}

func (s *recordingSink) submitted() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.msgs...)
}

func newManager(t *testing.T) (*Manager, *recordingPublisher, *recordingSink) {
	pub := &recordingPublisher{}
	sink := &recordingSink{}
	return NewManager(pub, sink, Options{Logger: zaptest.NewLogger(t)}), pub, sink
}

func TestStreamLifecycle(t *testing.T) {
	m, pub, sink := newManager(t)
	ctx := context.Background()

	id, err := m.Start(ctx, "R1", "assistant", "u1")
	require.NoError(t, err)
	for _, chunk := range []string{"Hel", "lo", " world"} {
		require.True(t, m.Chunk(ctx, id, chunk))
	}
	snap, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Hello world", snap.Content)

	done, err := m.Complete(ctx, id)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Zero(t, m.Active())

	assert.Equal(t, []string{
		chat.EventAIStart, chat.EventAIChunk, chat.EventAIChunk, chat.EventAIChunk, chat.EventAIComplete,
	}, pub.names())
	var complete chat.AICompletePayload
	require.NoError(t, pub.last().Decode(&complete))
	assert.Equal(t, "Hello world", complete.Content)
	assert.Equal(t, chat.TypeAI, complete.Message.Type)

	msgs := sink.submitted()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello world", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[0].AIKind)
	assert.Equal(t, "R1", msgs[0].RoomID)
}

func TestChunkCarriesAccumulatedContent(t *testing.T) {
	m, pub, _ := newManager(t)
	ctx := context.Background()
	id, _ := m.Start(ctx, "R1", "assistant", "u1")
	m.Chunk(ctx, id, "a")
	m.Chunk(ctx, id, "b")
	var chunk chat.AIChunkPayload
	require.NoError(t, pub.last().Decode(&chunk))
	assert.Equal(t, "b", chunk.Chunk)
	assert.Equal(t, "ab", chunk.Content)
}

func TestFailDiscardsContent(t *testing.T) {
	m, pub, sink := newManager(t)
	ctx := context.Background()
	id, _ := m.Start(ctx, "R1", "assistant", "u1")
	m.Chunk(ctx, id, "partial")
	assert.True(t, m.Fail(ctx, id, errors.New("model crashed")))
	assert.Equal(t, chat.EventAIError, pub.last().Name)
	assert.Empty(t, sink.submitted())
	assert.False(t, m.Fail(ctx, id, nil), "second remover no-ops")
}

func TestCancelRacesComplete(t *testing.T) {
	m, pub, sink := newManager(t)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		id, _ := m.Start(ctx, "R1", "assistant", "u1")
		m.Chunk(ctx, id, "x")
		var (
			wg        sync.WaitGroup
			completed bool
			cancelled bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			completed, _ = m.Complete(ctx, id)
		}()
		go func() {
			defer wg.Done()
			cancelled = m.Cancel(id)
		}()
		wg.Wait()
		assert.True(t, completed != cancelled, "exactly one remover wins")
	}
	completes := 0
	for _, name := range pub.names() {
		if name == chat.EventAIComplete {
			completes++
		}
	}
	assert.Equal(t, len(sink.submitted()), completes)
	assert.Zero(t, m.Active())
}

func TestCancelIsSilent(t *testing.T) {
	m, pub, _ := newManager(t)
	ctx := context.Background()
	id, _ := m.Start(ctx, "R1", "assistant", "u1")
	_, _ = m.Start(ctx, "R2", "assistant", "u1")
	other, _ := m.Start(ctx, "R1", "assistant", "u2")
	before := len(pub.names())

	assert.True(t, m.Cancel(id))
	assert.False(t, m.Chunk(ctx, id, "late"))
	assert.Equal(t, 1, m.CancelOwner("u1"))
	assert.Equal(t, before, len(pub.names()))
	_, ok := m.Get(other)
	assert.True(t, ok, "other owners' sessions are independent")

	done, err := m.Complete(ctx, id)
	assert.NoError(t, err)
	assert.False(t, done)
}

func TestSweepReclaimsStaleSessions(t *testing.T) {
	m, pub, _ := newManager(t)
	ctx := context.Background()
	now := time.Now()
	m.now = func() time.Time { return now }
	stale, _ := m.Start(ctx, "R1", "assistant", "u1")
	now = now.Add(90 * time.Second)
	fresh, _ := m.Start(ctx, "R1", "assistant", "u2")
	before := len(pub.names())

	assert.Equal(t, 1, m.Sweep(now.Add(45*time.Second)))
	_, ok := m.Get(stale)
	assert.False(t, ok)
	_, ok = m.Get(fresh)
	assert.True(t, ok)
	assert.Equal(t, before, len(pub.names()), "sweep does not broadcast")
}

func TestCompleteSurfacesOverload(t *testing.T) {
	m, pub, sink := newManager(t)
	sink.err = fmt.Errorf("%w: write buffer full", chat.ErrOverloaded)
	ctx := context.Background()
	id, _ := m.Start(ctx, "R1", "assistant", "u1")
	m.Chunk(ctx, id, "hi")
	done, err := m.Complete(ctx, id)
	assert.True(t, done)
	assert.ErrorIs(t, err, chat.ErrOverloaded)
	assert.Equal(t, chat.EventAIError, pub.last().Name)
}

type scriptedGenerator struct {
	chunks []string
	err    error
	block  bool
}

func (g scriptedGenerator) Generate(ctx context.Context, _, _ string, onChunk func(string) error) error {
	for _, c := range g.chunks {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	if g.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return g.err
}

func TestGenerateCompletes(t *testing.T) {
	m, pub, sink := newManager(t)
	_, err := m.Generate(context.Background(), scriptedGenerator{chunks: []string{"Hel", "lo", " world"}}, "R1", "assistant", "u1", "hi")
	require.NoError(t, err)
	assert.Equal(t, chat.EventAIComplete, pub.last().Name)
	require.Len(t, sink.submitted(), 1)
	assert.Equal(t, "Hello world", sink.submitted()[0].Content)
}

func TestGenerateFails(t *testing.T) {
	m, pub, sink := newManager(t)
	_, err := m.Generate(context.Background(), scriptedGenerator{chunks: []string{"Hel"}, err: errors.New("boom")}, "R1", "assistant", "u1", "hi")
	require.NoError(t, err)
	assert.Equal(t, chat.EventAIError, pub.last().Name)
	assert.Empty(t, sink.submitted())
}

func TestGenerateStopsWhenOwnerLeaves(t *testing.T) {
	m, pub, sink := newManager(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Generate(context.Background(), scriptedGenerator{chunks: []string{"thinking"}, block: true}, "R1", "assistant", "u1", "hi")
	}()
	require.Eventually(t, func() bool { return m.Active() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.CancelOwner("u1"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generation was not cancelled")
	}
	assert.NotContains(t, pub.names(), chat.EventAIError)
	assert.NotContains(t, pub.names(), chat.EventAIComplete)
	assert.Empty(t, sink.submitted())
}

func TestOllamaGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range []string{
			`{"model":"llama3","response":"Hel","done":false}`,
			`{"model":"llama3","response":"lo","done":false}`,
			`{"model":"llama3","response":"","done":true}`,
		} {
			_, _ = fmt.Fprintln(w, line)
		}
	}))
	defer srv.Close()

	gen, err := NewOllamaGenerator(srv.URL, "llama3", srv.Client())
	require.NoError(t, err)
	var got []string
	err = gen.Generate(context.Background(), "assistant", "hi", func(c string) error {
		got = append(got, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, got)
}

func TestMentions(t *testing.T) {
	mentions := Mentions("hey @Assistant can you ask @bob? email me at a@b.c @assistant")
	assert.Equal(t, []string{"assistant", "bob"}, mentions)
	kind, ok := Trigger(mentions, []string{"summarize", "assistant"})
	assert.True(t, ok)
	assert.Equal(t, "assistant", kind)
	_, ok = Trigger([]string{"bob"}, []string{"assistant"})
	assert.False(t, ok)
}
