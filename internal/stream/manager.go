// Package stream tracks in-flight AI responses. A session moves from start
// through chunks to exactly one of complete or error; cancellation and the
// stale sweep remove it silently. Whichever transition removes a session
// first wins and later ones observe it gone.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomcast/internal/chat"
	"roomcast/internal/writer"
)

const (
	DefaultStaleAfter    = 2 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Publisher fans room events out to every process.
type Publisher interface {
	PublishRoom(ctx context.Context, roomID string, ev chat.Event) error
}

// Submitter persists completed responses.
type Submitter interface {
	Submit(msg chat.Message) (writer.Ack, error)
}

// Options tune a Manager.
type Options struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
	Logger        *zap.Logger
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	ID        string
	RoomID    string
	Kind      string
	Owner     string
	Content   string
	StartedAt time.Time
	UpdatedAt time.Time
}

type session struct {
	id, roomID, kind, owner string
	startedAt               time.Time
	cancel                  context.CancelFunc

	mu        sync.Mutex
	content   strings.Builder
	updatedAt time.Time
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:        s.id,
		RoomID:    s.roomID,
		Kind:      s.kind,
		Owner:     s.owner,
		Content:   s.content.String(),
		StartedAt: s.startedAt,
		UpdatedAt: s.updatedAt,
	}
}

// Manager owns the streaming sessions of one process.
type Manager struct {
	pub    Publisher
	sink   Submitter
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager builds a Manager.
func NewManager(pub Publisher, sink Submitter, opts Options) *Manager {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pub:      pub,
		sink:     sink,
		opts:     opts,
		logger:   logger.Named("stream"),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Start allocates a session for an AI response in roomID and announces it.
func (m *Manager) Start(ctx context.Context, roomID, kind, owner string) (string, error) {
	s, err := m.start(ctx, roomID, kind, owner, func() {})
	if err != nil {
		return "", err
	}
	return s.id, nil
}

func (m *Manager) start(ctx context.Context, roomID, kind, owner string, cancel context.CancelFunc) (*session, error) {
	if roomID == "" || kind == "" {
		return nil, fmt.Errorf("%w: room and kind are required", chat.ErrValidation)
	}
	now := chat.Millis(m.now())
	s := &session{
		id:        "ai-" + uuid.NewString(),
		roomID:    roomID,
		kind:      kind,
		owner:     owner,
		startedAt: now,
		updatedAt: now,
		cancel:    cancel,
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.publish(ctx, roomID, chat.NewEvent(chat.EventAIStart, roomID, chat.AIStartPayload{
		ID:        s.id,
		RoomID:    roomID,
		Kind:      kind,
		Timestamp: now,
	}))
	return s, nil
}

// Chunk appends text to the session and broadcasts it. It reports false when
// the session no longer exists.
func (m *Manager) Chunk(ctx context.Context, id, text string) bool {
	s := m.lookup(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	s.content.WriteString(text)
	s.updatedAt = m.now()
	content := s.content.String()
	s.mu.Unlock()

	m.publish(ctx, s.roomID, chat.NewEvent(chat.EventAIChunk, s.roomID, chat.AIChunkPayload{
		ID:      id,
		Chunk:   text,
		Content: content,
	}))
	return true
}

// Complete removes the session, submits its content through the writer and
// broadcasts the completion. It reports false without error when the session
// was already removed.
func (m *Manager) Complete(ctx context.Context, id string) (bool, error) {
	s := m.remove(id)
	if s == nil {
		return false, nil
	}
	snap := s.snapshot()
	msg := chat.Message{
		ID:      snap.ID,
		RoomID:  snap.RoomID,
		Type:    chat.TypeAI,
		AIKind:  snap.Kind,
		Content: snap.Content,
	}
	ack, err := m.sink.Submit(msg)
	if err != nil {
		m.logger.Warn("ai response not persisted", zap.String("stream", id), zap.String("room", snap.RoomID), zap.Error(err))
		m.publish(ctx, snap.RoomID, chat.NewEvent(chat.EventAIError, snap.RoomID, chat.AIErrorPayload{
			ID:    id,
			Error: err.Error(),
		}))
		return true, err
	}
	msg.ID = ack.ID
	msg.Timestamp = ack.Timestamp
	m.publish(ctx, snap.RoomID, chat.NewEvent(chat.EventAIComplete, snap.RoomID, chat.AICompletePayload{
		ID:      id,
		Content: msg.Content,
		Message: msg,
	}))
	return true, nil
}

// Fail removes the session and broadcasts the error. Partial content is
// discarded.
func (m *Manager) Fail(ctx context.Context, id string, cause error) bool {
	s := m.remove(id)
	if s == nil {
		return false
	}
	reason := "generation failed"
	if cause != nil {
		reason = cause.Error()
	}
	m.publish(ctx, s.roomID, chat.NewEvent(chat.EventAIError, s.roomID, chat.AIErrorPayload{
		ID:    id,
		Error: reason,
	}))
	return true
}

// Cancel removes the session without broadcasting.
func (m *Manager) Cancel(id string) bool {
	return m.remove(id) != nil
}

// CancelOwner cancels every session started on behalf of owner.
func (m *Manager) CancelOwner(owner string) int {
	if owner == "" {
		return 0
	}
	m.mu.Lock()
	var victims []*session
	for id, s := range m.sessions {
		if s.owner == owner {
			delete(m.sessions, id)
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()
	for _, s := range victims {
		s.cancel()
	}
	return len(victims)
}

// Sweep cancels sessions without a chunk for longer than the stale timeout.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.opts.StaleAfter)
	m.mu.Lock()
	var victims []*session
	for id, s := range m.sessions {
		s.mu.Lock()
		stale := s.updatedAt.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(m.sessions, id)
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()
	for _, s := range victims {
		s.cancel()
		m.logger.Info("stale ai stream reclaimed", zap.String("stream", s.id), zap.String("room", s.roomID))
	}
	return len(victims)
}

// Run sweeps periodically until ctx is done, then cancels what is left.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			left := m.sessions
			m.sessions = make(map[string]*session)
			m.mu.Unlock()
			for _, s := range left {
				s.cancel()
			}
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

// Get returns a snapshot of a live session.
func (m *Manager) Get(id string) (Snapshot, bool) {
	s := m.lookup(id)
	if s == nil {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) lookup(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) remove(id string) *session {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.cancel()
	return s
}

func (m *Manager) publish(ctx context.Context, roomID string, ev chat.Event) {
	if err := m.pub.PublishRoom(ctx, roomID, ev); err != nil {
		m.logger.Warn("ai event not published", zap.String("event", ev.Name), zap.String("room", roomID), zap.Error(err))
	}
}

var errSessionGone = errors.New("stream session gone")

// Generate drives gen through a full session for prompt. It returns the
// session id once the stream has finished, failed or been cancelled.
func (m *Manager) Generate(ctx context.Context, gen Generator, roomID, kind, owner, prompt string) (string, error) {
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s, err := m.start(ctx, roomID, kind, owner, cancel)
	if err != nil {
		return "", err
	}
	err = gen.Generate(genCtx, kind, prompt, func(chunk string) error {
		if !m.Chunk(ctx, s.id, chunk) {
			return errSessionGone
		}
		return nil
	})
	switch {
	case err == nil:
		_, err = m.Complete(ctx, s.id)
		return s.id, err
	case errors.Is(err, errSessionGone), m.lookup(s.id) == nil:
		return s.id, nil
	default:
		m.logger.Warn("ai generation failed", zap.String("stream", s.id), zap.String("kind", kind), zap.Error(err))
		m.Fail(ctx, s.id, err)
		return s.id, nil
	}
}
