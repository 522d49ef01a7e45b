package alarm

import (
	"context"
	"sync"
	"time"

	"github.com/24AWP-FAVICON/alarm-server/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Frame is one server-initiated message on a live stream.
type Frame struct {
	ID    string
	Event string
	Data  interface{}
}

// Connection is an open live stream to one client session.
type Connection interface {
	Send(frame Frame) error
	Close()
}

// session is one registered connection. Frames pushed before the session is
// open are queued and written right after its first frame.
type session struct {
	conn Connection

	mu      sync.Mutex
	open    bool
	pending []Frame
}

func (s *session) send(frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		s.pending = append(s.pending, frame)
		return nil
	}
	return s.conn.Send(frame)
}

// flush writes the queued frames and opens the session.
func (s *session) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) > 0 {
		frame := s.pending[0]
		s.pending = s.pending[1:]
		if err := s.conn.Send(frame); err != nil {
			return err
		}
	}
	s.pending = nil
	s.open = true
	return nil
}

// Registry maps recipients to their live sessions and owns the replay cache.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*session

	cache         ReplayCache
	pruneInterval time.Duration
	logger        zerolog.Logger
}

func NewRegistry(cache ReplayCache, pruneInterval time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions:      make(map[string]map[string]*session),
		cache:         cache,
		pruneInterval: pruneInterval,
		logger:        logger.With().Str("component", "alarm_registry").Logger(),
	}
}

// Register adds an open session for the recipient and returns its id.
// Existing sessions of the same recipient stay registered.
func (r *Registry) Register(recipientID string, conn Connection) string {
	return r.add(recipientID, &session{conn: conn, open: true})
}

// Open registers conn and writes first to it before anything else. Pushes
// that arrive while first is being written are queued and follow it in
// order. On failure the session is deregistered.
func (r *Registry) Open(recipientID string, conn Connection, first Frame) (string, error) {
	sess := &session{conn: conn}
	sessionID := r.add(recipientID, sess)

	err := conn.Send(first)
	if err == nil {
		err = sess.flush()
	}
	if err != nil {
		r.Deregister(recipientID, sessionID)
		return "", errors.Wrap(ErrConnection, err.Error())
	}
	return sessionID, nil
}

func (r *Registry) add(recipientID string, sess *session) string {
	sessionID := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.sessions[recipientID]
	if !ok {
		byID = make(map[string]*session)
		r.sessions[recipientID] = byID
	}
	byID[sessionID] = sess

	r.logger.Debug().
		Str("recipient_id", recipientID).
		Str("session_id", sessionID).
		Int("sessions", len(byID)).
		Msg("session registered")
	return sessionID
}

// Deregister removes one session and reports whether it was registered.
func (r *Registry) Deregister(recipientID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.sessions[recipientID]
	if !ok {
		return false
	}
	if _, ok := byID[sessionID]; !ok {
		return false
	}
	delete(byID, sessionID)
	if len(byID) == 0 {
		delete(r.sessions, recipientID)
	}
	r.logger.Debug().
		Str("recipient_id", recipientID).
		Str("session_id", sessionID).
		Msg("session deregistered")
	return true
}

// Sessions returns a snapshot of the recipient's live sessions.
func (r *Registry) Sessions(recipientID string) map[string]Connection {
	snapshot := make(map[string]Connection)
	for id, sess := range r.snapshot(recipientID) {
		snapshot[id] = sess.conn
	}
	return snapshot
}

func (r *Registry) snapshot(recipientID string) map[string]*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byID := r.sessions[recipientID]
	snapshot := make(map[string]*session, len(byID))
	for id, sess := range byID {
		snapshot[id] = sess
	}
	return snapshot
}

// Push sends the frame to every session of the recipient and returns how many
// accepted it. A frame queued behind a handshake counts as accepted. Sessions
// whose send fails are closed and deregistered.
func (r *Registry) Push(recipientID string, frame Frame) int {
	delivered := 0
	for sessionID, sess := range r.snapshot(recipientID) {
		if err := sess.send(frame); err != nil {
			r.drop(recipientID, sessionID, sess.conn, err)
			continue
		}
		delivered++
	}
	return delivered
}

// PushTo sends the frame to a single session.
func (r *Registry) PushTo(recipientID, sessionID string, frame Frame) error {
	r.mu.RLock()
	sess, ok := r.sessions[recipientID][sessionID]
	r.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrConnection, "session %s is not registered", sessionID)
	}
	if err := sess.send(frame); err != nil {
		r.drop(recipientID, sessionID, sess.conn, err)
		return errors.Wrap(ErrConnection, err.Error())
	}
	return nil
}

func (r *Registry) drop(recipientID, sessionID string, conn Connection, cause error) {
	if r.Deregister(recipientID, sessionID) {
		conn.Close()
	}
	r.logger.Warn().
		Err(cause).
		Str("recipient_id", recipientID).
		Str("session_id", sessionID).
		Msg("push failed, session dropped")
}

// CacheEvent writes the event into the replay cache and returns it with its
// replay key.
func (r *Registry) CacheEvent(ctx context.Context, event models.AlarmEvent) (models.AlarmEvent, error) {
	return r.cache.Append(ctx, event)
}

// EventsSince returns the recipient's cached events after lastSeenKey in key
// order. An empty key yields nothing.
func (r *Registry) EventsSince(ctx context.Context, recipientID, lastSeenKey string) ([]models.AlarmEvent, error) {
	if lastSeenKey == "" {
		return nil, nil
	}
	afterSeq, err := replaySeqFor(recipientID, lastSeenKey)
	if err != nil {
		return nil, err
	}
	return r.cache.Since(ctx, recipientID, afterSeq)
}

func replaySeqFor(recipientID, key string) (uint64, error) {
	owner, seq, err := ParseReplayKey(key)
	if err != nil {
		return 0, err
	}
	if owner != recipientID {
		return 0, errors.Wrapf(ErrInvalidReplayKey, "key belongs to %s", owner)
	}
	return seq, nil
}

// Run prunes the replay cache until the context is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	if r.pruneInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(r.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := r.cache.Prune(ctx, now); err != nil {
				r.logger.Error().Err(err).Msg("failed to prune replay cache")
			}
		}
	}
}

// Close closes and forgets every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]map[string]*session)
	r.mu.Unlock()

	for _, byID := range sessions {
		for _, sess := range byID {
			sess.conn.Close()
		}
	}
}
