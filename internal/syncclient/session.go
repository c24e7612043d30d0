package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/gateway"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
)

var errNotConnected = errors.New("syncclient: not connected")

// Status is a point-in-time view of a session.
type Status struct {
	State   gateway.State
	Offline bool
	Pending int
	Role    string
}

// Session keeps one cached document in sync with the server.
type Session struct {
	client   *Client
	id       documents.DocumentID
	engine   crdt.Engine
	cancel   context.CancelFunc
	finished chan struct{}
	once     sync.Once

	writeMu sync.Mutex
	// flushMu orders cache merges by Edit against the transition to Synced.
	flushMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	state      gateway.State
	everSynced bool
	offline    bool
	role       string
	err        error
	lastServer error
	nextSeq    uint64
	pending    map[uint64]struct{}
	changed    chan struct{}
}

func startSession(ctx context.Context, c *Client, id documents.DocumentID) *Session {
	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		client:   c,
		id:       id,
		engine:   c.cache.Engine(),
		cancel:   cancel,
		finished: make(chan struct{}),
		state:    gateway.StateConnecting,
		pending:  make(map[uint64]struct{}),
		changed:  make(chan struct{}),
	}
	go s.run(runCtx)
	return s
}

// DocumentID returns the document this session serves.
func (s *Session) DocumentID() documents.DocumentID {
	return s.id
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	return Status{State: s.state, Offline: s.offline, Pending: len(s.pending), Role: s.role}
}

// State returns the lifecycle state.
func (s *Session) State() gateway.State {
	return s.Status().State
}

// Offline reports whether MaxAttempts consecutive connection attempts have failed.
func (s *Session) Offline() bool {
	return s.Status().Offline
}

// Err returns the error that closed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastServerError returns the most recent error frame, such as a read-only rejection.
func (s *Session) LastServerError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServer
}

// Wait blocks until cond holds for the session status or ctx ends.
func (s *Session) Wait(ctx context.Context, cond func(Status) bool) error {
	for {
		s.mu.Lock()
		status, changed := s.statusLocked(), s.changed
		s.mu.Unlock()
		if cond(status) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Document returns the cached state.
func (s *Session) Document(ctx context.Context) ([]byte, error) {
	return s.client.cache.Document(ctx, s.id)
}

// Edit merges update into the cache, then sends it when the session is synced.
// It returns once the cache holds the update; delivery catches up on reconnect.
func (s *Session) Edit(ctx context.Context, update []byte) error {
	if s.closed() {
		return ErrSessionClosed
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if _, err := s.client.cache.ApplyLocal(ctx, s.id, update); err != nil {
		return err
	}
	if s.State() != gateway.StateSynced {
		return nil
	}
	if err := s.sendUpdate(update); err != nil {
		s.client.logger.Debug("edit queued for reconnect", zap.String("document_id", s.id.String()), zap.Error(err))
	}
	return nil
}

// Awareness broadcasts an ephemeral presence payload to peers.
func (s *Session) Awareness(payload json.RawMessage) error {
	if s.State() != gateway.StateSynced {
		return errNotConnected
	}
	return s.write(gateway.Frame{Type: gateway.FrameAwareness, Awareness: payload})
}

// Close ends the session. Cached edits stay in the cache.
func (s *Session) Close() error {
	s.once.Do(func() {
		_ = s.write(gateway.Frame{Type: gateway.FrameClose})
		s.cancel()
	})
	<-s.finished
	return nil
}

func (s *Session) closed() bool {
	select {
	case <-s.finished:
		return true
	default:
		return false
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.finished)
	defer s.update(func() { s.state = gateway.StateClosed })

	attempt := 0
	for {
		synced, err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		var rejected *RejectedError
		if errors.As(err, &rejected) && rejected.Fatal() {
			s.client.logger.Warn("sync session rejected",
				zap.String("document_id", s.id.String()),
				zap.String("reason", rejected.Reason),
			)
			s.update(func() { s.err = rejected })
			return
		}
		if synced {
			attempt = 0
		}
		attempt++
		s.update(func() {
			if s.everSynced {
				s.state = gateway.StateDiverged
			}
			if attempt >= s.client.maxAttempts {
				s.offline = true
			}
		})
		s.client.logger.Debug("sync connection lost",
			zap.String("document_id", s.id.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		timer := time.NewTimer(backoffDelay(attempt, s.client.baseBackoff, s.client.maxBackoff))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect runs one connection until it drops. synced reports whether the initial
// reconciliation completed on it.
func (s *Session) connect(ctx context.Context) (synced bool, err error) {
	if err := s.client.checkVersions(ctx); err != nil {
		return false, err
	}
	token, _, err := s.client.cache.AuthToken(ctx)
	if err != nil {
		return false, err
	}
	conn, _, err := s.client.dialer.DialContext(ctx, s.client.syncURL, nil)
	if err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	s.update(func() {
		s.conn = conn
		s.pending = make(map[uint64]struct{})
	})
	defer s.update(func() { s.conn = nil })

	if err := s.write(gateway.Frame{
		Type:            gateway.FrameHandshake,
		ProtocolVersion: s.client.protocolVersion,
		ClientVersion:   s.client.clientVersion,
		DocumentID:      s.id.String(),
		AuthToken:       token,
	}); err != nil {
		return false, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var response gateway.Frame
	if err := conn.ReadJSON(&response); err != nil {
		return false, err
	}
	if response.Type != gateway.FrameHandshake {
		return false, &RejectedError{Reason: gateway.ReasonInvalidFrame, Message: "expected handshake response, got " + response.Type}
	}
	if !response.Accepted() {
		s.client.forgetVersions(ctx, response.Reason)
		return false, &RejectedError{Reason: response.Reason, Message: response.Message}
	}
	_ = conn.SetReadDeadline(time.Time{})
	s.update(func() {
		s.role = response.Role
		if !s.everSynced {
			s.state = gateway.StateAuthorizationChecked
		}
	})

	local, err := s.client.cache.Document(ctx, s.id)
	if err != nil {
		return false, err
	}
	vector, err := s.engine.StateVector(local)
	if err != nil {
		return false, err
	}
	if err := s.write(gateway.Frame{Type: gateway.FrameSync, StateVector: vector}); err != nil {
		return false, err
	}

	for {
		var frame gateway.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return synced, err
		}
		switch frame.Type {
		case gateway.FrameSync:
			if err := s.reconcile(ctx, frame); err != nil {
				return synced, err
			}
			synced = true
		case gateway.FrameUpdate:
			if _, err := s.client.cache.ApplyLocal(ctx, s.id, frame.Update); err != nil {
				return synced, err
			}
		case gateway.FrameAck:
			s.update(func() { delete(s.pending, frame.Seq) })
		case gateway.FrameError:
			s.serverError(frame)
		case gateway.FrameClose:
			return synced, &RejectedError{Reason: frame.Reason, Message: frame.Message}
		}
	}
}

// reconcile merges the server delta and pushes whatever the server vector lacks. Edits
// merged before it returns are part of that push; later ones see Synced and send themselves.
func (s *Session) reconcile(ctx context.Context, frame gateway.Frame) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	local, err := s.client.cache.ApplyLocal(ctx, s.id, frame.Update)
	if err != nil {
		return err
	}
	missing, err := s.engine.Diff(local, frame.StateVector)
	if err != nil {
		return err
	}
	s.update(func() {
		s.state = gateway.StateSynced
		s.everSynced = true
		s.offline = false
	})
	empty, err := s.engine.IsEmpty(missing)
	if err != nil || empty {
		return err
	}
	return s.sendUpdate(missing)
}

func (s *Session) serverError(frame gateway.Frame) {
	rejected := &RejectedError{Reason: frame.Reason, Message: frame.Message}
	s.update(func() {
		s.lastServer = rejected
		// a storage failure stays pending; reconnecting resends it through sync
		if frame.Reason != gateway.ReasonStorageFailure {
			delete(s.pending, frame.Seq)
		}
	})
}

func (s *Session) sendUpdate(update []byte) error {
	var seq uint64
	s.update(func() {
		s.nextSeq++
		seq = s.nextSeq
		s.pending[seq] = struct{}{}
	})
	return s.write(gateway.Frame{Type: gateway.FrameUpdate, Seq: seq, Update: update})
}

func (s *Session) write(frame gateway.Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

// update mutates session fields under the lock and wakes Wait callers.
func (s *Session) update(mutate func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate()
	close(s.changed)
	s.changed = make(chan struct{})
}
