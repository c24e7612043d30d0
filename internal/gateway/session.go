package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/events"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/version"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	maxFrameBytes    = 8 << 20
)

// SessionInfo describes one admitted session.
type SessionInfo struct {
	ID          int64
	UserID      string
	ProjectID   string
	DocumentID  string
	Role        collab.Role
	State       State
	ConnectedAt time.Time
	ExpiresAt   time.Time
}

type outbound struct {
	frame    Frame
	terminal bool
}

type session struct {
	id      int64
	gateway *Gateway
	conn    *websocket.Conn
	send    chan outbound
	done    chan struct{}
	once    sync.Once
	logger  *zap.Logger

	mu          sync.Mutex
	state       State
	userID      string
	projectID   string
	documentID  documents.DocumentID
	role        collab.Role
	roleStale   bool
	connectedAt time.Time
	lastSeen    time.Time
}

func newSession(g *Gateway, conn *websocket.Conn) *session {
	now := g.clock()
	return &session{
		id:          g.registry.nextSequence(),
		gateway:     g,
		conn:        conn,
		send:        make(chan outbound, g.sendBuffer),
		done:        make(chan struct{}),
		logger:      g.logger,
		state:       StateConnecting,
		connectedAt: now,
		lastSeen:    now,
	}
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:          s.id,
		UserID:      s.userID,
		ProjectID:   s.projectID,
		DocumentID:  s.documentID.String(),
		Role:        s.role,
		State:       s.state,
		ConnectedAt: s.connectedAt,
		ExpiresAt:   s.lastSeen.Add(s.gateway.idleTimeout),
	}
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = state
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastSeen = s.gateway.clock()
	s.mu.Unlock()
}

func (s *session) invalidateRole() {
	s.mu.Lock()
	s.roleStale = true
	s.mu.Unlock()
}

// enqueue queues frame without blocking. It reports false when the session is gone or its
// buffer is full.
func (s *session) enqueue(frame Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- outbound{frame: frame}:
		return true
	default:
		return false
	}
}

// reply queues a frame for this client. A client that cannot keep up with its own replies is dropped.
func (s *session) reply(frame Frame) {
	if !s.enqueue(frame) {
		s.disconnectSlow()
	}
}

// finish queues a last frame, after which the write loop closes the connection.
func (s *session) finish(frame Frame) {
	s.setState(StateClosed)
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- outbound{frame: frame, terminal: true}:
	default:
		s.shutdown()
	}
}

func (s *session) disconnectSlow() {
	s.logger.Info("disconnecting slow sync peer", zap.Int64("session_id", s.id))
	s.shutdown()
}

func (s *session) shutdown() {
	s.once.Do(func() {
		s.setState(StateClosed)
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *session) writeLoop(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case out := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(out.frame); err != nil {
				s.shutdown()
				return
			}
			if out.terminal {
				message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, out.frame.Reason)
				_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
				s.shutdown()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.shutdown()
				return
			}
		}
	}
}

// readLoop processes frames strictly in arrival order. It returns once the session has been
// shut down or a terminal frame has been queued.
func (s *session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameBytes)
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(s.gateway.idleTimeout))
	})

	_ = s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	hello, ok := s.readFrame()
	if !ok {
		return
	}
	if !s.admit(ctx, hello) {
		return
	}

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.gateway.idleTimeout))
		frame, ok := s.readFrame()
		if !ok {
			return
		}
		if !s.handle(ctx, frame) {
			return
		}
	}
}

func (s *session) readFrame() (Frame, bool) {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("sync connection ended", zap.Int64("session_id", s.id), zap.Error(err))
			}
			s.shutdown()
			return Frame{}, false
		}
		s.touch()
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.reply(Frame{Type: FrameError, Reason: ReasonInvalidFrame, Message: "frame is not valid JSON"})
			continue
		}
		return frame, true
	}
}

// admit walks Connecting -> VersionChecked -> AuthorizationChecked.
func (s *session) admit(ctx context.Context, hello Frame) bool {
	g := s.gateway
	if hello.Type != FrameHandshake {
		return s.reject(ReasonInvalidFrame, "first frame must be a handshake")
	}
	if err := g.gate.Admit(hello.ProtocolVersion, hello.ClientVersion); err != nil {
		return s.reject(versionReason(err), err.Error())
	}
	s.setState(StateVersionChecked)

	principal, err := g.tokens.ValidateToken(hello.AuthToken)
	if err != nil {
		g.logger.Info("sync handshake token rejected", zap.Int64("session_id", s.id), zap.Error(err))
		return s.reject(ReasonForbidden, "auth token rejected")
	}
	userID, err := g.identities.ResolveCanonicalUserID(ctx, principal.Claims)
	if err != nil {
		g.logger.Warn("sync handshake identity resolution failed", zap.Int64("session_id", s.id), zap.Error(err))
		return s.reject(ReasonForbidden, "identity could not be resolved")
	}
	documentID, err := documents.ParseDocumentID(hello.DocumentID)
	if err != nil {
		return s.reject(ReasonInvalidFrame, err.Error())
	}
	if !auth.Permits(principal.Grant, documentID.Owner, documentID.Slug) {
		return s.reject(ReasonForbidden, "session is not granted access to this project")
	}
	project, err := g.access.FindProject(ctx, documentID.Owner, documentID.Slug)
	if errors.Is(err, collab.ErrNotFound) {
		return s.reject(ReasonNotFound, "project "+documentID.Owner+"/"+documentID.Slug+" does not exist")
	}
	if err != nil {
		g.logger.Error("sync handshake project lookup failed", zap.Int64("session_id", s.id), zap.Error(err))
		return s.reject(ReasonUnavailable, "project lookup failed")
	}
	role, err := g.access.ResolveRole(ctx, userID, project.ID)
	if err != nil {
		g.logger.Error("sync handshake role resolution failed", zap.Int64("session_id", s.id), zap.Error(err))
		return s.reject(ReasonUnavailable, "role resolution failed")
	}
	if !collab.CanRead(role) {
		return s.reject(ReasonForbidden, "no access to this project")
	}
	if err := g.gate.RequireProject(hello.ClientVersion, project.MinClientVersion); err != nil {
		return s.reject(ReasonVersionTooOld, err.Error())
	}
	documentID, err = s.canonicalAddress(ctx, project, documentID)
	if err != nil {
		g.logger.Error("sync handshake owner lookup failed", zap.Int64("session_id", s.id), zap.Error(err))
		return s.reject(ReasonUnavailable, "project address could not be resolved")
	}
	_, vector, err := g.documents.Capture(ctx, documentID)
	if err != nil {
		g.logger.Error("sync handshake capture failed", zap.Int64("session_id", s.id), zap.Error(err))
		return s.reject(ReasonStorageFailure, "document could not be read")
	}

	s.mu.Lock()
	s.userID = userID
	s.projectID = project.ID
	s.documentID = documentID
	s.role = role
	s.mu.Unlock()
	s.setState(StateAuthorizationChecked)

	s.reply(acceptedHandshake(vector, string(role)))
	g.hub.join(documentID.String(), s)
	g.logger.Info("sync session admitted",
		zap.Int64("session_id", s.id),
		zap.String("user_id", userID),
		zap.String("document_id", documentID.String()),
		zap.String("role", string(role)),
	)
	return true
}

// canonicalAddress rewrites a requested id onto the stored spelling of the project's address.
// Owner lookup is case-insensitive, so "Alice:novel:x" and "alice:novel:x" name one document.
func (s *session) canonicalAddress(ctx context.Context, project collab.Project, requested documents.DocumentID) (documents.DocumentID, error) {
	owner, err := s.gateway.access.OwnerUsername(ctx, project)
	if err != nil {
		return documents.DocumentID{}, err
	}
	return documents.NewDocumentID(owner, project.Slug, requested.ElementID)
}

func (s *session) reject(reason, message string) bool {
	s.gateway.logger.Info("sync handshake rejected",
		zap.Int64("session_id", s.id),
		zap.String("reason", reason),
	)
	s.finish(rejectedHandshake(reason, message))
	return false
}

func versionReason(err error) string {
	if errors.Is(err, version.ErrProtocolIncompatible) {
		return ReasonProtocolMismatch
	}
	return ReasonVersionTooOld
}

// handle processes one frame of an admitted session. It returns false when the session ended.
func (s *session) handle(ctx context.Context, frame Frame) bool {
	switch frame.Type {
	case FrameClose:
		s.shutdown()
		return false
	case FrameSync, FrameUpdate, FrameAwareness:
	default:
		s.reply(Frame{Type: FrameError, Reason: ReasonInvalidFrame, Message: "unexpected frame type " + frame.Type})
		return true
	}

	role, proceed, alive := s.authorize(ctx)
	if !alive {
		return false
	}
	if !proceed {
		return true
	}
	switch frame.Type {
	case FrameSync:
		s.handleSync(ctx, frame)
	case FrameUpdate:
		s.handleUpdate(ctx, frame, role)
	case FrameAwareness:
		s.handleAwareness(frame)
	}
	return true
}

// authorize returns the cached role, re-resolving it after a membership change.
// proceed is false when the frame must be skipped; alive is false once a user who lost
// access has been sent a close frame.
func (s *session) authorize(ctx context.Context) (role collab.Role, proceed bool, alive bool) {
	s.mu.Lock()
	role, stale, userID, projectID := s.role, s.roleStale, s.userID, s.projectID
	s.mu.Unlock()
	if !stale {
		return role, true, true
	}

	resolved, err := s.gateway.access.ResolveRole(ctx, userID, projectID)
	if errors.Is(err, collab.ErrNotFound) {
		resolved, err = collab.RoleNone, nil
	}
	if err != nil {
		s.logger.Error("sync role refresh failed", zap.Int64("session_id", s.id), zap.Error(err))
		s.reply(Frame{Type: FrameError, Reason: ReasonUnavailable, Message: "role could not be refreshed"})
		return role, false, true
	}
	s.mu.Lock()
	s.role = resolved
	s.roleStale = false
	s.mu.Unlock()

	if !collab.CanRead(resolved) {
		s.logger.Info("sync session access revoked", zap.Int64("session_id", s.id), zap.String("user_id", userID))
		s.gateway.hub.leave(s.documentKey(), s.id)
		s.finish(Frame{Type: FrameClose, Reason: ReasonForbidden, Message: "access to this project was revoked"})
		return resolved, false, false
	}
	return resolved, true, true
}

func (s *session) documentKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID.String()
}

func (s *session) handleSync(ctx context.Context, frame Frame) {
	s.mu.Lock()
	documentID := s.documentID
	s.mu.Unlock()

	delta, vector, err := s.gateway.documents.Reconcile(ctx, documentID, frame.StateVector)
	if err != nil {
		if errors.Is(err, crdt.ErrMalformedStateVector) {
			s.reply(Frame{Type: FrameError, Reason: ReasonInvalidFrame, Message: "state vector could not be decoded"})
			return
		}
		s.logger.Error("sync reconcile failed", zap.Int64("session_id", s.id), zap.Error(err))
		s.reply(Frame{Type: FrameError, Reason: ReasonStorageFailure, Message: "document could not be read"})
		return
	}
	s.setState(StateSynced)
	s.reply(Frame{Type: FrameSync, DocumentID: documentID.String(), Update: delta, StateVector: vector})
}

func (s *session) handleUpdate(ctx context.Context, frame Frame, role collab.Role) {
	if s.currentState() != StateSynced {
		s.reply(Frame{Type: FrameError, Reason: ReasonInvalidFrame, Seq: frame.Seq, Message: "send a sync frame before updates"})
		return
	}
	if !collab.CanWrite(role) {
		s.reply(Frame{Type: FrameError, Reason: ReasonReadOnly, Seq: frame.Seq, Message: "role " + string(role) + " cannot edit this document"})
		return
	}

	s.mu.Lock()
	documentID, userID, projectID := s.documentID, s.userID, s.projectID
	s.mu.Unlock()

	result, err := s.gateway.documents.ApplyUpdate(ctx, documentID, frame.Update)
	if err != nil {
		if errors.Is(err, documents.ErrMalformedUpdate) {
			s.reply(Frame{Type: FrameError, Reason: ReasonInvalidUpdate, Seq: frame.Seq, Message: "update could not be decoded"})
			return
		}
		s.logger.Error("sync update apply failed",
			zap.Int64("session_id", s.id),
			zap.String("document_id", documentID.String()),
			zap.Error(err),
		)
		s.reply(Frame{Type: FrameError, Reason: ReasonStorageFailure, Seq: frame.Seq, Message: "update was not stored; retry"})
		return
	}

	s.reply(Frame{Type: FrameAck, Seq: frame.Seq, StateVector: result.StateVector})
	if !result.Changed {
		return
	}
	s.gateway.hub.relay(documentID.String(), s.id, Frame{
		Type:       FrameUpdate,
		DocumentID: documentID.String(),
		UserID:     userID,
		Update:     frame.Update,
	})
	event := events.DocumentUpdated{
		EventType:    events.EventTypeDocumentUpdated,
		DocumentID:   documentID.String(),
		ProjectID:    projectID,
		AuthorUserID: userID,
		UpdateBytes:  len(frame.Update),
		StateVector:  result.StateVector,
		AppliedAt:    s.gateway.clock().UTC(),
	}
	if err := s.gateway.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("document update event not published", zap.String("document_id", documentID.String()), zap.Error(err))
	}
}

func (s *session) handleAwareness(frame Frame) {
	if len(frame.Awareness) == 0 {
		return
	}
	s.mu.Lock()
	documentKey, userID := s.documentID.String(), s.userID
	s.mu.Unlock()
	s.gateway.hub.relay(documentKey, s.id, Frame{
		Type:       FrameAwareness,
		DocumentID: documentKey,
		UserID:     userID,
		Awareness:  frame.Awareness,
	})
}
