package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/events"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/version"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultIdleTimeout = 90 * time.Second
	defaultSendBuffer  = 64
)

var (
	errMissingTokens     = errors.New("gateway: token validator dependency required")
	errMissingIdentities = errors.New("gateway: identity resolver dependency required")
	errMissingAccess     = errors.New("gateway: access control dependency required")
	errMissingDocuments  = errors.New("gateway: document store dependency required")
	errMissingGate       = errors.New("gateway: version gate dependency required")
)

// TokenValidator authenticates the token carried by a handshake.
type TokenValidator interface {
	ValidateToken(token string) (auth.Principal, error)
}

// IdentityResolver maps session claims to the canonical user id.
type IdentityResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// AccessControl resolves project addresses and roles.
type AccessControl interface {
	FindProject(ctx context.Context, ownerUsername, slug string) (collab.Project, error)
	ResolveRole(ctx context.Context, userID, projectID string) (collab.Role, error)
	OwnerUsername(ctx context.Context, project collab.Project) (string, error)
}

// DocumentStore is the durable side of every session.
type DocumentStore interface {
	ApplyUpdate(ctx context.Context, id documents.DocumentID, update []byte) (documents.ApplyResult, error)
	Capture(ctx context.Context, id documents.DocumentID) ([]byte, []byte, error)
	Reconcile(ctx context.Context, id documents.DocumentID, remoteVector []byte) ([]byte, []byte, error)
}

// Config wires the gateway.
type Config struct {
	Tokens     TokenValidator
	Identities IdentityResolver
	Access     AccessControl
	Documents  DocumentStore
	Gate       *version.Gate
	Publisher  events.Publisher
	// IdleTimeout closes sessions that sent nothing, pongs included, for this long.
	IdleTimeout time.Duration
	SendBuffer  int
	// AllowedOrigins restricts browser origins; empty allows any origin.
	AllowedOrigins []string
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Gateway serves sync sessions and implements collab.MembershipObserver.
type Gateway struct {
	tokens      TokenValidator
	identities  IdentityResolver
	access      AccessControl
	documents   DocumentStore
	gate        *version.Gate
	publisher   events.Publisher
	idleTimeout time.Duration
	sendBuffer  int
	clock       func() time.Time
	logger      *zap.Logger

	upgrader websocket.Upgrader
	hub      *hub
	registry *registry
}

var _ collab.MembershipObserver = (*Gateway)(nil)

func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Tokens == nil:
		return nil, errMissingTokens
	case cfg.Identities == nil:
		return nil, errMissingIdentities
	case cfg.Access == nil:
		return nil, errMissingAccess
	case cfg.Documents == nil:
		return nil, errMissingDocuments
	case cfg.Gate == nil:
		return nil, errMissingGate
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		tokens:      cfg.Tokens,
		identities:  cfg.Identities,
		access:      cfg.Access,
		documents:   cfg.Documents,
		gate:        cfg.Gate,
		publisher:   publisher,
		idleTimeout: idle,
		sendBuffer:  buffer,
		clock:       clock,
		logger:      logger,
		hub:         newHub(),
		registry:    newRegistry(),
	}
	g.upgrader = websocket.Upgrader{CheckOrigin: originChecker(cfg.AllowedOrigins)}
	return g, nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, candidate := range allowed {
			if candidate == "*" || strings.EqualFold(candidate, origin) {
				return true
			}
		}
		return false
	}
}

// Handle is the gin handler for GET /api/v1/sync.
func (g *Gateway) Handle(c *gin.Context) {
	g.ServeHTTP(c.Writer, c.Request)
}

// ServeHTTP upgrades the request and runs the session until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("sync upgrade failed", zap.String("origin", r.Header.Get("Origin")), zap.Error(err))
		return
	}
	s := newSession(g, conn)
	g.registry.add(s)
	defer g.registry.remove(s.id)

	go s.writeLoop(g.pingPeriod())
	s.readLoop(r.Context())
	<-s.done
	g.hub.leave(s.documentKey(), s.id)
}

func (g *Gateway) pingPeriod() time.Duration {
	period := g.idleTimeout * 9 / 10
	if period < time.Second {
		period = time.Second
	}
	return period
}

// MembershipChanged marks the cached role of the user's open sessions on the project stale.
// Each session re-resolves on its next frame and is closed if access is gone.
func (g *Gateway) MembershipChanged(change collab.MembershipChange) {
	for _, s := range g.registry.members(change.ProjectID, change.UserID) {
		s.invalidateRole()
	}
}

// All lists sessions that have not passed their idle deadline.
func (g *Gateway) All() []SessionInfo {
	return g.registry.alive(g.clock())
}

// Close sends every session a close frame. Updates already acknowledged stay applied.
func (g *Gateway) Close() {
	for _, s := range g.registry.list() {
		s.finish(Frame{Type: FrameClose, Reason: ReasonShuttingDown, Message: "server is shutting down"})
	}
}
