// Package syncclient is the client runtime of the sync protocol. Edits land in the local
// cache first and reach the server whenever a session is connected.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/clientcache"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/migration"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/version"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultBaseBackoff = 250 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
	defaultMaxAttempts = 5
)

var (
	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("syncclient: session closed")

	errMissingURL   = errors.New("syncclient: sync url required")
	errMissingCache = errors.New("syncclient: client cache required")
)

// RejectedError is a handshake rejection or close frame sent by the server.
type RejectedError struct {
	Reason  string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "syncclient: rejected: " + e.Reason
	}
	return fmt.Sprintf("syncclient: rejected: %s: %s", e.Reason, e.Message)
}

// Unwrap maps the reason onto the error taxonomy of the owning packages.
func (e *RejectedError) Unwrap() error {
	switch e.Reason {
	case gateway.ReasonProtocolMismatch:
		return version.ErrProtocolIncompatible
	case gateway.ReasonVersionTooOld:
		return version.ErrClientVersionTooOld
	case gateway.ReasonForbidden:
		return collab.ErrForbidden
	case gateway.ReasonNotFound:
		return collab.ErrNotFound
	default:
		return nil
	}
}

// Fatal reports whether reconnecting could succeed without user action.
func (e *RejectedError) Fatal() bool {
	return gateway.Fatal(e.Reason)
}

// VersionSource supplies cached server version info; version.InfoCache satisfies it.
type VersionSource interface {
	Get(ctx context.Context, profileID, baseURL string) (version.ProtocolVersionInfo, error)
	// Invalidate drops cached info the server has just contradicted.
	Invalidate(ctx context.Context, profileID string) error
}

// Config describes how a client reaches one server profile.
type Config struct {
	// SyncURL is the websocket endpoint, e.g. ws://host/api/v1/sync.
	SyncURL string
	Cache   *clientcache.Cache
	// ProtocolVersion defaults to version.ProtocolVersion.
	ProtocolVersion int
	ClientVersion   string

	// Versions, when set, is consulted before dialing so an incompatible server is
	// reported without opening a socket.
	Versions   VersionSource
	HealthBase string

	Dialer      *websocket.Dialer
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxAttempts consecutive failures flip Offline; retries continue afterwards.
	MaxAttempts int
	Logger      *zap.Logger
}

// Client opens sync sessions against one server profile.
type Client struct {
	syncURL         string
	cache           *clientcache.Cache
	protocolVersion int
	clientVersion   string
	versions        VersionSource
	healthBase      string
	dialer          *websocket.Dialer
	baseBackoff     time.Duration
	maxBackoff      time.Duration
	maxAttempts     int
	logger          *zap.Logger
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.SyncURL) == "" {
		return nil, errMissingURL
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	protocol := cfg.ProtocolVersion
	if protocol == 0 {
		protocol = version.ProtocolVersion
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	base := cfg.BaseBackoff
	if base <= 0 {
		base = defaultBaseBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		syncURL:         strings.TrimSpace(cfg.SyncURL),
		cache:           cfg.Cache,
		protocolVersion: protocol,
		clientVersion:   strings.TrimSpace(cfg.ClientVersion),
		versions:        cfg.Versions,
		healthBase:      strings.TrimSpace(cfg.HealthBase),
		dialer:          dialer,
		baseBackoff:     base,
		maxBackoff:      maxBackoff,
		maxAttempts:     attempts,
		logger:          logger,
	}, nil
}

// Open starts a session for id and returns immediately; the document is usable offline
// while the session connects in the background.
func (c *Client) Open(ctx context.Context, id documents.DocumentID) (*Session, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return startSession(ctx, c, id), nil
}

// FollowRename preserves cached edits of a renamed project under its new address.
// Old entries are kept.
func (c *Client) FollowRename(ctx context.Context, owner, oldSlug, newSlug string) (migration.Result, error) {
	service, err := migration.NewService(migration.ServiceConfig{Cache: c.cache, Logger: c.logger})
	if err != nil {
		return migration.Result{}, err
	}
	return service.MigrateProject(ctx, owner, oldSlug, newSlug)
}

func (c *Client) checkVersions(ctx context.Context) error {
	if c.versions == nil {
		return nil
	}
	info, err := c.versions.Get(ctx, c.cache.Context().ID(), c.healthBase)
	if err != nil && info.LastCheckedAt.IsZero() {
		// nothing cached; let the handshake decide
		return nil
	}
	if err := info.Compatible(c.protocolVersion, c.clientVersion); err != nil {
		reason := gateway.ReasonVersionTooOld
		if errors.Is(err, version.ErrProtocolIncompatible) {
			reason = gateway.ReasonProtocolMismatch
		}
		return &RejectedError{Reason: reason, Message: err.Error()}
	}
	return nil
}

// forgetVersions clears cached version info after the server rejected a client the cache
// called compatible, so the next attempt reads the server's current health.
func (c *Client) forgetVersions(ctx context.Context, reason string) {
	if c.versions == nil {
		return
	}
	if reason != gateway.ReasonVersionTooOld && reason != gateway.ReasonProtocolMismatch {
		return
	}
	if err := c.versions.Invalidate(ctx, c.cache.Context().ID()); err != nil {
		c.logger.Warn("cached version info not cleared", zap.Error(err))
	}
}

// backoffDelay is base doubled per failed attempt, capped at limit.
func backoffDelay(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
