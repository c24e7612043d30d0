package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultInfoMaxAge is how long cached server version info stays fresh.
	DefaultInfoMaxAge = 24 * time.Hour
	healthPath        = "/api/v1/health"
	infoKeyPrefix     = "version-info/"
)

// ProtocolVersionInfo is what a client remembers about a server profile.
type ProtocolVersionInfo struct {
	ServerVersion    string    `json:"serverVersion"`
	ProtocolVersion  int       `json:"protocolVersion"`
	MinClientVersion string    `json:"minClientVersion"`
	LastCheckedAt    time.Time `json:"lastCheckedAt"`
}

// IsStale reports whether the info must be refreshed before use.
func (info ProtocolVersionInfo) IsStale(now time.Time, maxAge time.Duration) bool {
	return info.LastCheckedAt.IsZero() || now.Sub(info.LastCheckedAt) >= maxAge
}

// Compatible runs the client-side version of the gate against cached server info.
func (info ProtocolVersionInfo) Compatible(clientProtocol int, clientVersion string) error {
	gate := NewGate(GateConfig{
		ServerVersion:    info.ServerVersion,
		ProtocolVersion:  info.ProtocolVersion,
		MinClientVersion: info.MinClientVersion,
	})
	return gate.Admit(clientProtocol, clientVersion)
}

// ValueStore persists cached info; clientcache.Cache satisfies it.
type ValueStore interface {
	Value(ctx context.Context, key string) ([]byte, bool, error)
	PutValue(ctx context.Context, key string, value []byte) error
}

// HealthFetcher retrieves the health payload of a server.
type HealthFetcher interface {
	FetchHealth(ctx context.Context, baseURL string) (HealthInfo, error)
}

// HTTPHealthFetcher calls GET {baseURL}/api/v1/health.
type HTTPHealthFetcher struct {
	Client *http.Client
}

func (f HTTPHealthFetcher) FetchHealth(ctx context.Context, baseURL string) (HealthInfo, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+healthPath, http.NoBody)
	if err != nil {
		return HealthInfo{}, err
	}
	response, err := client.Do(request)
	if err != nil {
		return HealthInfo{}, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return HealthInfo{}, fmt.Errorf("health endpoint returned %d", response.StatusCode)
	}
	var info HealthInfo
	if err := json.NewDecoder(response.Body).Decode(&info); err != nil {
		return HealthInfo{}, fmt.Errorf("decode health payload: %w", err)
	}
	return info, nil
}

// InfoCacheConfig wires the client-side version info cache.
type InfoCacheConfig struct {
	Store   ValueStore
	Fetcher HealthFetcher
	MaxAge  time.Duration
	Clock   func() time.Time
}

// InfoCache keeps ProtocolVersionInfo per server profile and refreshes it when stale.
// Concurrent refreshes of the same profile share one request.
type InfoCache struct {
	store   ValueStore
	fetcher HealthFetcher
	maxAge  time.Duration
	clock   func() time.Time
	group   singleflight.Group
}

func NewInfoCache(cfg InfoCacheConfig) (*InfoCache, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("version: info cache store is required")
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = HTTPHealthFetcher{}
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultInfoMaxAge
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &InfoCache{store: cfg.Store, fetcher: fetcher, maxAge: maxAge, clock: clock}, nil
}

// Get returns fresh info for profileID, fetching from baseURL when the cached copy is
// missing or stale. When a refresh fails, the stale copy is returned with the error.
func (c *InfoCache) Get(ctx context.Context, profileID, baseURL string) (ProtocolVersionInfo, error) {
	cached, found, err := c.load(ctx, profileID)
	if err != nil {
		return ProtocolVersionInfo{}, err
	}
	if found && !cached.IsStale(c.clock(), c.maxAge) {
		return cached, nil
	}

	result, err, _ := c.group.Do(profileID, func() (interface{}, error) {
		return c.refresh(ctx, profileID, baseURL)
	})
	if err != nil {
		return cached, err
	}
	return result.(ProtocolVersionInfo), nil
}

// Invalidate forces the next Get to refresh.
func (c *InfoCache) Invalidate(ctx context.Context, profileID string) error {
	return c.save(ctx, profileID, ProtocolVersionInfo{})
}

func (c *InfoCache) refresh(ctx context.Context, profileID, baseURL string) (ProtocolVersionInfo, error) {
	health, err := c.fetcher.FetchHealth(ctx, baseURL)
	if err != nil {
		return ProtocolVersionInfo{}, fmt.Errorf("refresh version info: %w", err)
	}
	info := ProtocolVersionInfo{
		ServerVersion:    health.Version,
		ProtocolVersion:  health.ProtocolVersion,
		MinClientVersion: health.MinClientVersion,
		LastCheckedAt:    c.clock().UTC(),
	}
	if err := c.save(ctx, profileID, info); err != nil {
		return ProtocolVersionInfo{}, err
	}
	return info, nil
}

func (c *InfoCache) load(ctx context.Context, profileID string) (ProtocolVersionInfo, bool, error) {
	raw, found, err := c.store.Value(ctx, infoKeyPrefix+profileID)
	if err != nil || !found {
		return ProtocolVersionInfo{}, false, err
	}
	var info ProtocolVersionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return ProtocolVersionInfo{}, false, nil
	}
	return info, true, nil
}

func (c *InfoCache) save(ctx context.Context, profileID string, info ProtocolVersionInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return c.store.PutValue(ctx, infoKeyPrefix+profileID, raw)
}
