package version

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b     string
		expected int
	}{
		{"1.2.3", "1.2.3", 0},
		{"1.1.0", "1.2.0", -1},
		{"2.0.0", "1.9.9", 1},
		{"1.10.0", "1.9.0", 1},
		{"1.2.3-beta.1", "1.2.3", 0},
		{"v1.2.4", "1.2.3", 1},
		{"invalid", "0.0.0", 0},
	}
	for _, tc := range cases {
		if got := CompareVersions(tc.a, tc.b); got != tc.expected {
			t.Fatalf("CompareVersions(%q, %q) = %d, expected %d", tc.a, tc.b, got, tc.expected)
		}
	}
	if ParseVersion("invalid") != (Version{}) {
		t.Fatalf("expected invalid version to parse to 0.0.0")
	}
}

func TestProtocolCompatibilityRequiresExactMatch(t *testing.T) {
	if !IsProtocolCompatible(ProtocolVersion) {
		t.Fatalf("expected own protocol to be compatible")
	}
	if IsProtocolCompatible(ProtocolVersion+1) || IsProtocolCompatible(ProtocolVersion-1) {
		t.Fatalf("expected neighbouring protocols to be incompatible")
	}
}

func TestGateDistinguishesFailureKinds(t *testing.T) {
	gate := NewGate(GateConfig{ServerVersion: "2.1.0", ProtocolVersion: 3, MinClientVersion: "1.4.0"})

	err := gate.Admit(2, "9.9.9")
	if !errors.Is(err, ErrProtocolIncompatible) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if !strings.Contains(err.Error(), "3") || !strings.Contains(err.Error(), "2") {
		t.Fatalf("expected message to name both protocols, got %q", err.Error())
	}

	err = gate.Admit(3, "1.3.9")
	if !errors.Is(err, ErrClientVersionTooOld) {
		t.Fatalf("expected version error, got %v", err)
	}
	if !strings.Contains(err.Error(), "1.4.0") {
		t.Fatalf("expected message to name minimum version, got %q", err.Error())
	}

	if err := gate.Admit(3, "1.4.0"); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	if err := gate.RequireProject("1.4.0", "1.5.0"); !errors.Is(err, ErrClientVersionTooOld) {
		t.Fatalf("expected project gate to block older client, got %v", err)
	}
	if health := gate.HealthInfo(); health.Version != "2.1.0" || health.ProtocolVersion != 3 || health.MinClientVersion != "1.4.0" {
		t.Fatalf("unexpected health info %#v", health)
	}
}

type mapStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func (m *mapStore) Value(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *mapStore) PutValue(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

type countingFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	fail    bool
}

func (f *countingFetcher) FetchHealth(_ context.Context, _ string) (HealthInfo, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.fail {
		return HealthInfo{}, errors.New("offline")
	}
	return HealthInfo{Version: "1.0.0", ProtocolVersion: ProtocolVersion, MinClientVersion: "0.9.0"}, nil
}

func TestInfoCacheRefreshesOnlyWhenStale(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &countingFetcher{}
	cache, err := NewInfoCache(InfoCacheConfig{
		Store:   &mapStore{values: map[string][]byte{}},
		Fetcher: fetcher,
		Clock:   func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	ctx := context.Background()

	info, err := cache.Get(ctx, "profile-a", "http://example.invalid")
	if err != nil {
		t.Fatalf("first get failed: %v", err)
	}
	if info.ServerVersion != "1.0.0" || !info.LastCheckedAt.Equal(now) {
		t.Fatalf("unexpected info %#v", info)
	}
	if err := info.Compatible(ProtocolVersion, "1.0.0"); err != nil {
		t.Fatalf("expected compatible client, got %v", err)
	}

	now = now.Add(23 * time.Hour)
	if _, err := cache.Get(ctx, "profile-a", "http://example.invalid"); err != nil {
		t.Fatalf("second get failed: %v", err)
	}
	if fetcher.calls.Load() != 1 {
		t.Fatalf("expected cached info within max age, got %d fetches", fetcher.calls.Load())
	}

	now = now.Add(2 * time.Hour)
	if _, err := cache.Get(ctx, "profile-a", "http://example.invalid"); err != nil {
		t.Fatalf("third get failed: %v", err)
	}
	if fetcher.calls.Load() != 2 {
		t.Fatalf("expected refresh after max age, got %d fetches", fetcher.calls.Load())
	}

	fetcher.fail = true
	now = now.Add(25 * time.Hour)
	stale, err := cache.Get(ctx, "profile-a", "http://example.invalid")
	if err == nil {
		t.Fatalf("expected refresh error")
	}
	if stale.ServerVersion != "1.0.0" {
		t.Fatalf("expected stale info alongside the error, got %#v", stale)
	}
}

func TestInfoCacheCoalescesConcurrentRefreshes(t *testing.T) {
	fetcher := &countingFetcher{release: make(chan struct{})}
	cache, err := NewInfoCache(InfoCacheConfig{Store: &mapStore{values: map[string][]byte{}}, Fetcher: fetcher})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background(), "profile-a", "http://example.invalid"); err != nil {
				t.Errorf("get failed: %v", err)
			}
		}()
	}
	for fetcher.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	if fetcher.calls.Load() != 1 {
		t.Fatalf("expected one coalesced fetch, got %d", fetcher.calls.Load())
	}
}
