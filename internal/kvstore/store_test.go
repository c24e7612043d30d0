package kvstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestStoreBackendsShareSemantics(testContext *testing.T) {
	backends := map[string]func(*testing.T) Store{
		BackendMemory: func(*testing.T) Store { return NewMemoryStore() },
		BackendSQL:    newSQLStore,
		BackendRedis:  newRedisStore,
	}
	for name, factory := range backends {
		testContext.Run(name, func(t *testing.T) {
			exerciseStore(t, factory(t))
		})
	}
}

func exerciseStore(testContext *testing.T, store Store) {
	ctx := context.Background()

	if _, found, err := store.Get(ctx, "missing"); err != nil || found {
		testContext.Fatalf("expected missing key, found=%v err=%v", found, err)
	}

	if err := store.Put(ctx, "alice:novel:chapter-1", []byte("one")); err != nil {
		testContext.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, "alice:novel:chapter-2", []byte("two")); err != nil {
		testContext.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, "alice:novella:chapter-1", []byte("other")); err != nil {
		testContext.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, "alice:novel:chapter-1", []byte("one-revised")); err != nil {
		testContext.Fatalf("overwrite failed: %v", err)
	}

	value, found, err := store.Get(ctx, "alice:novel:chapter-1")
	if err != nil || !found {
		testContext.Fatalf("expected stored key, found=%v err=%v", found, err)
	}
	if string(value) != "one-revised" {
		testContext.Fatalf("unexpected value %q", value)
	}

	keys, err := store.Keys(ctx, "alice:novel:")
	if err != nil {
		testContext.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "alice:novel:chapter-1" || keys[1] != "alice:novel:chapter-2" {
		testContext.Fatalf("unexpected keys %v", keys)
	}

	if err := store.Delete(ctx, "alice:novel:chapter-2"); err != nil {
		testContext.Fatalf("delete failed: %v", err)
	}
	if _, found, _ := store.Get(ctx, "alice:novel:chapter-2"); found {
		testContext.Fatalf("expected deleted key to be absent")
	}
	if err := store.Delete(ctx, "alice:novel:chapter-2"); err != nil {
		testContext.Fatalf("deleting an absent key should succeed: %v", err)
	}

	if err := store.Put(ctx, " ", []byte("x")); !errors.Is(err, ErrEmptyKey) {
		testContext.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestSQLStoreEscapesLikeWildcards(testContext *testing.T) {
	store := newSQLStore(testContext)
	ctx := context.Background()
	if err := store.Put(ctx, "a_b:1", []byte("1")); err != nil {
		testContext.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, "axb:1", []byte("2")); err != nil {
		testContext.Fatalf("put failed: %v", err)
	}
	keys, err := store.Keys(ctx, "a_b:")
	if err != nil {
		testContext.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "a_b:1" {
		testContext.Fatalf("expected literal underscore match, got %v", keys)
	}
}

func TestSQLStoreMatchesEscapeCharactersLiterally(testContext *testing.T) {
	store := newSQLStore(testContext).(*SQLStore)
	ctx := context.Background()
	for _, key := range []string{"50%!off:1", "50xoff:1", `back\slash:1`, "backxslash:1"} {
		if err := store.Put(ctx, key, []byte("v")); err != nil {
			testContext.Fatalf("put %q failed: %v", key, err)
		}
	}
	for prefix, expected := range map[string]string{"50%!off:": "50%!off:1", `back\slash:`: `back\slash:1`} {
		keys, err := store.Keys(ctx, prefix)
		if err != nil {
			testContext.Fatalf("keys %q failed: %v", prefix, err)
		}
		if len(keys) != 1 || keys[0] != expected {
			testContext.Fatalf("prefix %q: expected [%s], got %v", prefix, expected, keys)
		}
	}
}

func TestSQLStoreKeysQueryAvoidsBackslashEscape(testContext *testing.T) {
	store := newSQLStore(testContext).(*SQLStore)
	var entries []Entry
	statement := keysQuery(store.db.Session(&gorm.Session{DryRun: true}), "alice:novel:").Find(&entries).Statement
	sql := statement.SQL.String()
	if !strings.Contains(sql, "ESCAPE '!'") {
		testContext.Fatalf("expected an explicit escape clause, got %s", sql)
	}
	if strings.Contains(sql, `\`) {
		testContext.Fatalf("backslash in LIKE clause breaks MySQL's default sql_mode: %s", sql)
	}
}

func TestNormalizeBackend(testContext *testing.T) {
	if backend, err := NormalizeBackend(""); err != nil || backend != BackendSQL {
		testContext.Fatalf("expected sql default, got %q err=%v", backend, err)
	}
	if backend, err := NormalizeBackend(" Redis "); err != nil || backend != BackendRedis {
		testContext.Fatalf("expected redis, got %q err=%v", backend, err)
	}
	if _, err := NormalizeBackend("etcd"); !errors.Is(err, ErrUnknownBackend) {
		testContext.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

func newSQLStore(testContext *testing.T) Store {
	testContext.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Entry{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewSQLStore(db)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	return store
}

func newRedisStore(testContext *testing.T) Store {
	testContext.Helper()
	server := miniredis.RunT(testContext)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	testContext.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreWithClient(client)
}
