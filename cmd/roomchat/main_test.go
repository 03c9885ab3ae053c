package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-roomchat/internal/config"
	"github.com/tbourn/go-roomchat/internal/domain"
	"github.com/tbourn/go-roomchat/internal/http/middleware"
	"github.com/tbourn/go-roomchat/internal/repo"
)

// run executes the root command with fresh flag values.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	userName, userPassword, userBot = "", "", false
	userID, userUnban, userPolicy = 0, false, ""
	tokenUserID, tokenUsername, tokenPassword, tokenTTL = 0, "", "", 24*time.Hour

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := rootCmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func devEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("APP_ENV", "development")
	t.Setenv("DB_PATH", path)
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("APP_SECRET", "cli-test-secret")
	t.Setenv("AUTH_SIGNING_KEY", "")
	return path
}

func TestKeygen(t *testing.T) {
	out, err := run(t, "keygen")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	b, err := hex.DecodeString(out)
	if err != nil || len(b) != 32 {
		t.Fatalf("keygen output %q: len=%d err=%v", out, len(b), err)
	}
	again, _ := run(t, "keygen")
	if again == out {
		t.Fatalf("keygen repeated a key")
	}
}

func TestUserAdminCommands(t *testing.T) {
	devEnv(t)

	out, err := run(t, "user", "add", "--username", "alice", "--password", "correct-horse")
	if err != nil {
		t.Fatalf("user add: %v", err)
	}
	if !strings.Contains(out, "(alice)") {
		t.Fatalf("user add output: %q", out)
	}
	if _, err := run(t, "user", "add", "--username", "alice", "--password", "correct-horse"); err == nil {
		t.Fatalf("duplicate username accepted")
	}

	if out, err = run(t, "user", "dm-policy", "--id", "1", "--policy", "nobody"); err != nil || !strings.Contains(out, "dm_policy=nobody") {
		t.Fatalf("dm-policy: %q %v", out, err)
	}
	if _, err := run(t, "user", "dm-policy", "--id", "1", "--policy", "friends"); err == nil {
		t.Fatalf("unknown policy accepted")
	}
	if out, err = run(t, "user", "ban", "--id", "1"); err != nil || !strings.Contains(out, "banned") {
		t.Fatalf("ban: %q %v", out, err)
	}
	if out, err = run(t, "user", "ban", "--id", "1", "--unban"); err != nil || !strings.Contains(out, "unbanned") {
		t.Fatalf("unban: %q %v", out, err)
	}
	if _, err := run(t, "user", "ban", "--id", "99"); err == nil {
		t.Fatalf("ban of unknown user succeeded")
	}
}

func TestToken(t *testing.T) {
	devEnv(t)
	if _, err := run(t, "user", "add", "--username", "bob", "--password", "hunter2-hunter2"); err != nil {
		t.Fatalf("user add: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	key := signingKey(cfg)

	tok, err := run(t, "token", "--username", "bob", "--password", "hunter2-hunter2", "--ttl", "1m")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	rc, err := middleware.ParseToken(key, tok)
	if err != nil || rc.UserID != 1 || rc.Username != "bob" {
		t.Fatalf("parsed %+v err=%v", rc, err)
	}

	if _, err := run(t, "token", "--username", "bob", "--password", "wrong-password"); err == nil {
		t.Fatalf("wrong password minted a token")
	}
	if _, err := run(t, "token", "--username", "bob"); err == nil {
		t.Fatalf("token without id or password succeeded")
	}

	tok, err = run(t, "token", "--username", "dev", "--user-id", "42")
	if err != nil {
		t.Fatalf("token by id: %v", err)
	}
	if rc, err := middleware.ParseToken(key, tok); err != nil || rc.UserID != 42 {
		t.Fatalf("parsed %+v err=%v", rc, err)
	}
}

func TestToken_RefusedInProduction(t *testing.T) {
	devEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("AUTH_SIGNING_KEY", strings.Repeat("k", 32))

	_, err := run(t, "token", "--username", "dev", "--user-id", "1")
	if err == nil || !strings.Contains(err.Error(), "production") {
		t.Fatalf("err=%v", err)
	}
}

func TestServe_FailsClosedWithoutMasterKeyInProduction(t *testing.T) {
	devEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("AUTH_SIGNING_KEY", strings.Repeat("k", 32))
	t.Setenv("MASTER_KEY", "")

	_, err := run(t, "serve")
	if err == nil || !strings.Contains(err.Error(), "master key") {
		t.Fatalf("err=%v", err)
	}
}

func TestRunJanitor_PurgesExpiredRecords(t *testing.T) {
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "janitor.db"), repo.OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := repo.NewStore(db)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	err = store.Write(ctx, "seed", func(tx *gorm.DB) error {
		if _, err := repo.CreateIdempotency(tx, 1, domain.ScopeRoomSend, "old", 1, "", 200, -time.Minute); err != nil {
			return err
		}
		_, err := repo.CreateIdempotency(tx, 1, domain.ScopeRoomSend, "fresh", 2, "", 200, time.Hour)
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	jctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		runJanitor(jctx, store, 10*time.Millisecond)
		close(done)
	}()

	count := func() int64 {
		var n int64
		_ = store.Read(ctx, "count", func(db *gorm.DB) error {
			return db.Model(&domain.Idempotency{}).Count(&n).Error
		})
		return n
	}
	deadline := time.Now().Add(2 * time.Second)
	for count() != 1 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("expired record not purged; count=%d", count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("janitor did not stop on cancel")
	}
}
