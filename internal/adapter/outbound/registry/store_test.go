package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/mcpfleet/mcpfleet/internal/domain/service"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "registry.db"), logger)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDefinition(proxyPath string) *service.Definition {
	def := &service.Definition{
		ID:         uuid.NewString(),
		Name:       "echo",
		EntryPoint: "echo.js",
		WorkingDir: "/srv/echo",
		Args:       []string{"--verbose"},
		Env:        map[string]string{"NODE_ENV": "production"},
		ProxyPath:  proxyPath,
	}
	def.ApplyDefaults()
	return def
}

func TestServiceCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	def := testDefinition("/mcp/echo")
	if err := s.CreateService(ctx, def); err != nil {
		t.Fatalf("CreateService failed: %v", err)
	}

	got, err := s.GetService(ctx, def.ID)
	if err != nil {
		t.Fatalf("GetService failed: %v", err)
	}
	if got.ProxyPath != "/mcp/echo" || got.Name != "echo" {
		t.Errorf("unexpected definition: %+v", got)
	}
	if len(got.Args) != 1 || got.Args[0] != "--verbose" {
		t.Errorf("args did not round-trip: %v", got.Args)
	}
	if got.Env["NODE_ENV"] != "production" {
		t.Errorf("env did not round-trip: %v", got.Env)
	}
	if got.RateLimit != service.DefaultRateLimit {
		t.Errorf("defaults not persisted: %d", got.RateLimit)
	}

	got.Name = "echo-v2"
	if err := s.UpdateService(ctx, got); err != nil {
		t.Fatalf("UpdateService failed: %v", err)
	}
	again, err := s.GetService(ctx, def.ID)
	if err != nil {
		t.Fatalf("GetService failed: %v", err)
	}
	if again.Name != "echo-v2" {
		t.Errorf("update not persisted: %q", again.Name)
	}

	if err := s.DeleteService(ctx, def.ID); err != nil {
		t.Fatalf("DeleteService failed: %v", err)
	}
	if _, err := s.GetService(ctx, def.ID); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUniqueProxyPath(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateService(ctx, testDefinition("/mcp/a")); err != nil {
		t.Fatalf("CreateService failed: %v", err)
	}
	err := s.CreateService(ctx, testDefinition("/mcp/a"))
	if !errors.Is(err, service.ErrDuplicateProxyPath) {
		t.Fatalf("expected ErrDuplicateProxyPath, got %v", err)
	}
}

func TestSetDesiredStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	def := testDefinition("/mcp/a")
	if err := s.CreateService(ctx, def); err != nil {
		t.Fatalf("CreateService failed: %v", err)
	}
	if err := s.SetDesiredStatus(ctx, def.ID, service.DesiredRunning); err != nil {
		t.Fatalf("SetDesiredStatus failed: %v", err)
	}
	got, err := s.GetService(ctx, def.ID)
	if err != nil {
		t.Fatalf("GetService failed: %v", err)
	}
	if got.DesiredStatus != service.DesiredRunning {
		t.Errorf("desired status not persisted: %q", got.DesiredStatus)
	}

	if err := s.SetDesiredStatus(ctx, "missing", service.DesiredRunning); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	plaintext, key, err := s.IssueKey(ctx, "ci")
	if err != nil {
		t.Fatalf("IssueKey failed: %v", err)
	}
	if !strings.HasPrefix(plaintext, "mf_") || len(plaintext) != len("mf_")+32 {
		t.Errorf("unexpected key format: %q", plaintext)
	}
	if key.Hash == plaintext {
		t.Fatal("plaintext must not be stored")
	}

	verified, err := s.VerifyKey(ctx, plaintext)
	if err != nil {
		t.Fatalf("VerifyKey failed: %v", err)
	}
	if verified.ID != key.ID {
		t.Errorf("verified wrong key: %s", verified.ID)
	}
	if verified.LastUsed == nil {
		t.Error("last_used not set on verify")
	}

	if _, err := s.VerifyKey(ctx, "mf_nonsense"); !errors.Is(err, service.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for unknown key, got %v", err)
	}

	if err := s.RevokeKey(ctx, key.ID); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := s.VerifyKey(ctx, plaintext); !errors.Is(err, service.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized after revoke, got %v", err)
	}

	active, err := s.HasActiveKeys(ctx)
	if err != nil {
		t.Fatalf("HasActiveKeys failed: %v", err)
	}
	if active {
		t.Error("no active keys expected after revoke")
	}
}

func TestSettings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "tls.cert_path"); !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetSetting(ctx, "tls.cert_path", "/etc/certs/fleet.pem", "tls"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := s.SetSetting(ctx, "tls.cert_path", "/etc/certs/fleet2.pem", "tls"); err != nil {
		t.Fatalf("SetSetting upsert failed: %v", err)
	}
	v, err := s.GetSetting(ctx, "tls.cert_path")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if v != "/etc/certs/fleet2.pem" {
		t.Errorf("unexpected value: %q", v)
	}
}
