package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileTLSProviderUnconfigured(t *testing.T) {
	p := NewFileTLSProvider("", "", "")
	material, err := p.Material(t.Context())
	if err != nil {
		t.Fatalf("Material() error: %v", err)
	}
	if material != nil {
		t.Fatal("Material() returned material for unconfigured provider")
	}
}

func TestFileTLSProviderReadsFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}
	cert := write("cert.pem", "CERT")
	key := write("key.pem", "KEY")
	chain := write("chain.pem", "CHAIN")

	p := NewFileTLSProvider(cert, key, chain)
	material, err := p.Material(t.Context())
	if err != nil {
		t.Fatalf("Material() error: %v", err)
	}
	if string(material.CertPEM) != "CERT" || string(material.KeyPEM) != "KEY" || string(material.ChainPEM) != "CHAIN" {
		t.Errorf("material = %q/%q/%q", material.CertPEM, material.KeyPEM, material.ChainPEM)
	}
}

func TestFileTLSProviderMissingFile(t *testing.T) {
	p := NewFileTLSProvider(filepath.Join(t.TempDir(), "nope.pem"), filepath.Join(t.TempDir(), "nope.key"), "")
	if _, err := p.Material(t.Context()); err == nil {
		t.Fatal("Material() = nil error for missing files")
	}
}

type fakeSettings struct {
	values map[string]string
}

func (s *fakeSettings) GetSetting(ctx context.Context, key string) (string, error) {
	return s.values[key], nil
}

func (s *fakeSettings) SetSetting(ctx context.Context, key, value, category string) error {
	s.values[key] = value
	return nil
}

func TestExternalURL(t *testing.T) {
	ctx := t.Context()

	p := NewExternalURL("https://fleet.example.com", nil)
	if url, ok := p.ExternalURL(ctx); !ok || url != "https://fleet.example.com" {
		t.Errorf("configured: got %q, %v", url, ok)
	}

	settings := &fakeSettings{values: map[string]string{externalURLKey: "https://stored.example.com"}}
	p = NewExternalURL("", settings)
	if url, ok := p.ExternalURL(ctx); !ok || url != "https://stored.example.com" {
		t.Errorf("from settings: got %q, %v", url, ok)
	}

	p = NewExternalURL("", &fakeSettings{values: map[string]string{}})
	if _, ok := p.ExternalURL(ctx); ok {
		t.Error("empty settings: ok = true, want false")
	}
}

func TestDirStager(t *testing.T) {
	ctx := t.Context()
	s := NewDirStager()

	dir := t.TempDir()
	got, err := s.Stage(ctx, dir)
	if err != nil {
		t.Fatalf("Stage() error: %v", err)
	}
	if got != dir {
		t.Errorf("Stage() = %q, want %q", got, dir)
	}

	if _, err := s.Stage(ctx, filepath.Join(dir, "missing")); err == nil {
		t.Error("Stage(missing) = nil error")
	}

	file := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stage(ctx, file); err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Errorf("Stage(file) error = %v, want not-a-directory", err)
	}
}
