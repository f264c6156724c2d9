package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mcpfleet/mcpfleet/internal/port/outbound"
)

// externalURLKey is the settings key the external URL is stored under.
const externalURLKey = "external_url"

// ExternalURL resolves the gateway's public URL. A configured value wins;
// otherwise the settings store is consulted so the URL can be changed at
// runtime through the management API.
type ExternalURL struct {
	configured string
	settings   outbound.SettingsStore
}

var _ outbound.ExternalURLProvider = (*ExternalURL)(nil)

// NewExternalURL builds a provider. configured may be empty, settings may
// be nil.
func NewExternalURL(configured string, settings outbound.SettingsStore) *ExternalURL {
	return &ExternalURL{configured: configured, settings: settings}
}

func (p *ExternalURL) ExternalURL(ctx context.Context) (string, bool) {
	if p.configured != "" {
		return p.configured, true
	}
	if p.settings == nil {
		return "", false
	}
	value, err := p.settings.GetSetting(ctx, externalURLKey)
	if err != nil || value == "" {
		return "", false
	}
	return value, true
}

// DirStager stages services from directories already present on disk.
// The source reference is a path; staging verifies it exists and resolves
// it to an absolute working directory.
type DirStager struct{}

var _ outbound.Stager = (*DirStager)(nil)

func NewDirStager() *DirStager {
	return &DirStager{}
}

func (s *DirStager) Stage(ctx context.Context, source string) (string, error) {
	dir, err := filepath.Abs(source)
	if err != nil {
		return "", fmt.Errorf("resolve source path: %w", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("stage source: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("stage source: %s is not a directory", dir)
	}
	return dir, nil
}
