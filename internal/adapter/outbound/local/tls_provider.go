// Package local provides the file- and config-backed collaborator
// implementations used by the single-node deployment.
package local

import (
	"context"
	"fmt"
	"os"

	"github.com/mcpfleet/mcpfleet/internal/port/outbound"
)

// FileTLSProvider reads certificate material from PEM files on disk.
// When no files are configured it reports no material, which keeps the
// server on plain HTTP.
type FileTLSProvider struct {
	certFile  string
	keyFile   string
	chainFile string
}

var _ outbound.TLSProvider = (*FileTLSProvider)(nil)

// NewFileTLSProvider builds a provider over the given PEM file paths.
// certFile and keyFile may both be empty; chainFile is optional.
func NewFileTLSProvider(certFile, keyFile, chainFile string) *FileTLSProvider {
	return &FileTLSProvider{certFile: certFile, keyFile: keyFile, chainFile: chainFile}
}

// Material reads the configured files. The files are re-read on every
// call so a renewed certificate is picked up on restart without config
// changes.
func (p *FileTLSProvider) Material(ctx context.Context) (*outbound.CertMaterial, error) {
	if p.certFile == "" || p.keyFile == "" {
		return nil, nil
	}

	cert, err := os.ReadFile(p.certFile)
	if err != nil {
		return nil, fmt.Errorf("read cert file: %w", err)
	}
	key, err := os.ReadFile(p.keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	material := &outbound.CertMaterial{CertPEM: cert, KeyPEM: key}

	if p.chainFile != "" {
		chain, err := os.ReadFile(p.chainFile)
		if err != nil {
			return nil, fmt.Errorf("read chain file: %w", err)
		}
		material.ChainPEM = chain
	}
	return material, nil
}
