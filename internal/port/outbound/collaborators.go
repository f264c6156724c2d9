// Package outbound defines the interfaces the core consumes from external
// collaborators. Implementations live in internal/adapter/outbound.
package outbound

import "context"

// CertMaterial is the key/certificate/chain triple needed to start the
// HTTPS listener.
type CertMaterial struct {
	// KeyPEM is the PEM-encoded private key.
	KeyPEM []byte
	// CertPEM is the PEM-encoded leaf certificate.
	CertPEM []byte
	// ChainPEM is the PEM-encoded intermediate chain, possibly empty.
	ChainPEM []byte
}

// TLSProvider supplies certificate material for the HTTPS listener.
// Certificate acquisition (Let's Encrypt, self-signed generation) is owned
// by the collaborator; the core only consumes the result.
type TLSProvider interface {
	// Material returns the current certificate material, or (nil, nil) when
	// no certificate is available and the HTTPS listener should not start.
	Material(ctx context.Context) (*CertMaterial, error)
}

// ExternalURLProvider reports the publicly reachable URL, if any. The core
// uses it only for the startup banner.
type ExternalURLProvider interface {
	ExternalURL(ctx context.Context) (string, bool)
}

// Stager prepares a service's files on disk from an external source
// (git clone, package install, manifest discovery). The core calls it when a
// service is created with a source reference and uses the returned directory
// as the service's working directory.
type Stager interface {
	Stage(ctx context.Context, source string) (dir string, err error)
}

// SettingsStore is the key-value façade over the persistent configuration
// store. Secret encryption and backup/restore are collaborator concerns; the
// core reads and writes plaintext values.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value, category string) error
}
