// Package service provides the domain types for managed services: the
// durable definition, the in-memory runtime state machine, and the error
// taxonomy surfaced at the proxy boundary.
package service

import (
	"time"
)

// Desired status values recovered from the registry at boot.
const (
	DesiredRunning = "running"
	DesiredStopped = "stopped"
)

// Defaults applied when a definition omits optional fields.
const (
	DefaultRateLimit           = 100             // requests per window
	DefaultTimeout             = 30 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultMaxRestarts         = 5
)

// Definition is the durable configuration of a managed service.
type Definition struct {
	// ID is the opaque unique identifier, assigned at creation.
	ID string `json:"id"`

	// Name is a human label; uniqueness is not required.
	Name string `json:"name" validate:"required"`

	// EntryPoint is the executable or script path, relative to WorkingDir.
	EntryPoint string `json:"entryPoint" validate:"required"`

	// WorkingDir is the absolute directory the child runs in.
	// It must exist when the service starts.
	WorkingDir string `json:"workingDir" validate:"required"`

	// Source is an optional reference the stager resolves into WorkingDir
	// when the definition is created without one.
	Source string `json:"source,omitempty"`

	// Args are the argv tokens passed to the entry point, in order.
	Args []string `json:"args,omitempty"`

	// Env is overlaid on the supervisor's environment when spawning.
	Env map[string]string `json:"env,omitempty"`

	// ProxyPath is the unique URL path prefix clients address the service
	// under. Uniqueness across services is enforced by the registry.
	ProxyPath string `json:"proxyPath" validate:"required,startswith=/"`

	// RateLimit is the allowed requests per window. Zero disables limiting.
	RateLimit int `json:"rateLimit" validate:"gte=0"`

	// CacheTTL is the response-cache lifetime in seconds. Zero disables caching.
	CacheTTL int `json:"cacheTTL" validate:"gte=0"`

	// NoCache opts the service out of response caching regardless of CacheTTL,
	// for services whose methods are not idempotent.
	NoCache bool `json:"noCache,omitempty"`

	// Timeout is the per-request deadline in milliseconds.
	Timeout int `json:"timeout" validate:"gt=0"`

	// AutoRestart enables crash restarts with exponential backoff.
	AutoRestart bool `json:"autoRestart"`

	// MaxRestarts caps consecutive automatic restarts.
	MaxRestarts int `json:"maxRestarts" validate:"gte=0"`

	// HealthCheckInterval is the liveness-probe period in seconds.
	HealthCheckInterval int `json:"healthCheckInterval" validate:"gte=0"`

	// DesiredStatus is "running" or "stopped", recovered on startup.
	DesiredStatus string `json:"desiredStatus" validate:"omitempty,oneof=running stopped"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// ApplyDefaults fills unset optional fields with their documented defaults.
func (d *Definition) ApplyDefaults() {
	if d.RateLimit == 0 {
		d.RateLimit = DefaultRateLimit
	}
	if d.Timeout == 0 {
		d.Timeout = int(DefaultTimeout / time.Millisecond)
	}
	if d.HealthCheckInterval == 0 {
		d.HealthCheckInterval = int(DefaultHealthCheckInterval / time.Second)
	}
	if d.MaxRestarts == 0 {
		d.MaxRestarts = DefaultMaxRestarts
	}
	if d.DesiredStatus == "" {
		d.DesiredStatus = DesiredStopped
	}
}

// RequestTimeout returns the per-request deadline as a duration.
func (d *Definition) RequestTimeout() time.Duration {
	return time.Duration(d.Timeout) * time.Millisecond
}

// HealthInterval returns the liveness-probe period as a duration.
func (d *Definition) HealthInterval() time.Duration {
	return time.Duration(d.HealthCheckInterval) * time.Second
}

// CacheLifetime returns the response-cache TTL as a duration.
func (d *Definition) CacheLifetime() time.Duration {
	return time.Duration(d.CacheTTL) * time.Second
}

// Cacheable reports whether responses for this service may be cached.
func (d *Definition) Cacheable() bool {
	return d.CacheTTL > 0 && !d.NoCache
}
