package service

import "errors"

// Sentinel errors forming the proxy's error taxonomy. Each maps to one HTTP
// status at the boundary; see the inbound adapters for the mapping.
var (
	// ErrNotFound indicates no service matches the route or id.
	ErrNotFound = errors.New("service not found")

	// ErrDuplicateID indicates a supervisor is already registered for the id.
	ErrDuplicateID = errors.New("service id already registered")

	// ErrDuplicateProxyPath indicates the proxy path is taken by another service.
	ErrDuplicateProxyPath = errors.New("proxy path already in use")

	// ErrIllegalState indicates a command arrived in an incompatible
	// lifecycle state (for example sending a request while stopped).
	ErrIllegalState = errors.New("illegal service state")

	// ErrRateLimited indicates the client exhausted its window.
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout indicates the per-request deadline elapsed while waiting
	// for the child.
	ErrTimeout = errors.New("request timed out")

	// ErrTransportClosed indicates the child's stdio transport failed or the
	// child exited while the request was outstanding.
	ErrTransportClosed = errors.New("transport closed")

	// ErrUnauthorized indicates a missing, unknown, or inactive API key.
	ErrUnauthorized = errors.New("unauthorized")
)
