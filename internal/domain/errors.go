package domain

import "errors"

// Cluster and placement errors
var (
	// ErrUnknownNode indicates a heartbeat or lookup for a node the registry
	// has no record of. The node should re-register.
	ErrUnknownNode = errors.New("unknown node")

	// ErrDuplicateRegistration indicates a registration for a node ID that is
	// already online at a different address.
	ErrDuplicateRegistration = errors.New("node already registered at a different address")

	// ErrInsufficientReplicas indicates fewer than the write quorum of healthy
	// nodes were available at placement time.
	ErrInsufficientReplicas = errors.New("insufficient healthy nodes for write quorum")

	// ErrWriteFailed indicates fewer than the write quorum of nodes acked the
	// write; no metadata was committed.
	ErrWriteFailed = errors.New("write failed: quorum not reached")

	// ErrNoPendingWrite indicates a finalize or abort for an object version
	// with no write in flight.
	ErrNoPendingWrite = errors.New("no pending write for object version")

	// ErrNodeUnreachable indicates a timeout or connection error talking to a
	// storage node.
	ErrNodeUnreachable = errors.New("node unreachable")
)

// Object errors
var (
	// ErrObjectNotFound indicates the object does not exist for the tenant.
	ErrObjectNotFound = errors.New("object not found")

	// ErrObjectUnavailable indicates every replica was tried and none could
	// serve the read.
	ErrObjectUnavailable = errors.New("object unavailable: all replicas exhausted")

	// ErrChecksumMismatch indicates replica bytes did not match the recorded
	// checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInsufficientSpace indicates a node rejected a write for lack of
	// capacity.
	ErrInsufficientSpace = errors.New("insufficient space on node")
)

// Auth errors
var (
	// ErrUserNotFound indicates a lookup for an unknown user account.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserAlreadyExists indicates a username collision on account creation.
	ErrUserAlreadyExists = errors.New("user already exists")

	// ErrInvalidCredentials indicates a failed password check.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrInvalidCode indicates an OTP that does not match or was already used.
	ErrInvalidCode = errors.New("invalid one-time code")

	// ErrCodeExpired indicates an OTP past its TTL.
	ErrCodeExpired = errors.New("one-time code expired")

	// ErrSessionExpired indicates an expired or unknown session token.
	ErrSessionExpired = errors.New("session expired or invalid")

	// ErrTenantMismatch indicates an operation crossing tenant boundaries.
	ErrTenantMismatch = errors.New("resource belongs to a different tenant")
)
