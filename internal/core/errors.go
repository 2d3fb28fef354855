package core

import (
	"errors"

	"github.com/actorkit/backend/internal/patch"
)

// Error kinds surfaced by the runtime. The registry maps these onto HTTP
// status codes in one place.
var (
	// ErrUnauthorized: token signature, expiry, or binding check failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrBadEvent: event failed schema validation and was not enqueued.
	ErrBadEvent = errors.New("bad event")

	// ErrNotFound: no machine registered for the actor type.
	ErrNotFound = errors.New("actor type not found")

	// ErrWaitTimeout: a wait-for-state or wait-for-event deadline elapsed.
	ErrWaitTimeout = errors.New("wait timeout")

	// ErrPatchFailed: a JSON-patch could not be applied; the holder must
	// resync from the server's current checksum.
	ErrPatchFailed = patch.ErrPatchFailed

	// ErrNotReady: the host has not been spawned yet.
	ErrNotReady = errors.New("actor not ready")

	// ErrAlreadySpawned: spawn was retried with mismatched identity.
	ErrAlreadySpawned = errors.New("already spawned with different identity")

	// ErrShutdown: the host is tearing down and no longer accepts events.
	ErrShutdown = errors.New("actor shut down")
)
