// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import "errors"

// Errors reported by the bus engine. Dispatch surfaces these unwrapped or
// wrapped with operation context; use errors.Is to classify.
var (
	// ErrInvalidArgument reports a malformed parameter block, an unknown
	// flag bit, or an out-of-range value.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoMemory reports that an allocation could not be satisfied, either
	// in a pool or against a quota.
	ErrNoMemory = errors.New("no memory")

	// ErrNoSuchEntry reports that a name or destination ID did not resolve
	// to a live peer.
	ErrNoSuchEntry = errors.New("no such entry")

	// ErrNamesDiffer reports that the caller's view of a peer's name set
	// does not match the registered names.
	ErrNamesDiffer = errors.New("names differ")

	// ErrNameExists reports a name claim that collides with a live name
	// registered by another peer.
	ErrNameExists = errors.New("name exists")

	// ErrNameTooLong reports a name outside the permitted length bounds.
	ErrNameTooLong = errors.New("name too long")

	// ErrAlreadyConnected reports a connect on an active peer whose
	// parameters match the existing connection.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrNotConnected reports a reset or query on a peer that was never
	// connected.
	ErrNotConnected = errors.New("not connected")

	// ErrShutdown reports an operation on a peer or domain that has been
	// deactivated.
	ErrShutdown = errors.New("shutdown")

	// ErrPermissionDenied reports a name claim without the admin
	// capability.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAgain reports an empty queue; the caller should retry after the
	// peer is woken.
	ErrAgain = errors.New("resource temporarily unavailable")

	// ErrFault reports a failed read or write of caller memory.
	ErrFault = errors.New("bad address")

	// ErrNoSuchCommand reports an unknown command code.
	ErrNoSuchCommand = errors.New("no such command")
)
