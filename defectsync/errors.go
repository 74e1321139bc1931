// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error taxonomy shared by the client store and the server processor.
// Conflict is deliberately absent: an optimistic-concurrency collision is a
// result value, not an error.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrBadRequest        = errors.New("bad request")
	ErrNotFound          = errors.New("not found")
	ErrIdentityMismatch  = errors.New("server identity mismatch")
	ErrUnknownOperation  = errors.New("unknown operation")
	ErrUnknownEntityType = errors.New("unknown entity type")
)

// isRetryablePGTxError reports whether a failed transaction may succeed when
// replayed: serialization failures, deadlocks and lock timeouts.
func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}
