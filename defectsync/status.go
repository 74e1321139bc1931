// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"encoding/json"
)

// resultSuccess creates a result for a successfully applied operation.
func resultSuccess(op *OperationUpload, serverID *int64) OperationResult {
	return OperationResult{
		ID:       op.ID,
		OpUUID:   op.OpUUID,
		Action:   op.Action,
		Status:   StSuccess,
		ServerID: serverID,
	}
}

// resultConflict creates a result for an optimistic-concurrency collision,
// carrying the current server row and the configured resolution strategy.
func resultConflict(op *OperationUpload, strategy string, serverData json.RawMessage) OperationResult {
	return OperationResult{
		ID:         op.ID,
		OpUUID:     op.OpUUID,
		Action:     op.Action,
		Status:     StConflict,
		Resolution: strategy,
		ServerData: serverData,
	}
}

// resultError creates an error result with a machine-readable reason.
func resultError(op *OperationUpload, reason string, err error) OperationResult {
	res := OperationResult{
		ID:     op.ID,
		OpUUID: op.OpUUID,
		Action: op.Action,
		Status: StError,
		Reason: reason,
	}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}
