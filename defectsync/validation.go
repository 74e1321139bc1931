// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"fmt"

	"github.com/google/uuid"
)

// validateOperation checks the shape of a single operation before any
// database work. Validation failures become error results, never batch
// aborts.
func validateOperation(op *OperationUpload) (reason string, err error) {
	if _, parseErr := uuid.Parse(op.OpUUID); parseErr != nil {
		return ReasonBadPayload, fmt.Errorf("op_uuid must be a UUID: %w", parseErr)
	}

	if _, ok := LookupEntity(op.EntityType); !ok {
		return ReasonUnknownEntityType, fmt.Errorf("%w: %q", ErrUnknownEntityType, op.EntityType)
	}

	switch op.Action {
	case ActionCreate:
		if len(op.Data) == 0 {
			return ReasonBadPayload, fmt.Errorf("create operation requires data")
		}
		if op.LocalID <= 0 {
			return ReasonBadPayload, fmt.Errorf("create operation requires a local id")
		}
	case ActionUpdate:
		if len(op.Data) == 0 {
			return ReasonBadPayload, fmt.Errorf("update operation requires data")
		}
		if op.BaseTimestamp == nil && !op.ForceApply {
			return ReasonBadPayload, fmt.Errorf("update operation requires base_timestamp unless force_apply is set")
		}
	case ActionDelete:
		// Nothing beyond identity; deletes without a server id never reach
		// the server in the first place.
	default:
		return ReasonUnknownOperation, fmt.Errorf("%w: %q", ErrUnknownOperation, op.Action)
	}

	return "", nil
}
