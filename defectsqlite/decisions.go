// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsqlite

import (
	"context"
	"encoding/json"

	"github.com/irlam/defect-tracker-sub006/defectsync"
)

// ConflictPrompt carries everything a UI needs to let the user pick a side:
// both versions of the record and the queue row to resolve afterwards.
type ConflictPrompt struct {
	OperationID int64
	EntityType  defectsync.EntityType
	LocalID     int64
	ClientData  json.RawMessage
	ServerData  json.RawMessage
}

// DecisionChoice is the user's answer to a conflict prompt.
type DecisionChoice string

const (
	ChooseClient DecisionChoice = "client" // resubmit local version with force
	ChooseServer DecisionChoice = "server" // accept server version locally
	ChooseMerged DecisionChoice = "merged" // resubmit field-level merge with force
)

// DecisionHandler is notified when a conflict needs a user decision. The
// handler does not resolve anything itself; it surfaces the prompt (dialog,
// notification, log line) and some later call to ResolveConflict settles it.
type DecisionHandler interface {
	ConflictDetected(ctx context.Context, prompt ConflictPrompt)
}

// NoopDecisionHandler leaves conflicts parked in the queue until something
// polls OperationsAwaitingDecision. Useful for headless clients and tests.
type NoopDecisionHandler struct{}

func (NoopDecisionHandler) ConflictDetected(context.Context, ConflictPrompt) {}
