// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	actorIDKey  contextKey = "actor_id"
	sourceIDKey contextKey = "source_id"
)

// SetActorID sets the actor ID in the context
func SetActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorIDKey, actorID)
}

// GetActorID retrieves the actor ID from the context
func GetActorID(ctx context.Context) (string, bool) {
	actorID, ok := ctx.Value(actorIDKey).(string)
	return actorID, ok
}

// SetSourceID sets the source ID in the context
func SetSourceID(ctx context.Context, sourceID string) context.Context {
	return context.WithValue(ctx, sourceIDKey, sourceID)
}

// GetSourceID retrieves the source ID from the context
func GetSourceID(ctx context.Context) (string, bool) {
	sourceID, ok := ctx.Value(sourceIDKey).(string)
	return sourceID, ok
}

// SetActorContext sets both actor and source ID in the context
func SetActorContext(ctx context.Context, actorID, sourceID string) context.Context {
	ctx = SetActorID(ctx, actorID)
	return SetSourceID(ctx, sourceID)
}
