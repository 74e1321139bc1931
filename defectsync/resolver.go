// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"fmt"
	"time"
)

// Resolution is the outcome of resolving a conflict between a client copy and
// the server copy of an entity. Producing it has no side effects; persisting
// the winning data is the caller's job.
type Resolution struct {
	Strategy      string         // strategy that produced this resolution
	Winner        string         // "server", "client" or "merged" ("" when NeedsDecision)
	Data          map[string]any // winning or merged entity fields
	NeedsDecision bool           // true for prompt_user: a human must choose
	ClientData    map[string]any // both copies carried when NeedsDecision
	ServerData    map[string]any
	Annotation    string // human-readable merge note, set by the merge strategy
}

const (
	WinnerServer = "server"
	WinnerClient = "client"
	WinnerMerged = "merged"
)

// Resolve decides the winning version of an entity given both copies and a
// strategy. Timestamps on both copies are read from the "updated_at" field;
// ties and unparseable timestamps favor the server. The resolution actor and
// time are passed explicitly so the function stays pure.
func Resolve(clientData, serverData map[string]any, entityType EntityType, strategy, actor string, now time.Time) (Resolution, error) {
	info, ok := LookupEntity(entityType)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}

	switch strategy {
	case StrategyServerWins:
		return Resolution{Strategy: strategy, Winner: WinnerServer, Data: serverData}, nil

	case StrategyClientWins:
		return Resolution{Strategy: strategy, Winner: WinnerClient, Data: clientData}, nil

	case StrategyTimestampWins:
		if clientTime, serverTime, err := updatedAtPair(clientData, serverData); err == nil && clientTime.After(serverTime) {
			return Resolution{Strategy: strategy, Winner: WinnerClient, Data: clientData}, nil
		}
		return Resolution{Strategy: strategy, Winner: WinnerServer, Data: serverData}, nil

	case StrategyPromptUser:
		return Resolution{
			Strategy:      strategy,
			NeedsDecision: true,
			ClientData:    clientData,
			ServerData:    serverData,
		}, nil

	case StrategyMerge:
		return mergeResolution(clientData, serverData, info, actor, now), nil

	default:
		return Resolution{}, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// mergeResolution performs the entity-type-specific field-level merge.
// Every field starts from the server value; registry rules then pull in the
// client value where it is preferable.
func mergeResolution(clientData, serverData map[string]any, info EntityInfo, actor string, now time.Time) Resolution {
	merged := make(map[string]any, len(serverData)+2)
	for k, v := range serverData {
		merged[k] = v
	}

	for field, rule := range info.MergeRules {
		clientVal, ok := clientData[field]
		if !ok {
			continue
		}
		switch rule {
		case MergePreferClient:
			if s, isStr := clientVal.(string); isStr && s != "" {
				merged[field] = s
			}
		case MergeStatusOrdinal:
			clientStatus, _ := clientVal.(string)
			serverStatus, _ := serverData[field].(string)
			merged[field] = moreAdvancedStatus(clientStatus, serverStatus)
		}
	}

	annotation := fmt.Sprintf("merged client version (updated %s) with server version (updated %s) at %s",
		stringField(clientData, "updated_at"), stringField(serverData, "updated_at"),
		now.UTC().Format(time.RFC3339))

	merged["updated_at"] = now.UTC().Format(time.RFC3339Nano)
	merged["updated_by"] = actor

	return Resolution{
		Strategy:   StrategyMerge,
		Winner:     WinnerMerged,
		Data:       merged,
		Annotation: annotation,
	}
}

// updatedAtPair extracts and parses updated_at from both copies.
func updatedAtPair(clientData, serverData map[string]any) (time.Time, time.Time, error) {
	clientTime, err := ParseTimestamp(stringField(clientData, "updated_at"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	serverTime, err := ParseTimestamp(stringField(serverData, "updated_at"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return clientTime, serverTime, nil
}

func stringField(data map[string]any, field string) string {
	s, _ := data[field].(string)
	return s
}
