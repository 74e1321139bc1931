// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"fmt"
	"time"
)

// EntityType identifies a synchronizable record kind. The set of supported
// types is closed; anything else is rejected with an unknown_entity_type
// result rather than falling through to a table-name guess.
type EntityType string

const (
	EntityDefect  EntityType = "defect"
	EntityComment EntityType = "comment"
	EntityImage   EntityType = "image"
)

// MergeRule selects how a single field is combined during a field-level merge.
type MergeRule string

const (
	// MergePreferClient keeps the client value when it is a non-empty string.
	MergePreferClient MergeRule = "prefer_client"
	// MergeStatusOrdinal keeps whichever workflow status is more advanced.
	MergeStatusOrdinal MergeRule = "status_ordinal"
)

// EntityInfo carries everything the processor needs to know about an entity
// type as data: backing table, deletion behavior, payload columns and merge
// rules. No per-type branching happens outside this registry.
type EntityInfo struct {
	Table       string               // fully qualified backing table (schema.table)
	SoftDelete  bool                 // stamp deleted_at instead of removing the row
	ParentField string               // payload field referencing the owning entity ("" for root entities)
	Parent      EntityType           // entity type ParentField points at
	Columns     []string             // payload fields persisted as real columns, in insert order
	MergeRules  map[string]MergeRule // field -> merge rule; unlisted fields default to the server value
}

var entityRegistry = map[EntityType]EntityInfo{
	EntityDefect: {
		Table:      "tracker.defects",
		SoftDelete: true,
		Columns:    []string{"title", "description", "status", "location"},
		MergeRules: map[string]MergeRule{
			"title":       MergePreferClient,
			"description": MergePreferClient,
			"location":    MergePreferClient,
			"status":      MergeStatusOrdinal,
		},
	},
	EntityComment: {
		Table:       "tracker.comments",
		ParentField: "defect_id",
		Parent:      EntityDefect,
		Columns:     []string{"defect_id", "body"},
		MergeRules: map[string]MergeRule{
			"body": MergePreferClient,
		},
	},
	EntityImage: {
		Table:       "tracker.images",
		ParentField: "defect_id",
		Parent:      EntityDefect,
		Columns:     []string{"defect_id", "file_ref", "caption"},
		MergeRules: map[string]MergeRule{
			"caption": MergePreferClient,
		},
	},
}

// LookupEntity returns the registry entry for t.
func LookupEntity(t EntityType) (EntityInfo, bool) {
	info, ok := entityRegistry[t]
	return info, ok
}

// RegisteredEntityTypes returns the supported entity types in stable order.
func RegisteredEntityTypes() []EntityType {
	return []EntityType{EntityDefect, EntityComment, EntityImage}
}

// ValidateRegistry sanity-checks the entity registry. It is called once at
// service startup so misconfiguration fails fast instead of at apply time.
func ValidateRegistry() error {
	seen := make(map[string]EntityType, len(entityRegistry))
	for _, t := range RegisteredEntityTypes() {
		info, ok := entityRegistry[t]
		if !ok {
			return fmt.Errorf("entity type %q missing from registry", t)
		}
		if info.Table == "" {
			return fmt.Errorf("entity type %q has no backing table", t)
		}
		if prev, dup := seen[info.Table]; dup {
			return fmt.Errorf("entity types %q and %q share table %s", prev, t, info.Table)
		}
		seen[info.Table] = t
		if len(info.Columns) == 0 {
			return fmt.Errorf("entity type %q has no payload columns", t)
		}
		cols := make(map[string]bool, len(info.Columns))
		for _, c := range info.Columns {
			cols[c] = true
		}
		if info.ParentField != "" && !cols[info.ParentField] {
			return fmt.Errorf("entity type %q parent field %q is not a payload column", t, info.ParentField)
		}
		if info.ParentField != "" {
			if _, ok := entityRegistry[info.Parent]; !ok {
				return fmt.Errorf("entity type %q references unknown parent type %q", t, info.Parent)
			}
		}
		for field, rule := range info.MergeRules {
			if !cols[field] {
				return fmt.Errorf("entity type %q merge rule on unknown field %q", t, field)
			}
			switch rule {
			case MergePreferClient, MergeStatusOrdinal:
			default:
				return fmt.Errorf("entity type %q has unknown merge rule %q for field %q", t, rule, field)
			}
		}
	}
	return nil
}

// Workflow status ordering used by the status_ordinal merge rule.
// Unknown statuses rank below "new" so a recognized status always wins.
var statusRank = map[string]int{
	StatusNew:        1,
	StatusInProgress: 2,
	StatusTesting:    3,
	StatusResolved:   4,
	StatusClosed:     5,
}

// moreAdvancedStatus returns whichever workflow status is further along.
// Ties and two unknown statuses favor the server value.
func moreAdvancedStatus(client, server string) string {
	if statusRank[client] > statusRank[server] {
		return client
	}
	return server
}

// ParseTimestamp parses the timestamp formats that appear in sync payloads.
// Clients write RFC 3339; legacy rows may carry a space-separated form.
func ParseTimestamp(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}
