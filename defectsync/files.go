// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Payload fields used for inline file transport. A client that captured a
// photo offline embeds it base64-encoded under file_data; the processor
// materializes it to stable storage and rewrites the field to file_ref
// before the row is persisted.
const (
	fileDataField = "file_data"
	fileRefField  = "file_ref"
	fileNameField = "file_name"
)

// BlobStore persists binary payloads outside the relational store and
// returns a stable reference for the rewritten payload field.
type BlobStore interface {
	Save(ctx context.Context, name string, data []byte) (ref string, err error)
}

// FSBlobStore stores blobs as files under a base directory.
type FSBlobStore struct {
	Dir string
}

// NewFSBlobStore creates the base directory if needed.
func NewFSBlobStore(dir string) (*FSBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FSBlobStore{Dir: dir}, nil
}

// Save writes data to a uniquely named file and returns its reference,
// relative to the store directory.
func (f *FSBlobStore) Save(ctx context.Context, name string, data []byte) (string, error) {
	ext := filepath.Ext(name)
	ref := uuid.New().String() + ext
	path := filepath.Join(f.Dir, ref)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob %s: %w", ref, err)
	}
	return ref, nil
}

// materializeInlineFile extracts an inline file from the payload, saves it to
// the blob store and rewrites the payload to reference it. Payloads without
// file_data pass through untouched. Without a configured store, inline data
// is rejected rather than silently written into the row.
func (s *SyncService) materializeInlineFile(ctx context.Context, payload map[string]any) error {
	encoded, ok := payload[fileDataField].(string)
	if !ok || encoded == "" {
		return nil
	}
	if s.blobs == nil {
		return fmt.Errorf("payload carries inline file data but no blob store is configured")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 file data: %w", err)
	}

	name := stringField(payload, fileNameField)
	ref, err := s.blobs.Save(ctx, name, data)
	if err != nil {
		return fmt.Errorf("failed to materialize file payload: %w", err)
	}

	payload[fileRefField] = ref
	delete(payload, fileDataField)
	delete(payload, fileNameField)
	return nil
}
