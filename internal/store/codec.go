package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/seanblong/codeqa/pkg/models"
)

const snapshotVersion = 1

var ErrCorrupt = errors.New("corrupt index snapshot")

// encoder and decoder are safe for concurrent EncodeAll/DecodeAll calls.
var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

type snapshotFile struct {
	Version int                   `json:"version"`
	Dim     int                   `json:"dim"`
	Chunks  []models.IndexedChunk `json:"chunks"`
}

// Encode serialises chunks as zstd-compressed JSON.
func Encode(chunks []models.IndexedChunk) ([]byte, error) {
	snap := snapshotFile{Version: snapshotVersion, Chunks: chunks}
	if len(chunks) > 0 {
		snap.Dim = len(chunks[0].Embedding)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

// Decode is the inverse of Encode. Any malformed input yields ErrCorrupt.
func Decode(b []byte) ([]models.IndexedChunk, error) {
	raw, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, snap.Version)
	}
	for _, c := range snap.Chunks {
		if len(c.Embedding) != snap.Dim {
			return nil, fmt.Errorf("%w: chunk %s has %d values, want %d", ErrCorrupt, c.ID, len(c.Embedding), snap.Dim)
		}
	}
	return snap.Chunks, nil
}
