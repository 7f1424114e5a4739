package models

import "time"

// ArtifactKind distinguishes the two vault artifact shapes.
type ArtifactKind string

const (
	// ArtifactSnapshot is the full merged state for one calendar month.
	ArtifactSnapshot ArtifactKind = "snapshot"
	// ArtifactDelta is an append-only increment since the last cursor.
	ArtifactDelta ArtifactKind = "delta"
)

// VaultArtifact is one backup unit written to the remote object store.
type VaultArtifact struct {
	ID         string       `json:"id"`
	Kind       ArtifactKind `json:"kind"`
	RangeStart time.Time    `json:"rangeStart"`
	RangeEnd   time.Time    `json:"rangeEnd"`
	Count      int          `json:"count"`
	Messages   []Message    `json:"messages"`
	Tombstones []Tombstone  `json:"tombstones"`
}
