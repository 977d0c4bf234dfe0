// Package store defines persistence for exported snapshot strings. Records are keyed by
// the name embedded in the export header.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lockstep/internal/snapshot"
)

var (
	// ErrNotFound is returned when no record has the requested name.
	ErrNotFound = errors.New("store: snapshot not found")
	// ErrUnnamed is returned for exports whose header carries no name.
	ErrUnnamed = errors.New("store: snapshot has no name")
	// ErrCorrupt is returned when a stored record fails its integrity check.
	ErrCorrupt = errors.New("store: stored snapshot is corrupt")
	// ErrInvalid wraps the import failure of a rejected export.
	ErrInvalid = errors.New("store: invalid export")
)

// Info describes a stored export without its contents.
type Info struct {
	Name     string    `json:"name"`
	World    string    `json:"world"`
	Exported time.Time `json:"exported"`
	Saved    time.Time `json:"saved"`
	Modules  int       `json:"modules"`
	Size     int       `json:"size"`
}

// Store saves, lists and loads exported snapshot strings.
type Store interface {
	Save(ctx context.Context, text string) (Info, error)
	Load(ctx context.Context, name string) (string, error)
	List(ctx context.Context) ([]Info, error)
	Delete(ctx context.Context, name string) error
	Close() error
}

// Describe validates text and extracts its metadata. Stores call it before writing so
// that only importable exports are persisted.
func Describe(text string, saved time.Time) (Info, error) {
	snap, err := snapshot.Import(text)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if snap.Name == "" {
		return Info{}, ErrUnnamed
	}
	return Info{
		Name:     snap.Name,
		World:    snap.World,
		Exported: snap.Timestamp,
		Saved:    saved,
		Modules:  len(snap.Sections),
		Size:     len(text),
	}, nil
}
