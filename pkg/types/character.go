// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"maps"
	"slices"
)

// Common character status flags. Flags are free-form; these are the ones
// the consistency checker reasons about.
const (
	FlagAlive   = "alive"
	FlagInjured = "injured"
	FlagDead    = "dead"
	FlagMissing = "missing"
)

// CharacterState is one version of a character's state. Version N is
// written by the finalizer of chapter N; version 0 is seeded from the
// architecture.
type CharacterState struct {
	// ID is the slug identifier (e.g. "mira-vale").
	ID string `json:"id" yaml:"id"`

	// Name is the display name.
	Name string `json:"name" yaml:"name"`

	// Traits lists stable personality and physical traits.
	Traits []string `json:"traits,omitempty" yaml:"traits,omitempty"`

	// Location is where the character is at the end of Chapter.
	Location string `json:"location,omitempty" yaml:"location,omitempty"`

	// Relationships maps other character IDs to a short relation label.
	Relationships map[string]string `json:"relationships,omitempty" yaml:"relationships,omitempty"`

	// Status holds flags such as alive, injured or dead.
	Status []string `json:"status,omitempty" yaml:"status,omitempty"`

	// Chapter is the chapter index this version reflects.
	Chapter int `json:"chapter" yaml:"chapter"`
}

// HasFlag reports whether the character carries the status flag.
func (c CharacterState) HasFlag(flag string) bool {
	return slices.Contains(c.Status, flag)
}

// Clone returns a deep copy.
func (c CharacterState) Clone() CharacterState {
	c.Traits = slices.Clone(c.Traits)
	c.Status = slices.Clone(c.Status)
	c.Relationships = maps.Clone(c.Relationships)
	return c
}
