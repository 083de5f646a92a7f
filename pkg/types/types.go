// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package types defines shared data structures for the novelist pipeline:
// the project aggregate, chapter blueprints and drafts, character state,
// the rolling global summary, knowledge chunks, progress events and the
// configuration object.
package types
