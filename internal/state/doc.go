// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/relay/internal/types"

// Compile-time interface compliance checks.
var _ types.CaseStore = (*CaseStore)(nil)
var _ types.TranscriptStore = (*TranscriptStore)(nil)
var _ types.AuditStore = (*AuditStore)(nil)
