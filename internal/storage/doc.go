package storage

// Package storage provides the optional audit ledger.
//
// It currently records:
//   - Dispatch job outcomes (aggregate counts, never message bodies)
//   - Session lifecycle events (state transitions, fatal events)
