// Package storage defines the persistence boundary both ambient
// components below the hash cascade share: the record_hash table (one
// opaque blob per record, spec §3 RecordHash) and the module_state
// table (opaque blobs by key; the registry keeps every view's
// bookkeeping in one blob, spec §4.G persistence contract).
// Callers own encoding; the store only ever moves bytes.
package storage

import "context"

// Store is the narrow persistence interface the Hash Service and View
// Registry depend on. internal/storage/sqlite and internal/storage/memory
// are its two implementations (spec §6: an embedded store in production,
// an in-memory stand-in for tests).
type Store interface {
	PutRecordHash(ctx context.Context, recordID string, blob []byte) error
	GetRecordHash(ctx context.Context, recordID string) ([]byte, bool, error)
	DeleteRecordHash(ctx context.Context, recordID string) error
	AllRecordHashes(ctx context.Context) (map[string][]byte, error)

	PutModuleState(ctx context.Context, key string, blob []byte) error
	GetModuleState(ctx context.Context, key string) ([]byte, bool, error)
	DeleteModuleState(ctx context.Context, key string) error

	Close() error
}
