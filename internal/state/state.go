// Package state is the durable deduplication ledger. It maps
// (sourceType, sourceName, itemID) to "already processed" atomically and
// crash-safely, and is the only synchronization point between concurrent
// collector runs.
package state

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// LeaseTTL is how long a processing reservation stays valid. A run that
// crashes mid-item leaves its lease behind; after the TTL another run may
// take the key over.
const LeaseTTL = 10 * time.Minute

// Key identifies one processed item.
type Key struct {
	SourceType string
	SourceName string
	ItemID     string
}

// String renders the key for logs and error messages.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.SourceType, k.SourceName, k.ItemID)
}

// Record is a persisted ledger entry. Metadata is an opaque diagnostic blob
// the core never re-interprets.
type Record struct {
	Key         Key
	ProcessedAt time.Time
	Metadata    json.RawMessage
}

// Lease is an optimistic reservation on a key. Exactly one live lease exists
// per key, so two concurrent runs never both act on the same item.
type Lease struct {
	Key        Key
	Token      string
	AcquiredAt time.Time
}

// EvictionPolicy bounds ledger growth. Zero values disable the respective
// bound.
type EvictionPolicy struct {
	// RetentionDays removes entries whose processed time is older than the
	// horizon.
	RetentionDays int

	// MaxEntriesPerSource caps entries per (sourceType, sourceName),
	// evicting oldest-first beyond the cap.
	MaxEntriesPerSource int
}

// Store is the dedup ledger contract. Both backends satisfy it; callers
// never assume one over the other.
//
// The ordering contract: Commit is called only after the artifact has been
// durably written to its final path. A crash between artifact publish and
// Commit is repaired on the next startup by InsertRecovered (reconciliation),
// never by re-fetching.
type Store interface {
	// IsProcessed reports whether the key has a committed ledger record.
	IsProcessed(ctx context.Context, key Key) (bool, error)

	// Begin reserves the key for this run. Returns ErrLeaseHeld (code
	// LEASE_HELD) when another live run owns it.
	Begin(ctx context.Context, key Key) (*Lease, error)

	// Commit atomically records the key as processed and releases the
	// lease. Either the full record becomes visible or none of it.
	Commit(ctx context.Context, lease *Lease, metadata json.RawMessage) error

	// Release abandons a lease without committing.
	Release(ctx context.Context, lease *Lease) error

	// Get returns the committed record for a key, or nil when absent.
	Get(ctx context.Context, key Key) (*Record, error)

	// InsertRecovered writes a ledger record without a lease. Used only by
	// the startup reconciliation pass for artifacts that exist on disk with
	// no matching record.
	InsertRecovered(ctx context.Context, key Key, processedAt time.Time, metadata json.RawMessage) error

	// Keys lists committed keys for one (sourceType, sourceName), oldest
	// first.
	Keys(ctx context.Context, sourceType, sourceName string) ([]Key, error)

	// Evict applies the policy and returns how many entries were removed.
	Evict(ctx context.Context, policy EvictionPolicy) (int, error)

	// Verify runs an integrity check. A failure is STATE_CORRUPTION and
	// must halt the run.
	Verify(ctx context.Context) error

	Close() error
}

// newLeaseToken generates a unique lease token. ULIDs sort by time, which
// makes stuck leases easy to eyeball in the leases table.
func newLeaseToken() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
