// Package storage — bolt.go
//
// BoltDB-backed advisory persistence for the CXLMemSim node daemon.
//
// Schema (BoltDB bucket layout):
//
//	/nodes
//	    key:   node_id, 4 bytes big-endian
//	    value: JSON-encoded NodeRecord
//
//	/ledger
//	    key:   RFC3339Nano timestamp + "_" + cacheline address (16 hex digits)
//	    value: JSON-encoded LedgerEntry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// This store is advisory and off the hot path: the authoritative coherency
// state lives in the in-memory directory (internal/coherency). Nothing here
// is consulted to decide a coherency transition. It exists for post-hoc
// audit; the daemon writes node records but does not read them back at
// startup.
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Ledger entries older than RetentionDays are pruned once, when the
//     daemon starts; there is no periodic pruning while it runs.
//   - Node records are never automatically pruned (operator action required).
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The daemon logs a warning and runs without advisory
//     storage.
//   - Disk full: bbolt.Update() returns an error. The daemon logs the error
//     and continues without persisting (in-memory coherency state is
//     unaffected — a write failure here is never promoted to a coherency
//     error).

package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/cxlmemsim/cxlmemsim.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default ledger retention period.
	DefaultRetentionDays = 30

	bucketNodes  = "nodes"
	bucketLedger = "ledger"
	bucketMeta   = "meta"
)

// NodeRecord is the persisted form of a peer node's last-known state.
// Stored as JSON in the nodes bucket.
type NodeRecord struct {
	NodeID     uint32    `json:"node_id"`
	LastStatus string    `json:"last_status"` // "online", "offline"
	LastSeen   time.Time `json:"last_seen"`
}

// LedgerEntry is a single coherency-transition audit record.
// Stored as JSON in the ledger bucket.
type LedgerEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	CachelineAddr  uint64    `json:"cacheline_addr"`
	FromState      string    `json:"from_state"`
	ToState        string    `json:"to_state"`
	RequestingNode uint32    `json:"requesting_node"`
	OwnerNode      uint32    `json:"owner_node"`
	Version        uint64    `json:"version"`
	LatencyNS      float64   `json:"latency_ns"`
	IsWrite        bool      `json:"is_write"`
}

// DB wraps a BoltDB instance with typed accessors for CXLMemSim data.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or schema is incompatible.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketNodes, bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, daemon requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Node operations ──────────────────────────────────────────────────────────

func nodeKey(nodeID uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, nodeID)
	return key
}

// PutNode writes or updates the last-known state of a peer node.
func (d *DB) PutNode(rec NodeRecord) error {
	rec.LastSeen = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutNode marshal: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketNodes))
		if err := b.Put(nodeKey(rec.NodeID), data); err != nil {
			return fmt.Errorf("PutNode bolt.Put: %w", err)
		}
		return nil
	})
}

// GetNode retrieves the last-known state for a node ID.
// Returns (nil, nil) if no record exists for this node.
func (d *DB) GetNode(nodeID uint32) (*NodeRecord, error) {
	var rec NodeRecord
	found := false

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketNodes))
		data := b.Get(nodeKey(nodeID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetNode(%d): %w", nodeID, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// ListNodes returns every persisted node record.
func (d *DB) ListNodes() ([]NodeRecord, error) {
	var recs []NodeRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketNodes))
		return b.ForEach(func(_, v []byte) error {
			var rec NodeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// ─── Ledger operations ────────────────────────────────────────────────────────

// ledgerKey constructs a sortable BoltDB key for a ledger entry.
// Format: RFC3339Nano + "_" + cacheline address (16 hex digits).
// Lexicographic sort = chronological sort.
func ledgerKey(t time.Time, addr uint64) []byte {
	return []byte(fmt.Sprintf("%s_%016x", t.UTC().Format(time.RFC3339Nano), addr))
}

// AppendLedger writes a new coherency-transition audit entry.
// Failures here are advisory: the caller should log and continue, never
// treat a failed AppendLedger as a coherency error.
func (d *DB) AppendLedger(entry LedgerEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("AppendLedger marshal: %w", err)
	}

	key := ledgerKey(entry.Timestamp, entry.CachelineAddr)

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendLedger bolt.Put: %w", err)
		}
		return nil
	})
}

// PruneOldLedgerEntries deletes ledger entries older than retentionDays.
// Called once by the daemon at startup.
// Returns the number of entries deleted.
func (d *DB) PruneOldLedgerEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldLedgerEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// LedgerCount returns the current number of ledger entries, from the
// bucket's own key statistics — cheap enough for the metrics sampler.
func (d *DB) LedgerCount() (int, error) {
	var n int
	err := d.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketLedger)).Stats().KeyN
		return nil
	})
	return n, err
}

// ReadLedger returns all ledger entries in chronological order.
// For operational use (admin CLI inspection). Not called on the hot path.
func (d *DB) ReadLedger() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
