// Package record provides the identity-scoped, schema-tagged record
// store backing the wallet data plane. Records are owned by a DID,
// optionally compressed at rest, and served through a bounded in-memory
// cache with single-flight deduplication of concurrent misses.
package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"

	"github.com/helix-wallet/helixd/internal/config"
	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/pkg/logging"
)

const defaultCacheCapacity = 1000

// PermissionOracle answers permission checks for requesters that do not
// own a record.
type PermissionOracle interface {
	Allowed(ctx context.Context, recordID, requester string) (bool, error)
}

// StaticOracle is a PermissionOracle backed by an in-memory grant table.
type StaticOracle struct {
	grants map[string]map[string]bool
}

// NewStaticOracle creates an empty grant table.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{grants: make(map[string]map[string]bool)}
}

// Grant allows a requester to access a record.
func (o *StaticOracle) Grant(recordID, requester string) {
	if o.grants[recordID] == nil {
		o.grants[recordID] = make(map[string]bool)
	}
	o.grants[recordID][requester] = true
}

// Allowed implements PermissionOracle.
func (o *StaticOracle) Allowed(_ context.Context, recordID, requester string) (bool, error) {
	return o.grants[recordID][requester], nil
}

// Record is the unit of storage.
type Record struct {
	ID        string
	Schema    string
	Owner     string
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Filter narrows a Query. A nil filter returns the whole collection and
// may be served from cache; any non-nil filter always hits the backing
// store.
type Filter struct {
	// Owner restricts results to records owned by this DID.
	Owner string

	// Match restricts results to records whose JSON payload has the
	// given top-level string values.
	Match map[string]string

	Limit int
}

// Config holds record store configuration.
type Config struct {
	DataDir       string
	CacheCapacity int
	Compression   bool
	Oracle        PermissionOracle
}

// Store is the sqlite-backed record store.
type Store struct {
	db          *sql.DB
	dbPath      string
	compression bool
	cache       *cache
	oracle      PermissionOracle
	group       singleflight.Group
	log         *logging.Logger
}

// New opens (or creates) the record store in the data directory.
func New(cfg *Config) (*Store, error) {
	dataDir := config.ExpandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "helix.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:          db,
		dbPath:      dbPath,
		compression: cfg.Compression,
		cache:       newCache(cfg.CacheCapacity),
		oracle:      cfg.Oracle,
		log:         logging.GetDefault().Component("record"),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// SetOracle installs the permission oracle consulted for requesters
// that do not own a record. It exists because an oracle resolving
// grants from stored payloads needs the store itself.
func (s *Store) SetOracle(oracle PermissionOracle) {
	s.oracle = oracle
}

// Close closes the backing database.
func (s *Store) Close() error {
	s.cache.purge()
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		schema TEXT NOT NULL,
		owner TEXT NOT NULL,
		data BLOB NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_schema ON records(schema);
	CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner);
	CREATE INDEX IF NOT EXISTS idx_records_schema_owner ON records(schema, owner);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Put stores a new record and returns its id.
func (s *Store) Put(ctx context.Context, collection, owner string, data []byte) (string, error) {
	id := uuid.NewString()
	now := time.Now()

	payload := data
	var compressed bool
	if s.compression {
		payload, compressed = compress(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, schema, owner, data, compressed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, collection, owner, payload, boolToInt(compressed), now.Unix(), now.Unix())
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindStorage, "record", "Put", "failed to store record")
	}

	s.cache.put(&Record{
		ID:        id,
		Schema:    collection,
		Owner:     owner,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	})

	return id, nil
}

// Get returns a record by id, or nil if absent. Concurrent misses for
// the same id share one backing-store read.
func (s *Store) Get(ctx context.Context, collection, id string) (*Record, error) {
	if rec, ok := s.cache.get(id); ok && rec.Schema == collection {
		return rec, nil
	}

	// The flight is shared across callers, so it must not die with the
	// first caller's context.
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(collection+"/"+id, func() (interface{}, error) {
		rec, err := s.fetch(fetchCtx, collection, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			s.cache.put(rec)
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	rec, _ := v.(*Record)
	return rec, nil
}

func (s *Store) fetch(ctx context.Context, collection, id string) (*Record, error) {
	var rec Record
	var data []byte
	var compressed int
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, schema, owner, data, compressed, created_at, updated_at
		FROM records WHERE id = ? AND schema = ?
	`, id, collection).Scan(&rec.ID, &rec.Schema, &rec.Owner, &data, &compressed, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindStorage, "record", "Get", "failed to read record")
	}

	rec.Data = decompress(data, compressed != 0)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// Query returns records in a collection. An unfiltered query may be
// served entirely from cache when the collection is fully cached.
func (s *Store) Query(ctx context.Context, collection string, filter *Filter) ([]*Record, error) {
	if filter == nil {
		if records, ok := s.cache.collection(collection); ok {
			// Match the SQL path's ordering.
			sort.Slice(records, func(i, j int) bool {
				return records[i].CreatedAt.After(records[j].CreatedAt)
			})
			return records, nil
		}
	}

	query := `SELECT id, schema, owner, data, compressed, created_at, updated_at FROM records WHERE schema = ?`
	args := []interface{}{collection}
	if filter != nil && filter.Owner != "" {
		query += " AND owner = ?"
		args = append(args, filter.Owner)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindStorage, "record", "Query", "failed to query records")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		var data []byte
		var compressed int
		var createdAt, updatedAt int64

		if err := rows.Scan(&rec.ID, &rec.Schema, &rec.Owner, &data, &compressed, &createdAt, &updatedAt); err != nil {
			return nil, walleterr.Wrap(err, walleterr.KindStorage, "record", "Query", "failed to scan record")
		}

		rec.Data = decompress(data, compressed != 0)
		rec.CreatedAt = time.Unix(createdAt, 0)
		rec.UpdatedAt = time.Unix(updatedAt, 0)

		if filter != nil && !matchJSON(rec.Data, filter.Match) {
			continue
		}

		records = append(records, &rec)
		if filter != nil && filter.Limit > 0 && len(records) >= filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindStorage, "record", "Query", "row iteration failed")
	}

	if filter == nil {
		s.cache.putAll(collection, records)
	}

	return records, nil
}

// Update replaces a record's payload. The requester must own the record
// or hold a granted permission.
func (s *Store) Update(ctx context.Context, collection, id, requester string, data []byte) error {
	allowed, err := s.VerifyPermission(ctx, id, requester)
	if err != nil {
		return err
	}
	if !allowed {
		return walleterr.E(walleterr.KindAuthorization, "record", "Update",
			"requester does not have permission").WithMeta("record_id", id)
	}

	payload := data
	var compressed bool
	if s.compression {
		payload, compressed = compress(data)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE records SET data = ?, compressed = ?, updated_at = ?
		WHERE id = ? AND schema = ?
	`, payload, boolToInt(compressed), time.Now().Unix(), id, collection)
	if err != nil {
		return walleterr.Wrap(err, walleterr.KindStorage, "record", "Update", "failed to update record")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return walleterr.E(walleterr.KindStorage, "record", "Update", "record not found").WithMeta("record_id", id)
	}

	s.cache.invalidate(id)
	return nil
}

// Delete removes a record. The requester must own the record or hold a
// granted permission.
func (s *Store) Delete(ctx context.Context, collection, id, requester string) error {
	allowed, err := s.VerifyPermission(ctx, id, requester)
	if err != nil {
		return err
	}
	if !allowed {
		return walleterr.E(walleterr.KindAuthorization, "record", "Delete",
			"requester does not have permission").WithMeta("record_id", id)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ? AND schema = ?`, id, collection)
	if err != nil {
		return walleterr.Wrap(err, walleterr.KindStorage, "record", "Delete", "failed to delete record")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return walleterr.E(walleterr.KindStorage, "record", "Delete", "record not found").WithMeta("record_id", id)
	}

	s.cache.remove(id)
	return nil
}

// VerifyPermission reports whether a requester may mutate a record. A
// missing record is treated as permission denied.
func (s *Store) VerifyPermission(ctx context.Context, id, requester string) (bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner FROM records WHERE id = ?`, id).Scan(&owner)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, walleterr.Wrap(err, walleterr.KindStorage, "record", "VerifyPermission", "failed to read owner")
	}

	if owner == requester {
		return true, nil
	}

	if s.oracle == nil {
		return false, nil
	}
	allowed, err := s.oracle.Allowed(ctx, id, requester)
	if err != nil {
		return false, walleterr.Wrap(err, walleterr.KindAuthorization, "record", "VerifyPermission", "permission oracle failed")
	}
	return allowed, nil
}

// Ping probes the backing store. Used by the recovery path for storage
// integrity checks.
func (s *Store) Ping(ctx context.Context) error {
	var result string
	err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check(1)").Scan(&result)
	if err != nil {
		return walleterr.Wrap(err, walleterr.KindStorage, "record", "Ping", "integrity check failed")
	}
	if result != "ok" {
		return walleterr.E(walleterr.KindStorage, "record", "Ping", "integrity check reported: "+result)
	}
	return nil
}

// CacheLen returns the number of cached records.
func (s *Store) CacheLen() int {
	return s.cache.len()
}

// matchJSON reports whether a JSON payload has the given top-level
// string values. A nil/empty match set always passes.
func matchJSON(data []byte, match map[string]string) bool {
	if len(match) == 0 {
		return true
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	for key, want := range match {
		got, ok := doc[key].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
