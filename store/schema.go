// Package store provides table-structured storage for consensus metadata
// on top of a cometbft-db key/value backend.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dbm "github.com/cometbft/cometbft-db"
)

// ================================================================================
//                          Schema
// ================================================================================

// TableSpec describes one logical table.
type TableSpec struct {
	Name    string
	Version uint32
}

// Schema is a named group of tables sharing a key namespace.
type Schema struct {
	Name   string
	Tables []TableSpec
}

// Table names of the consensus schema.
const (
	TableHeights      = "Heights"
	TableBlocks       = "Blocks"
	TableCertificates = "Certificates"
	TableVotes        = "Votes"
)

// Tables is the schema holding consensus metadata: decided heights,
// blocks, commit certificates and votes.
var Tables = Schema{
	Name: "consensus",
	Tables: []TableSpec{
		{Name: TableHeights, Version: 1},
		{Name: TableBlocks, Version: 1},
		{Name: TableCertificates, Version: 1},
		{Name: TableVotes, Version: 1},
	},
}

// ErrVersionConflict is returned when a table exists with another version.
var ErrVersionConflict = errors.New("table exists with a different version")

// SchemaError reports which table could not be created.
type SchemaError struct {
	Schema string
	Table  string
	Err    error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("create table %s.%s: %v", e.Schema, e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// tableRecord is persisted in the schema registry for every created table.
type tableRecord struct {
	Version   uint32    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

func registryKey(schema, table string) []byte {
	return []byte("__schema/" + schema + "/" + table)
}

func tablePrefix(schema, table string) []byte {
	return []byte(schema + "/" + table + "/")
}

// CreateTablesFor creates every table of schema that does not exist yet.
// Existing tables with a matching version are left untouched, so calling
// it repeatedly is safe.
func CreateTablesFor(db dbm.DB, schema Schema) error {
	for _, spec := range schema.Tables {
		key := registryKey(schema.Name, spec.Name)
		existing, err := db.Get(key)
		if err != nil {
			return &SchemaError{Schema: schema.Name, Table: spec.Name, Err: err}
		}
		if existing != nil {
			var rec tableRecord
			if err := json.Unmarshal(existing, &rec); err != nil {
				return &SchemaError{Schema: schema.Name, Table: spec.Name, Err: fmt.Errorf("corrupt registry record: %w", err)}
			}
			if rec.Version != spec.Version {
				return &SchemaError{
					Schema: schema.Name,
					Table:  spec.Name,
					Err:    fmt.Errorf("%w: have v%d, want v%d", ErrVersionConflict, rec.Version, spec.Version),
				}
			}
			continue
		}

		bz, err := json.Marshal(tableRecord{Version: spec.Version, CreatedAt: time.Now().UTC()})
		if err != nil {
			return &SchemaError{Schema: schema.Name, Table: spec.Name, Err: err}
		}
		if err := db.SetSync(key, bz); err != nil {
			return &SchemaError{Schema: schema.Name, Table: spec.Name, Err: err}
		}
	}
	return nil
}

// MissingTables returns the names of tables of schema that were never created.
func MissingTables(db dbm.DB, schema Schema) ([]string, error) {
	var missing []string
	for _, spec := range schema.Tables {
		ok, err := db.Has(registryKey(schema.Name, spec.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema registry: %w", err)
		}
		if !ok {
			missing = append(missing, spec.Name)
		}
	}
	return missing, nil
}

// ================================================================================
//                          Table
// ================================================================================

// Table gives prefixed access to one table of a schema.
type Table struct {
	db     dbm.DB
	prefix []byte
}

// NewTable returns a handle for table name of schema. It does not check
// that the table was created.
func NewTable(db dbm.DB, schema Schema, name string) Table {
	return Table{db: db, prefix: tablePrefix(schema.Name, name)}
}

// Key returns the full backend key for k.
func (t Table) Key(k []byte) []byte {
	key := make([]byte, 0, len(t.prefix)+len(k))
	key = append(key, t.prefix...)
	return append(key, k...)
}

// Get returns nil when the key is absent.
func (t Table) Get(k []byte) ([]byte, error) {
	return t.db.Get(t.Key(k))
}

// SetSync writes a value and flushes it to disk.
func (t Table) SetSync(k, v []byte) error {
	return t.db.SetSync(t.Key(k), v)
}

// GetJSON decodes the value at k into v. It reports false if k is absent.
func (t Table) GetJSON(k []byte, v interface{}) (bool, error) {
	bz, err := t.Get(k)
	if err != nil {
		return false, err
	}
	if bz == nil {
		return false, nil
	}
	if err := json.Unmarshal(bz, v); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", t.Key(k), err)
	}
	return true, nil
}

// Iterator iterates over the table in key order. reverse flips the order.
func (t Table) Iterator(reverse bool) (dbm.Iterator, error) {
	start, end := t.prefix, prefixEnd(t.prefix)
	if reverse {
		return t.db.ReverseIterator(start, end)
	}
	return t.db.Iterator(start, end)
}

// PrefixIterator iterates over the keys of the table starting with sub.
func (t Table) PrefixIterator(sub []byte) (dbm.Iterator, error) {
	start := t.Key(sub)
	return t.db.Iterator(start, prefixEnd(start))
}

// TrimKey strips the table prefix from a backend key.
func (t Table) TrimKey(key []byte) []byte {
	return key[len(t.prefix):]
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
