// Package synth builds the RESULT and PREPARED frame bodies this proxy
// synthesizes for intercepted system.local/system.peers queries, with
// column projection, aliasing, and COUNT(*) support.
//
// Grounded on original_source/src/proxy.c's write_rows/write_system_local/
// write_system_peers/write_prepared/local_columns/peers_columns: the exact
// column names/types, the fixed schema_version/host_id UUIDs, and the
// hardcoded rpc_address=127.0.0.1 (confirmed in proxy.c's write_system_local,
// not derived from the accepted connection's local address) are all carried
// over verbatim from that source.
package synth

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/mevdschee/cqlproxy/codec"
	"github.com/mevdschee/cqlproxy/cqlproto"
	"github.com/mevdschee/cqlproxy/parser"
)

// Fixed identity constants carried over from original_source/src/proxy.c.
var (
	SchemaVersion = uuid.MustParse("4f2b29e6-59b5-4e2d-8fd6-01e32e67f0d7")
	HostID        = uuid.MustParse("19e26944-ffb1-40a9-a184-a9b065e5e06b")
)

// Column describes one column of a synthetic table's schema.
type Column struct {
	Name string
	Type cqlproto.ColumnType
}

// LocalColumns is the 12-column system.local schema.
var LocalColumns = []Column{
	{"key", cqlproto.TypeAscii},
	{"rpc_address", cqlproto.TypeInet},
	{"data_center", cqlproto.TypeAscii},
	{"rack", cqlproto.TypeAscii},
	{"tokens", cqlproto.TypeSet},
	{"release_version", cqlproto.TypeAscii},
	{"partitioner", cqlproto.TypeAscii},
	{"cluster_name", cqlproto.TypeAscii},
	{"cql_version", cqlproto.TypeAscii},
	{"schema_version", cqlproto.TypeUUID},
	{"native_protocol_version", cqlproto.TypeAscii},
	{"host_id", cqlproto.TypeUUID},
}

// PeersColumns is the 8-column system.peers schema. system.peers always
// returns an empty row set (SPEC_FULL.md Non-goals: "multi-row synthesis for
// system.peers" is explicitly out of scope).
var PeersColumns = []Column{
	{"peer", cqlproto.TypeInet},
	{"data_center", cqlproto.TypeAscii},
	{"rack", cqlproto.TypeAscii},
	{"release_version", cqlproto.TypeAscii},
	{"rpc_address", cqlproto.TypeInet},
	{"schema_version", cqlproto.TypeUUID},
	{"host_id", cqlproto.TypeUUID},
	{"tokens", cqlproto.TypeSet},
}

// BootInfo carries the release_version/partitioner strings learned once at
// startup from the backend's own system.local row (SPEC_FULL.md §6 "Backend
// bootstrap").
type BootInfo struct {
	ReleaseVersion string
	Partitioner    string
}

// ErrUnknownColumn is returned by Project when a requested column name is
// not present in the schema being projected — SPEC_FULL.md §4.8 maps this to
// an INVALID_QUERY error reply.
type ErrUnknownColumn struct{ Name string }

func (e *ErrUnknownColumn) Error() string {
	return fmt.Sprintf("synth: unknown column %q", e.Name)
}

// projected is one resolved output column: its schema definition plus the
// display name to use (the alias, if any).
type projected struct {
	col         Column
	displayName string
}

// project resolves a parsed select-list against a schema, honoring
// projection, aliasing, and COUNT(*). A nil/empty exprs, or a single Star
// expr, means "all columns, unprojected". isCount reports whether this was
// COUNT(*), which synthesizes a single int column named "count" instead of
// the table's own columns.
func project(schema []Column, exprs []parser.Expr) (cols []projected, isCount bool, err error) {
	if len(exprs) == 0 {
		for _, c := range schema {
			cols = append(cols, projected{col: c, displayName: c.Name})
		}
		return cols, false, nil
	}
	if len(exprs) == 1 && exprs[0].Kind == parser.ExprStar {
		for _, c := range schema {
			cols = append(cols, projected{col: c, displayName: c.Name})
		}
		return cols, false, nil
	}
	if len(exprs) == 1 && exprs[0].Kind == parser.ExprCount {
		return nil, true, nil
	}

	byName := make(map[string]Column, len(schema))
	for _, c := range schema {
		byName[c.Name] = c
	}
	for _, e := range exprs {
		name := e.Name
		display := name
		if e.Kind == parser.ExprAlias {
			display = e.Alias
		}
		c, ok := byName[name]
		if !ok {
			return nil, false, &ErrUnknownColumn{Name: name}
		}
		cols = append(cols, projected{col: c, displayName: display})
	}
	return cols, false, nil
}

// countValue mirrors proxy.c's fixed COUNT(*) answer: 1 row for local
// (there's always exactly one local row), 0 for peers (always empty —
// see SPEC_FULL.md §9's resolved Open Question on this).
func countValue(table parser.TableType) int32 {
	if table == parser.TableLocal {
		return 1
	}
	return 0
}

// BuildRows synthesizes a RESULT/Rows frame body for an intercepted
// system.local or system.peers SELECT, applying projection/alias/COUNT(*)
// per SPEC_FULL.md §4.8. table must be TableLocal or TablePeers (TablePeersV2
// is rejected by the caller before reaching here, per §4.7's opcode table).
func BuildRows(table parser.TableType, exprs []parser.Expr, boot BootInfo) ([]byte, error) {
	var schema []Column
	var rowValues [][]string
	var tableName string
	switch table {
	case parser.TableLocal:
		schema = LocalColumns
		rowValues = [][]string{localRowValues(boot)}
		tableName = "local"
	case parser.TablePeers:
		schema = PeersColumns
		rowValues = nil // always empty
		tableName = "peers"
	default:
		return nil, fmt.Errorf("synth: BuildRows called with unsupported table %v", table)
	}

	cols, isCount, err := project(schema, exprs)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	codec.PutInt32(&body, int32(cqlproto.ResultRows))

	if isCount {
		writeColumnsMetadata(&body, tableName, []projected{{col: Column{Name: "count", Type: cqlproto.TypeInt}, displayName: "count"}})
		codec.PutInt32(&body, 1) // one row
		var valBuf bytes.Buffer
		codec.PutInt32(&valBuf, countValue(table))
		codec.PutBytes(&body, valBuf.Bytes())
		return body.Bytes(), nil
	}

	writeColumnsMetadata(&body, tableName, cols)
	codec.PutInt32(&body, int32(len(rowValues)))
	for _, row := range rowValues {
		for _, c := range cols {
			idx := columnIndex(schema, c.col.Name)
			var valBuf bytes.Buffer
			encodeValue(&valBuf, c.col.Type, row[idx])
			codec.PutBytes(&body, valBuf.Bytes())
		}
	}
	return body.Bytes(), nil
}

// BuildPrepared synthesizes a RESULT/Prepared frame body: the 16-byte
// prepared id, empty bind-marker metadata (this proxy's synthesized queries
// never take bind markers), and the same projected result-column metadata
// BuildRows uses, per SPEC_FULL.md §4.8 "The prepared metadata uses the same
// projection... with a global tablespec of (system, local|peers)."
func BuildPrepared(id [16]byte, table parser.TableType, exprs []parser.Expr) ([]byte, error) {
	var schema []Column
	var tableName string
	switch table {
	case parser.TableLocal:
		schema = LocalColumns
		tableName = "local"
	case parser.TablePeers:
		schema = PeersColumns
		tableName = "peers"
	default:
		return nil, fmt.Errorf("synth: BuildPrepared called with unsupported table %v", table)
	}

	var cols []projected
	var isCount bool
	var err error
	cols, isCount, err = project(schema, exprs)
	if err != nil {
		return nil, err
	}
	if isCount {
		cols = []projected{{col: Column{Name: "count", Type: cqlproto.TypeInt}, displayName: "count"}}
	}

	var body bytes.Buffer
	codec.PutInt32(&body, int32(cqlproto.ResultPrepared))
	codec.PutString(&body, string(id[:]))

	// Bind-marker metadata: flags(GLOBAL_TABLES_SPEC), columns_count,
	// pk_count, [pk_index...], then the global tablespec — pk_count comes
	// directly after columns_count, before the tablespec strings
	// (original_source/src/proxy.c:519-535's encode_prepared order).
	codec.PutInt32(&body, 0x0001)
	codec.PutInt32(&body, 0) // column count
	codec.PutInt32(&body, 0) // pk_count
	codec.PutString(&body, "system")
	codec.PutString(&body, tableName)

	writeColumnsMetadata(&body, tableName, cols)
	return body.Bytes(), nil
}

// BuildPreparedUse synthesizes a RESULT/Prepared frame body for a prepared
// `USE <keyspace>` statement: empty bind-marker metadata and empty result
// metadata, with no tablespec — mirroring proxy.c's write_prepared, which
// passes keyspace="" table="" for STMT_USE.
func BuildPreparedUse(id [16]byte) []byte {
	var body bytes.Buffer
	codec.PutInt32(&body, int32(cqlproto.ResultPrepared))
	codec.PutString(&body, string(id[:]))

	codec.PutInt32(&body, 0x0001)
	codec.PutInt32(&body, 0) // column count
	codec.PutInt32(&body, 0) // pk_count
	codec.PutString(&body, "")
	codec.PutString(&body, "")

	codec.PutInt32(&body, 0x0001) // GLOBAL_TABLES_SPEC
	codec.PutInt32(&body, 0)      // result column count
	codec.PutString(&body, "")
	codec.PutString(&body, "")
	return body.Bytes()
}

// writeColumnsMetadata writes the rows/prepared-result metadata block:
// flags (GLOBAL_TABLES_SPEC), column count, the global (keyspace, table)
// spec, then each column's name and type.
func writeColumnsMetadata(w *bytes.Buffer, tableName string, cols []projected) {
	codec.PutInt32(w, 0x0001) // GLOBAL_TABLES_SPEC
	codec.PutInt32(w, int32(len(cols)))
	codec.PutString(w, "system")
	codec.PutString(w, tableName)
	for _, c := range cols {
		codec.PutString(w, c.displayName)
		codec.PutUint16(w, uint16(c.col.Type))
	}
}

func columnIndex(schema []Column, name string) int {
	for i, c := range schema {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// localRowValues returns the textual value for each column of LocalColumns,
// in schema order, for the single synthesized system.local row.
func localRowValues(boot BootInfo) []string {
	return []string{
		"local",       // key
		"127.0.0.1",   // rpc_address
		"dc1",         // data_center
		"rack1",       // rack
		"0",           // tokens (single token "0")
		boot.ReleaseVersion,
		boot.Partitioner,
		"cql-proxy",   // cluster_name
		"3.0.0",       // cql_version
		SchemaVersion.String(),
		"4", // native_protocol_version
		HostID.String(),
	}
}

// encodeValue encodes one textual column value as its wire type.
func encodeValue(w *bytes.Buffer, typ cqlproto.ColumnType, text string) {
	switch typ {
	case cqlproto.TypeInet:
		if err := codec.PutInet(w, text); err != nil {
			// Should never happen for the fixed values this proxy emits;
			// fall back to a literal ascii encoding rather than producing
			// a malformed frame.
			w.WriteString(text)
		}
	case cqlproto.TypeUUID:
		id, err := codec.ParseUUID(text)
		if err != nil {
			w.WriteString(text)
			return
		}
		codec.PutUUID(w, id)
	case cqlproto.TypeSet:
		// A one-element set of [long string]: total-size + count + element.
		var elem bytes.Buffer
		codec.PutLongString(&elem, text)
		codec.PutCollectionSize(w, int32(elem.Len()), 1)
		w.Write(elem.Bytes())
	default:
		w.WriteString(text)
	}
}
