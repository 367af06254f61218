// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PGQuerier is implemented by *pgxpool.Pool, *pgxpool.Conn, and pgx.Tx,
// mirroring the StagingQuerier contract in cdc-sink's internal/types so
// that either a pooled connection or a single transaction can serve as
// the replica handle.
type PGQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

var (
	_ PGQuerier = (*pgxpool.Pool)(nil)
)

// PGReplica is a Replica backed by a CockroachDB/Postgres replica. It
// expects the replicated tables to be mirrored under a companion
// changelog table of the form:
//
//	CREATE TABLE _replica_log (
//	  schema_name STRING, table_name STRING, row_key STRING,
//	  version STRING, op STRING, -- 'add', 'remove' or 'edit'
//	  row_json JSONB
//	)
//
// This mirrors the resolved-timestamp bookkeeping in cdc-sink's
// internal/source/cdc/resolver.go, generalized from "apply mutations up
// to a resolved timestamp" to "diff rows between two snapshots".
type PGReplica struct {
	pool      PGQuerier
	logTable  string
	dataTable func(TableSpec) string
}

// NewPGReplica constructs a PGReplica. logTable names the changelog
// table described above.
func NewPGReplica(pool PGQuerier, logTable string) *PGReplica {
	return &PGReplica{
		pool:     pool,
		logTable: logTable,
		dataTable: func(t TableSpec) string {
			return fmt.Sprintf("%s.%s", t.Schema, t.Table)
		},
	}
}

// CurrentVersion implements Replica.
func (r *PGReplica) CurrentVersion(ctx context.Context) (string, error) {
	var v string
	err := r.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT coalesce(max(version), '00') FROM %s`, r.logTable),
	).Scan(&v)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return v, nil
}

// TableSpecs implements Replica. Production deployments supply these
// from the upstream schema-change stream; this is left to the caller of
// PGReplica to assemble (e.g., from the permission-transform pass),
// since schema introspection is outside this component's contract.
func (r *PGReplica) TableSpecs(_ context.Context) ([]TableSpec, error) {
	return nil, errors.New("PGReplica.TableSpecs: caller must supply table specs out of band")
}

// Diff implements Replica.
func (r *PGReplica) Diff(
	ctx context.Context, prevVersion string, tables []TableSpec,
) (DiffIterator, error) {
	byName := make(map[string]TableSpec, len(tables))
	for _, t := range tables {
		byName[t.Name()] = t
	}

	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`
SELECT schema_name, table_name, row_key, version, op, row_json
FROM %s
WHERE version > $1
ORDER BY version, row_key`, r.logTable),
		prevVersion,
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &pgDiffIterator{rows: rows, byName: byName, tables: tables}, nil
}

type pgDiffIterator struct {
	rows   pgx.Rows
	byName map[string]TableSpec
	tables []TableSpec
}

// pgRowPlaceholder is a non-nil sentinel used for RowDiff.Prev on edits,
// where this replica backend does not retain the prior row contents.
// The old row is implied by the key, per the spec's note on edit
// changes; callers that need concrete prior contents should consult
// their Table Source's last-known state instead.
var pgRowPlaceholder = Row{}

func (it *pgDiffIterator) Next(_ context.Context) (RowDiff, bool, error) {
	for it.rows.Next() {
		var schemaName, tableName, rowKey, ver, op string
		var rawJSON []byte
		if err := it.rows.Scan(&schemaName, &tableName, &rowKey, &ver, &op, &rawJSON); err != nil {
			return RowDiff{}, false, errors.WithStack(err)
		}
		spec, ok := it.byName[schemaName+"."+tableName]
		if !ok {
			// A change arrived for a table we weren't asked to track;
			// the schema has drifted out from under the caller.
			return RowDiff{}, false, &ResetPipelinesSignal{
				Message: fmt.Sprintf("unexpected table %s.%s in replica log", schemaName, tableName),
			}
		}

		next, err := DecodeRowJSON(rawJSON)
		if err != nil {
			return RowDiff{}, false, errors.Wrapf(err, "decoding row for %s", spec.Name())
		}

		diff := RowDiff{Table: spec, Key: rowKey}
		switch op {
		case "add":
			diff.Next = next
		case "remove":
			diff.Prev = pgRowPlaceholder
		case "edit":
			diff.Prev = pgRowPlaceholder
			diff.Next = next
		default:
			return RowDiff{}, false, errors.Errorf("unknown op %q in replica log", op)
		}
		return diff, true, nil
	}
	if err := it.rows.Err(); err != nil {
		return RowDiff{}, false, errors.WithStack(err)
	}
	return RowDiff{}, false, nil
}

func (it *pgDiffIterator) Close() {
	it.rows.Close()
}

// ScanRows implements Replica by reading the latest non-deleted version
// of every row currently staged for table, ordered by key. This is a
// simplification of a true point-in-time table scan, acceptable because
// ScanRows is only used during initial hydration, before any diffs have
// been applied.
func (r *PGReplica) ScanRows(ctx context.Context, table TableSpec) (RowIterator, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
SELECT DISTINCT ON (row_key) row_key, op, row_json
FROM %s
WHERE schema_name=$1 AND table_name=$2
ORDER BY row_key, version DESC`, r.logTable),
		table.Schema, table.Table,
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &pgRowIterator{rows: rows}, nil
}

type pgRowIterator struct {
	rows pgx.Rows
}

func (it *pgRowIterator) Next(_ context.Context) (string, Row, bool, error) {
	for it.rows.Next() {
		var key, op string
		var rawJSON []byte
		if err := it.rows.Scan(&key, &op, &rawJSON); err != nil {
			return "", nil, false, errors.WithStack(err)
		}
		if op == "remove" {
			continue
		}
		row, err := DecodeRowJSON(rawJSON)
		if err != nil {
			return "", nil, false, errors.WithStack(err)
		}
		return key, row, true, nil
	}
	if err := it.rows.Err(); err != nil {
		return "", nil, false, errors.WithStack(err)
	}
	return "", nil, false, nil
}

func (it *pgRowIterator) Close() { it.rows.Close() }

// FetchRow implements Replica by reading the latest non-deleted entry
// for the given key from the changelog table.
func (r *PGReplica) FetchRow(ctx context.Context, table TableSpec, key string) (Row, bool, error) {
	var op string
	var rawJSON []byte
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT op, row_json FROM %s
WHERE schema_name=$1 AND table_name=$2 AND row_key=$3
ORDER BY version DESC LIMIT 1`, r.logTable),
		table.Schema, table.Table, key,
	).Scan(&op, &rawJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	if op == "remove" {
		return nil, false, nil
	}
	row, err := DecodeRowJSON(rawJSON)
	if err != nil {
		return nil, false, errors.Wrapf(err, "decoding row for %s", table.Name())
	}
	return row, true, nil
}
