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
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/go-sql-driver/mysql" // register driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// OpenMySQLReplica opens a connection pool to a MySQL/MariaDB replica
// and waits for it to become reachable, retrying on startup errors. This
// mirrors cdc-sink's internal/util/stdpool.OpenMySQLAsTarget, generalized
// from a write target to a read-only replica source.
func OpenMySQLReplica(
	ctx context.Context, connectString string, logTable string, waitForStartup bool,
) (*MySQLReplica, func(), error) {
	u, err := url.Parse(connectString)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing mysql connection string")
	}
	path := "/"
	if u.Path != "" {
		path = u.Path
	}
	dsn := fmt.Sprintf("%s@tcp(%s)%s?%s", u.User.String(), u.Host, path, "sql_mode=ansi")

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("could not close replica connection")
		}
	}

	for {
		if err := db.PingContext(ctx); err != nil {
			if waitForStartup {
				log.WithError(err).Info("waiting for replica to become ready")
				select {
				case <-ctx.Done():
					cleanup()
					return nil, nil, ctx.Err()
				case <-time.After(10 * time.Second):
					continue
				}
			}
			cleanup()
			return nil, nil, errors.Wrap(err, "could not ping replica")
		}
		break
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		cleanup()
		return nil, nil, errors.Wrap(err, "could not query replica version")
	}
	log.Infof("connected to replica, version %s", version)

	return &MySQLReplica{db: db, logTable: logTable}, cleanup, nil
}

// MySQLReplica is a Replica backed by a MySQL-flavored changelog table,
// using the same schema_name/table_name/row_key/version/op/row_json
// layout as PGReplica.
type MySQLReplica struct {
	db       *sql.DB
	logTable string
}

// CurrentVersion implements Replica.
func (r *MySQLReplica) CurrentVersion(ctx context.Context) (string, error) {
	var v sql.NullString
	err := r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT MAX(version) FROM %s`, r.logTable)).Scan(&v)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if !v.Valid {
		return "00", nil
	}
	return v.String, nil
}

// TableSpecs implements Replica; see PGReplica.TableSpecs for rationale.
func (r *MySQLReplica) TableSpecs(_ context.Context) ([]TableSpec, error) {
	return nil, errors.New("MySQLReplica.TableSpecs: caller must supply table specs out of band")
}

// Diff implements Replica.
func (r *MySQLReplica) Diff(
	ctx context.Context, prevVersion string, tables []TableSpec,
) (DiffIterator, error) {
	byName := make(map[string]TableSpec, len(tables))
	for _, t := range tables {
		byName[t.Name()] = t
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT schema_name, table_name, row_key, version, op, row_json
FROM %s
WHERE version > ?
ORDER BY version, row_key`, r.logTable), prevVersion)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &mysqlDiffIterator{rows: rows, byName: byName}, nil
}

type mysqlDiffIterator struct {
	rows   *sql.Rows
	byName map[string]TableSpec
}

func (it *mysqlDiffIterator) Next(_ context.Context) (RowDiff, bool, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return RowDiff{}, false, errors.WithStack(err)
		}
		return RowDiff{}, false, nil
	}
	var schemaName, tableName, rowKey, ver, op string
	var rawJSON []byte
	if err := it.rows.Scan(&schemaName, &tableName, &rowKey, &ver, &op, &rawJSON); err != nil {
		return RowDiff{}, false, errors.WithStack(err)
	}
	spec, ok := it.byName[schemaName+"."+tableName]
	if !ok {
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

func (it *mysqlDiffIterator) Close() {
	_ = it.rows.Close()
}

// ScanRows implements Replica.
func (r *MySQLReplica) ScanRows(ctx context.Context, table TableSpec) (RowIterator, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT t.row_key, t.op, t.row_json FROM %s t
INNER JOIN (
  SELECT row_key, MAX(version) AS version FROM %s
  WHERE schema_name=? AND table_name=?
  GROUP BY row_key
) latest ON t.row_key = latest.row_key AND t.version = latest.version
WHERE t.schema_name=? AND t.table_name=?
ORDER BY t.row_key`, r.logTable, r.logTable), table.Schema, table.Table, table.Schema, table.Table)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &mysqlRowIterator{rows: rows}, nil
}

type mysqlRowIterator struct {
	rows *sql.Rows
}

func (it *mysqlRowIterator) Next(_ context.Context) (string, Row, bool, error) {
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

func (it *mysqlRowIterator) Close() { _ = it.rows.Close() }

// FetchRow implements Replica.
func (r *MySQLReplica) FetchRow(ctx context.Context, table TableSpec, key string) (Row, bool, error) {
	var op string
	var rawJSON []byte
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT op, row_json FROM %s
WHERE schema_name=? AND table_name=? AND row_key=?
ORDER BY version DESC LIMIT 1`, r.logTable), table.Schema, table.Table, key).
		Scan(&op, &rawJSON)
	if errors.Is(err, sql.ErrNoRows) {
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
