package mssql

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"

	"cobranza/internal/config"
	csvparser "cobranza/internal/parser/csv"
)

// CopyFromCSV streams r into table through the TDS bulk-load protocol
// (go-mssqldb CopyIn). Empty fields load as NULL and integer columns are
// parsed from text. The whole copy runs in one transaction.
func (s *Store) CopyFromCSV(ctx context.Context, table string, columns []string, r io.Reader, delimiter rune, hasHeader bool) (int64, error) {
	if s.raw == nil {
		return 0, fmt.Errorf("mssql: copy into %s: no database handle", table)
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("mssql: copy into %s: no columns", table)
	}

	types, err := s.columnTypes(ctx, table)
	if err != nil {
		return 0, err
	}

	tx, err := s.raw.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(mssqlTableIdent(table), mssql.BulkOptions{Tablock: true}, columns...))
	if err != nil {
		return 0, fmt.Errorf("mssql: prepare bulk copy into %s: %w", table, err)
	}
	defer stmt.Close()

	rd := csvparser.NewReader(r, config.Options{"comma": string(delimiter)})
	if hasHeader {
		if _, err := rd.ReadHeader(); err != nil {
			if errors.Is(err, io.EOF) {
				return 0, nil
			}
			return 0, err
		}
	}

	for {
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("mssql: copy into %s: line %d: %w", table, rd.Line(), err)
		}
		if len(rec) != len(columns) {
			return 0, fmt.Errorf("mssql: copy into %s: line %d: expected %d columns, found %d", table, rd.Line(), len(columns), len(rec))
		}
		args, err := bulkArgs(rec, columns, types)
		if err != nil {
			return 0, fmt.Errorf("mssql: copy into %s: line %d: %w", table, rd.Line(), err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("mssql: copy into %s: line %d: %w", table, rd.Line(), err)
		}
	}

	// An argument-less Exec flushes the bulk batch.
	res, err := stmt.ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("mssql: flush bulk copy into %s: %w", table, err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// columnTypes returns lower-cased DATA_TYPE by column name for table.
func (s *Store) columnTypes(ctx context.Context, table string) (map[string]string, error) {
	name := table
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	rows, err := s.raw.QueryContext(ctx,
		`SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_NAME = @p1`, name)
	if err != nil {
		return nil, fmt.Errorf("mssql: read columns of %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var col, typ string
		if err := rows.Scan(&col, &typ); err != nil {
			return nil, err
		}
		out[strings.ToLower(col)] = strings.ToLower(typ)
	}
	return out, rows.Err()
}

// bulkArgs converts one CSV record to bulk-copy values.
func bulkArgs(rec, columns []string, types map[string]string) ([]any, error) {
	args := make([]any, len(rec))
	for i, v := range rec {
		if v == "" {
			continue
		}
		switch types[strings.ToLower(columns[i])] {
		case "bigint", "int", "smallint", "tinyint":
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", columns[i], err)
			}
			args[i] = n
		default:
			args[i] = v
		}
	}
	return args, nil
}
