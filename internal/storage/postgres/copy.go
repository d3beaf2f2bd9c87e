package postgres

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// CopyFromCSV streams r into table with COPY ... FROM STDIN. Empty fields are
// loaded as NULL. The copy runs on one pooled connection and is
// all-or-nothing.
func (s *Store) CopyFromCSV(ctx context.Context, table string, columns []string, r io.Reader, delimiter rune, hasHeader bool) (int64, error) {
	q, err := buildCopySQL(table, columns, delimiter, hasHeader)
	if err != nil {
		return 0, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Conn().PgConn().CopyFrom(ctx, r, q)
	if err != nil {
		return 0, fmt.Errorf("postgres: copy into %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// buildCopySQL renders the COPY statement for a delimited CSV stream.
func buildCopySQL(table string, columns []string, delimiter rune, hasHeader bool) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("postgres: copy into %s: no columns", table)
	}
	if delimiter == '\'' || delimiter == '"' || delimiter == '\n' || delimiter == '\r' || delimiter > 127 {
		return "", fmt.Errorf("postgres: copy into %s: unsupported delimiter %q", table, delimiter)
	}

	opts := []string{"FORMAT csv", fmt.Sprintf("DELIMITER '%c'", delimiter), "NULL ''"}
	if hasHeader {
		opts = append(opts, "HEADER true")
	}
	return fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (%s)",
		pgFQN(table), strings.Join(mapIdent(columns), ", "), strings.Join(opts, ", ")), nil
}
