package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// InsertReturning executes an INSERT and returns the integer value the
// database generated for column.
//
//	Postgres: appends RETURNING <column> and scans the result.
//	SQLite:   uses LastInsertId(), so column must be the integer primary key.
func InsertReturning(ctx context.Context, tx *sqlx.Tx, column, query string, args ...any) (int64, error) {
	if IsPostgres(tx.DriverName()) {
		var v int64
		err := tx.QueryRowContext(ctx, tx.Rebind(query+" RETURNING "+column), args...).Scan(&v)
		if err != nil {
			return 0, fmt.Errorf("insert returning %s: %w", column, err)
		}
		return v, nil
	}

	result, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}
