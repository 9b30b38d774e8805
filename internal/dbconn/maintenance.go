package dbconn

import (
	"context"
	"database/sql"
	"sync"
)

// VacuumAndCheckpoint runs VACUUM ANALYZE followed by CHECKPOINT against
// every pool in dbs concurrently. Adapted from the teacher's
// VacuumAndCheckpointAllDBs (nStangl-crdv/benchmarks/dbUtils/dbUtils.go),
// generalized from its CRDT merge-daemon maintenance routine into the
// plain Postgres/CockroachDB housekeeping a benchmark run's --create/--load
// phase wants between populate and execute.
func VacuumAndCheckpoint(ctx context.Context, dbs []*sql.DB) error {
	var wg sync.WaitGroup
	errs := make([]error, len(dbs))
	for i, db := range dbs {
		wg.Add(1)
		go func(i int, db *sql.DB) {
			defer wg.Done()
			if _, err := db.ExecContext(ctx, "VACUUM ANALYZE"); err != nil {
				errs[i] = err
				return
			}
			if _, err := db.ExecContext(ctx, "CHECKPOINT"); err != nil {
				errs[i] = err
			}
		}(i, db)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// DatabaseSize reports a table's on-disk size in bytes via
// pg_total_relation_size, adapted from the teacher's DbSize.
func DatabaseSize(ctx context.Context, db *sql.DB, table string) (int64, error) {
	row := db.QueryRowContext(ctx, "SELECT pg_total_relation_size($1)", table)
	var size int64
	if err := row.Scan(&size); err != nil {
		return 0, err
	}
	return size, nil
}
