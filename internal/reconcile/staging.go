package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const stagePrefix = "v6l_stage_"

// Stage is the candidate set of one operation: a session-local temporary
// table whose name embeds the operation id, so concurrent operations never
// share staging rows even when their address lists overlap.
type Stage struct {
	name    string
	created bool
}

func newStage(opID uuid.UUID) *Stage {
	// Hyphens are not valid in an unquoted identifier.
	return &Stage{name: stagePrefix + strings.ReplaceAll(opID.String(), "-", "")}
}

// Table is the fully qualified table name, safe to splice into SQL.
func (s *Stage) Table() string {
	return "pg_temp." + s.name
}

// Load creates the staging table inside tx and bulk inserts candidates with
// one statement. Duplicates collapse on the primary key. It returns the
// number of distinct staged rows.
//
// The table is dropped on commit; a rollback removes it with the rest of the
// transaction.
func (s *Stage) Load(ctx context.Context, tx sqlx.ExecerContext, candidates []string) (int, error) {
	create := fmt.Sprintf(`CREATE TEMP TABLE %s (address TEXT PRIMARY KEY) ON COMMIT DROP`, s.name)
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return 0, fmt.Errorf("create staging table: %w", err)
	}
	s.created = true

	if len(candidates) == 0 {
		return 0, nil
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (address)
		SELECT DISTINCT btrim(c) FROM unnest($1::text[]) AS t(c)
		WHERE btrim(c) <> ''
		ON CONFLICT (address) DO NOTHING`, s.Table())

	res, err := tx.ExecContext(ctx, insert, pq.Array(candidates))
	if err != nil {
		return 0, fmt.Errorf("stage candidates: %w", err)
	}
	staged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count staged candidates: %w", err)
	}
	return int(staged), nil
}

// Teardown drops the staging table on the session that created it. It is a
// no-op when the table was never created, and safe to call after commit or
// rollback has already removed it.
func (s *Stage) Teardown(ctx context.Context, conn sqlx.ExecerContext) error {
	if !s.created {
		return nil
	}
	if _, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+s.Table()); err != nil {
		return fmt.Errorf("drop staging table %s: %w", s.name, err)
	}
	s.created = false
	return nil
}
