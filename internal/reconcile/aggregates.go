package reconcile

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/v6ledger/internal/metrics"
)

// The lock statements take the counter rows in id order before the recount
// runs. Under read committed the UPDATE then starts with a snapshot that
// already includes every transaction that held those locks, so two
// operations touching the same country can never publish a stale count.
const (
	lockCountriesQuery = `
		SELECT 1 FROM countries
		WHERE country_id = ANY($1)
		ORDER BY country_id
		FOR UPDATE`

	recomputeCountriesQuery = `
		UPDATE countries c
		SET total_active_ipv6 = (
				SELECT COUNT(*)
				FROM active_addresses a
				JOIN ip_prefixes p ON p.prefix_id = a.prefix_id
				WHERE p.country_id = c.country_id
			),
			last_updated = NOW()
		WHERE c.country_id = ANY($1)`

	lockASNsQuery = `
		SELECT 1 FROM asns
		WHERE asn = ANY($1)
		ORDER BY asn
		FOR UPDATE`

	recomputeASNsQuery = `
		UPDATE asns s
		SET total_active_ipv6 = (
				SELECT COUNT(*)
				FROM active_addresses a
				JOIN ip_prefixes p ON p.prefix_id = a.prefix_id
				WHERE p.asn = s.asn
			),
			last_updated = NOW()
		WHERE s.asn = ANY($1)`
)

// RecomputeAggregates sets total_active_ipv6 of every country and ASN in scope
// to the live address count. It runs inside the caller's transaction and
// never touches ids outside scope.
func RecomputeAggregates(ctx context.Context, tx sqlx.ExecerContext, scope *Scope, recorder metrics.Recorder) error {
	if scope == nil || scope.Empty() {
		return nil
	}
	return RecomputeScoped(ctx, tx, scope.Countries(), scope.ASNs(), recorder)
}

// RecomputeScoped is RecomputeAggregates over explicit id lists. Either list
// may be empty.
func RecomputeScoped(ctx context.Context, tx sqlx.ExecerContext, countries []string, asns []int64, recorder metrics.Recorder) error {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}

	if len(countries) > 0 {
		n, err := recompute(ctx, tx, lockCountriesQuery, recomputeCountriesQuery, pq.Array(countries))
		if err != nil {
			return fmt.Errorf("recompute country counters: %w", err)
		}
		recorder.AddAggregatesRecomputed("country", n)
	}

	if len(asns) > 0 {
		n, err := recompute(ctx, tx, lockASNsQuery, recomputeASNsQuery, pq.Array(asns))
		if err != nil {
			return fmt.Errorf("recompute ASN counters: %w", err)
		}
		recorder.AddAggregatesRecomputed("asn", n)
	}

	return nil
}

func recompute(ctx context.Context, tx sqlx.ExecerContext, lock, update string, ids interface{}) (int64, error) {
	if _, err := tx.ExecContext(ctx, lock, ids); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, update, ids)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
