package reconcile

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/anstrom/v6ledger/internal/errors"
)

// target is what the existence lookup resolved. For imports it names the
// prefix new addresses are bound to and the scope they count toward.
type target struct {
	PrefixID  int64  `db:"prefix_id"`
	CountryID string `db:"country_id"`
	ASN       int64  `db:"asn"`
}

// applied holds the raw counts of the apply statement.
type applied struct {
	Updated  int
	Inserted int
}

var existenceQueries = map[Kind]struct {
	query string
	label string
}{
	KindVulnerability: {`SELECT EXISTS (SELECT 1 FROM vulnerabilities WHERE vulnerability_id = $1)`, "vulnerability"},
	KindProtocol:      {`SELECT EXISTS (SELECT 1 FROM protocols WHERE protocol_id = $1)`, "protocol"},
	KindIID:           {`SELECT EXISTS (SELECT 1 FROM address_types WHERE type_id = $1)`, "IID type"},
}

const prefixLookupQuery = `
	SELECT prefix_id, country_id, asn
	FROM ip_prefixes
	WHERE prefix = $1::cidr AND country_id = $2 AND asn = $3`

const prefixOwnerQuery = `
	SELECT country_id, asn FROM ip_prefixes WHERE prefix = $1::cidr`

// lookupTarget is the single read-only existence check that runs before
// any transaction is opened. An unknown id is a validation error.
func lookupTarget(ctx context.Context, q sqlx.QueryerContext, intent *Intent) (*target, error) {
	if intent.Kind == KindImport {
		var t target
		err := sqlx.GetContext(ctx, q, &t, prefixLookupQuery,
			intent.Prefix.String(), *intent.Filter.CountryID, *intent.Filter.ASN)
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, unregisteredPrefix(ctx, q, intent)
		}
		if err != nil {
			return nil, fmt.Errorf("look up prefix: %w", err)
		}
		return &t, nil
	}

	check, ok := existenceQueries[intent.Kind]
	if !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown reconciliation kind %q", intent.Kind))
	}

	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists, check.query, intent.TargetID); err != nil {
		return nil, fmt.Errorf("look up %s: %w", check.label, err)
	}
	if !exists {
		return nil, errors.NewValidationError(fmt.Sprintf("%s %d does not exist", check.label, intent.TargetID))
	}
	return &target{}, nil
}

// unregisteredPrefix explains why an import has no prefix row to bind to.
// Imports never create prefixes.
func unregisteredPrefix(ctx context.Context, q sqlx.QueryerContext, intent *Intent) error {
	var owner scopeRow
	err := sqlx.GetContext(ctx, q, &owner, prefixOwnerQuery, intent.Prefix.String())
	switch {
	case err == nil:
		return errors.NewValidationError(fmt.Sprintf(
			"prefix %s is registered to country %s and AS%d, not country %s and AS%d",
			intent.Prefix, owner.CountryID, owner.ASN, *intent.Filter.CountryID, *intent.Filter.ASN))
	case stderrors.Is(err, sql.ErrNoRows):
		return errors.NewValidationError(fmt.Sprintf(
			"prefix %s is not registered; register it before importing addresses", intent.Prefix))
	default:
		return fmt.Errorf("look up prefix owner: %w", err)
	}
}

// matchedCTE selects the staged addresses that exist in the inventory and
// fall inside the filter scope. $2 and $3 are the optional country and ASN.
const matchedCTE = `
	WITH matched AS (
		SELECT a.address_id
		FROM %s s
		JOIN active_addresses a ON a.address = s.address
		JOIN ip_prefixes p ON p.prefix_id = a.prefix_id
		WHERE ($2::text IS NULL OR p.country_id = $2)
		  AND ($3::bigint IS NULL OR p.asn = $3)
	), changed AS (
		%s
		RETURNING (xmax = 0) AS inserted
	)
	SELECT COUNT(*) FILTER (WHERE inserted)     AS inserted,
	       COUNT(*) FILTER (WHERE NOT inserted) AS updated
	FROM changed`

// Rows whose state already equals the requested one are left alone, which
// is what makes a repeated run report them as skipped.
var upserts = map[Kind]string{
	KindVulnerability: `
		INSERT INTO address_vulnerabilities (address_id, vulnerability_id, is_fixed)
		SELECT address_id, $1::bigint, $4::boolean FROM matched
		ON CONFLICT (address_id, vulnerability_id) DO UPDATE
			SET is_fixed = EXCLUDED.is_fixed, updated_at = NOW()
			WHERE address_vulnerabilities.is_fixed IS DISTINCT FROM EXCLUDED.is_fixed`,
	KindProtocol: `
		INSERT INTO address_protocols (address_id, protocol_id, port, is_supported)
		SELECT address_id, $1::bigint, $5::integer, $4::boolean FROM matched
		ON CONFLICT (address_id, protocol_id, (COALESCE(port, -1))) DO UPDATE
			SET is_supported = EXCLUDED.is_supported, last_checked = NOW()
			WHERE address_protocols.is_supported IS DISTINCT FROM EXCLUDED.is_supported`,
	KindIID: `
		INSERT INTO address_iid_types (address_id, type_id, is_detected)
		SELECT address_id, $1::bigint, $4::boolean FROM matched
		ON CONFLICT (address_id, type_id) DO UPDATE
			SET is_detected = EXCLUDED.is_detected, detected_at = NOW()
			WHERE address_iid_types.is_detected IS DISTINCT FROM EXCLUDED.is_detected`,
}

const touchedScopeQuery = `
	SELECT DISTINCT p.country_id, p.asn
	FROM %s s
	JOIN active_addresses a ON a.address = s.address
	JOIN ip_prefixes p ON p.prefix_id = a.prefix_id
	WHERE ($1::text IS NULL OR p.country_id = $1)
	  AND ($2::bigint IS NULL OR p.asn = $2)`

const importQuery = `
	WITH inserted AS (
		INSERT INTO active_addresses (address, prefix_id)
		SELECT s.address, $1::bigint FROM %s s
		ORDER BY s.address
		ON CONFLICT (address) DO NOTHING
		RETURNING address_id
	)
	SELECT COUNT(*) FROM inserted`

type scopeRow struct {
	CountryID string `db:"country_id"`
	ASN       int64  `db:"asn"`
}

// apply runs the one set-oriented mutation for the intent, joined against
// the staged candidates, and reports which scopes it touched.
func apply(ctx context.Context, tx sqlx.ExtContext, intent *Intent, t *target, stage *Stage) (applied, *Scope, error) {
	if intent.Kind == KindImport {
		return applyImport(ctx, tx, t, stage)
	}

	upsert, ok := upserts[intent.Kind]
	if !ok {
		return applied{}, nil, fmt.Errorf("no apply statement for kind %q", intent.Kind)
	}

	scope := NewScope()
	var rows []scopeRow
	if err := sqlx.SelectContext(ctx, tx, &rows, fmt.Sprintf(touchedScopeQuery, stage.Table()),
		intent.Filter.CountryID, intent.Filter.ASN); err != nil {
		return applied{}, nil, fmt.Errorf("resolve touched scope: %w", err)
	}
	for _, r := range rows {
		scope.Add(r.CountryID, r.ASN)
	}

	args := []interface{}{intent.TargetID, intent.Filter.CountryID, intent.Filter.ASN, intent.NewState}
	if intent.Kind == KindProtocol {
		args = append(args, intent.Port)
	}

	var out applied
	query := fmt.Sprintf(matchedCTE, stage.Table(), upsert)
	if err := tx.QueryRowxContext(ctx, query, args...).Scan(&out.Inserted, &out.Updated); err != nil {
		return applied{}, nil, fmt.Errorf("apply %s: %w", intent.Kind, err)
	}
	return out, scope, nil
}

func applyImport(ctx context.Context, tx sqlx.ExtContext, t *target, stage *Stage) (applied, *Scope, error) {
	var out applied
	query := fmt.Sprintf(importQuery, stage.Table())
	if err := tx.QueryRowxContext(ctx, query, t.PrefixID).Scan(&out.Inserted); err != nil {
		return applied{}, nil, fmt.Errorf("apply import: %w", err)
	}

	scope := NewScope()
	scope.Add(t.CountryID, t.ASN)
	return out, scope, nil
}
