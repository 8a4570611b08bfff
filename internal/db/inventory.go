package db

import (
	"context"
	"strings"
)

const (
	// DefaultSearchLimit is used when a search does not ask for a limit.
	DefaultSearchLimit = 10
	// MaxSearchLimit caps how many rows one search returns.
	MaxSearchLimit = 100
)

// ClampLimit keeps a requested search limit inside 1..MaxSearchLimit.
// Zero or negative values fall back to DefaultSearchLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultSearchLimit
	case limit > MaxSearchLimit:
		return MaxSearchLimit
	default:
		return limit
	}
}

// likePattern escapes LIKE wildcards in user input.
func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}

// InventoryRepository serves the read-only views of the inventory.
type InventoryRepository struct {
	db *DB
}

// NewInventoryRepository creates a new inventory repository.
func NewInventoryRepository(db *DB) *InventoryRepository {
	return &InventoryRepository{db: db}
}

// Totals returns the headline counts of the inventory.
func (r *InventoryRepository) Totals(ctx context.Context) (*InventoryTotals, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM active_addresses) AS active_addresses,
			(SELECT COUNT(*) FROM ip_prefixes)      AS prefixes,
			(SELECT COUNT(*) FROM countries)        AS countries,
			(SELECT COUNT(*) FROM asns)             AS asns,
			(SELECT COUNT(*) FROM vulnerabilities)  AS vulnerabilities`

	var totals InventoryTotals
	if err := r.db.GetContext(ctx, &totals, query); err != nil {
		return nil, sanitizeDBError("get inventory totals", err)
	}
	return &totals, nil
}

// CountryStats returns per-country counters with prefix and ASN counts.
func (r *InventoryRepository) CountryStats(ctx context.Context) ([]*CountryStats, error) {
	query := `
		SELECT c.country_id, c.country_name, c.total_active_ipv6, c.last_updated,
		       COUNT(DISTINCT p.prefix_id) AS prefix_count,
		       COUNT(DISTINCT p.asn)       AS asn_count
		FROM countries c
		LEFT JOIN ip_prefixes p ON p.country_id = c.country_id
		GROUP BY c.country_id, c.country_name, c.total_active_ipv6, c.last_updated
		ORDER BY c.total_active_ipv6 DESC, c.country_id`

	stats := []*CountryStats{}
	if err := r.db.SelectContext(ctx, &stats, query); err != nil {
		return nil, sanitizeDBError("get country stats", err)
	}
	return stats, nil
}

// VulnerabilityStats returns affected, fixed and unfixed counts per vulnerability.
func (r *InventoryRepository) VulnerabilityStats(ctx context.Context) ([]*VulnerabilityStats, error) {
	query := `
		SELECT v.vulnerability_id, v.name, v.severity,
		       COUNT(av.address_id)                          AS affected,
		       COUNT(av.address_id) FILTER (WHERE av.is_fixed)     AS fixed,
		       COUNT(av.address_id) FILTER (WHERE NOT av.is_fixed) AS unfixed
		FROM vulnerabilities v
		LEFT JOIN address_vulnerabilities av ON av.vulnerability_id = v.vulnerability_id
		GROUP BY v.vulnerability_id, v.name, v.severity
		ORDER BY v.vulnerability_id`

	stats := []*VulnerabilityStats{}
	if err := r.db.SelectContext(ctx, &stats, query); err != nil {
		return nil, sanitizeDBError("get vulnerability stats", err)
	}
	return stats, nil
}

// VulnerabilityTypes lists the vulnerability reference rows.
func (r *InventoryRepository) VulnerabilityTypes(ctx context.Context) ([]*VulnerabilityType, error) {
	query := `
		SELECT vulnerability_id, name, description, severity, cve_id, retired
		FROM vulnerabilities
		ORDER BY vulnerability_id`

	types := []*VulnerabilityType{}
	if err := r.db.SelectContext(ctx, &types, query); err != nil {
		return nil, sanitizeDBError("list vulnerability types", err)
	}
	return types, nil
}

// ProtocolTypes lists the protocol reference rows.
func (r *InventoryRepository) ProtocolTypes(ctx context.Context) ([]*ProtocolType, error) {
	query := `
		SELECT protocol_id, protocol_name, description, default_port
		FROM protocols
		ORDER BY protocol_id`

	types := []*ProtocolType{}
	if err := r.db.SelectContext(ctx, &types, query); err != nil {
		return nil, sanitizeDBError("list protocol types", err)
	}
	return types, nil
}

// IIDTypes lists the interface identifier classifications.
func (r *InventoryRepository) IIDTypes(ctx context.Context) ([]*IIDType, error) {
	query := `
		SELECT type_id, type_name, description, is_risky, example
		FROM address_types
		ORDER BY type_id`

	types := []*IIDType{}
	if err := r.db.SelectContext(ctx, &types, query); err != nil {
		return nil, sanitizeDBError("list iid types", err)
	}
	return types, nil
}

// ASNsByCountry returns the ASNs that own at least one prefix in the country.
func (r *InventoryRepository) ASNsByCountry(ctx context.Context, countryID string) ([]*ASN, error) {
	query := `
		SELECT DISTINCT a.asn, a.as_name, a.as_name_local, a.country_id,
		       a.total_active_ipv6, a.last_updated
		FROM asns a
		JOIN ip_prefixes p ON p.asn = a.asn
		WHERE p.country_id = $1
		ORDER BY a.asn`

	asns := []*ASN{}
	if err := r.db.SelectContext(ctx, &asns, query, strings.ToUpper(countryID)); err != nil {
		return nil, sanitizeDBError("list asns by country", err)
	}
	return asns, nil
}

// PrefixesByASN returns the prefixes announced by an ASN.
func (r *InventoryRepository) PrefixesByASN(ctx context.Context, asn int64) ([]*IPPrefix, error) {
	query := `
		SELECT prefix_id, prefix, country_id, asn, version, prefix_length
		FROM ip_prefixes
		WHERE asn = $1
		ORDER BY prefix`

	prefixes := []*IPPrefix{}
	if err := r.db.SelectContext(ctx, &prefixes, query, asn); err != nil {
		return nil, sanitizeDBError("list prefixes by asn", err)
	}
	return prefixes, nil
}

// SearchASNs matches the term against the ASN number and both names.
// Exact number matches sort first, then number prefix matches.
func (r *InventoryRepository) SearchASNs(ctx context.Context, term string, limit int) ([]*ASN, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []*ASN{}, nil
	}

	query := `
		SELECT asn, as_name, as_name_local, country_id, total_active_ipv6, last_updated
		FROM asns
		WHERE asn::text LIKE $1 OR as_name ILIKE $1 OR as_name_local ILIKE $1
		ORDER BY
			CASE
				WHEN asn::text = $2 THEN 0
				WHEN asn::text LIKE $3 THEN 1
				ELSE 2
			END,
			asn
		LIMIT $4`

	escaped := likePattern(term)
	asns := []*ASN{}
	err := r.db.SelectContext(ctx, &asns, query,
		"%"+escaped+"%", term, escaped+"%", ClampLimit(limit))
	if err != nil {
		return nil, sanitizeDBError("search asns", err)
	}
	return asns, nil
}

// SearchPrefixes matches the term against the textual prefix.
func (r *InventoryRepository) SearchPrefixes(ctx context.Context, term string, limit int) ([]*IPPrefix, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []*IPPrefix{}, nil
	}

	query := `
		SELECT prefix_id, prefix, country_id, asn, version, prefix_length
		FROM ip_prefixes
		WHERE prefix::text LIKE $1
		ORDER BY
			CASE
				WHEN prefix::text = $2 THEN 0
				WHEN prefix::text LIKE $3 THEN 1
				ELSE 2
			END,
			prefix
		LIMIT $4`

	escaped := likePattern(strings.ToLower(term))
	prefixes := []*IPPrefix{}
	err := r.db.SelectContext(ctx, &prefixes, query,
		"%"+escaped+"%", strings.ToLower(term), escaped+"%", ClampLimit(limit))
	if err != nil {
		return nil, sanitizeDBError("search prefixes", err)
	}
	return prefixes, nil
}
