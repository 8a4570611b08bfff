// Package audit checks the denormalized per-country and per-ASN address
// counters against a live recount and optionally repairs any drift.
package audit

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/anstrom/v6ledger/internal/db"
	"github.com/anstrom/v6ledger/internal/logging"
	"github.com/anstrom/v6ledger/internal/metrics"
	"github.com/anstrom/v6ledger/internal/reconcile"
)

// Report statuses.
const (
	StatusClean    = "clean"
	StatusDrift    = "drift"
	StatusRepaired = "repaired"
	StatusFailed   = "failed"
)

// Recorder receives audit outcomes in addition to the reconcile metrics a
// repair produces.
type Recorder interface {
	metrics.Recorder
	RecordAudit(status string, countryDrift, asnDrift int)
}

type nopRecorder struct{ metrics.NopRecorder }

func (nopRecorder) RecordAudit(string, int, int) {}

// Drift is one counter that disagrees with the live count.
type Drift struct {
	Scope     string `json:"scope"`
	CountryID string `json:"countryId,omitempty"`
	ASN       int64  `json:"asn,omitempty"`
	Stored    int64  `json:"stored"`
	Live      int64  `json:"live"`
}

// Report is the outcome of one audit run.
type Report struct {
	ID               string    `json:"id"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
	CountriesChecked int       `json:"countriesChecked"`
	ASNsChecked      int       `json:"asnsChecked"`
	Drift            []Drift   `json:"drift"`
	Repaired         bool      `json:"repaired"`
}

// Status summarizes the report.
func (r *Report) Status() string {
	switch {
	case len(r.Drift) == 0:
		return StatusClean
	case r.Repaired:
		return StatusRepaired
	default:
		return StatusDrift
	}
}

func (r *Report) driftCounts() (countries, asns int) {
	for _, d := range r.Drift {
		if d.Scope == "country" {
			countries++
		} else {
			asns++
		}
	}
	return countries, asns
}

const (
	countryRecountQuery = `
		SELECT c.country_id, c.total_active_ipv6 AS stored, COUNT(a.address_id) AS live
		FROM countries c
		LEFT JOIN ip_prefixes p ON p.country_id = c.country_id
		LEFT JOIN active_addresses a ON a.prefix_id = p.prefix_id
		GROUP BY c.country_id, c.total_active_ipv6
		ORDER BY c.country_id`

	asnRecountQuery = `
		SELECT s.asn, s.total_active_ipv6 AS stored, COUNT(a.address_id) AS live
		FROM asns s
		LEFT JOIN ip_prefixes p ON p.asn = s.asn
		LEFT JOIN active_addresses a ON a.prefix_id = p.prefix_id
		GROUP BY s.asn, s.total_active_ipv6
		ORDER BY s.asn`
)

type countryCount struct {
	CountryID string `db:"country_id"`
	Stored    int64  `db:"stored"`
	Live      int64  `db:"live"`
}

type asnCount struct {
	ASN    int64 `db:"asn"`
	Stored int64 `db:"stored"`
	Live   int64 `db:"live"`
}

// Auditor compares stored counters with live counts.
type Auditor struct {
	db       *db.DB
	logger   *logging.Logger
	recorder Recorder
}

// NewAuditor creates an auditor. A nil recorder discards metrics.
func NewAuditor(database *db.DB, logger *logging.Logger, recorder Recorder) *Auditor {
	if logger == nil {
		logger = logging.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Auditor{
		db:       database,
		logger:   logger.WithComponent("audit"),
		recorder: recorder,
	}
}

// Run recounts every country and ASN. With repair set, drifted counters are
// rewritten through the same recompute path reconciliation uses, in one
// transaction.
func (a *Auditor) Run(ctx context.Context, repair bool) (*Report, error) {
	report := &Report{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Drift:     []Drift{},
	}

	if err := a.collect(ctx, report); err != nil {
		a.recorder.RecordAudit(StatusFailed, 0, 0)
		return nil, err
	}

	if repair && len(report.Drift) > 0 {
		if err := a.repair(ctx, report); err != nil {
			a.recorder.RecordAudit(StatusFailed, 0, 0)
			return nil, err
		}
		report.Repaired = true
	}

	report.FinishedAt = time.Now().UTC()
	countryDrift, asnDrift := report.driftCounts()
	a.recorder.RecordAudit(report.Status(), countryDrift, asnDrift)

	log := a.logger.WithFields("audit_id", report.ID)
	if report.Status() == StatusDrift {
		log.Warn("Aggregate counters drifted",
			"country_drift", countryDrift, "asn_drift", asnDrift)
	} else {
		log.Info("Aggregate audit finished",
			"status", report.Status(),
			"countries", report.CountriesChecked,
			"asns", report.ASNsChecked,
			"duration", report.FinishedAt.Sub(report.StartedAt))
	}
	return report, nil
}

func (a *Auditor) collect(ctx context.Context, report *Report) error {
	var countries []countryCount
	if err := a.db.SelectContext(ctx, &countries, countryRecountQuery); err != nil {
		return fmt.Errorf("recount countries: %w", err)
	}
	report.CountriesChecked = len(countries)
	for _, c := range countries {
		if c.Stored != c.Live {
			report.Drift = append(report.Drift, Drift{
				Scope: "country", CountryID: c.CountryID, Stored: c.Stored, Live: c.Live,
			})
		}
	}

	var asns []asnCount
	if err := a.db.SelectContext(ctx, &asns, asnRecountQuery); err != nil {
		return fmt.Errorf("recount ASNs: %w", err)
	}
	report.ASNsChecked = len(asns)
	for _, s := range asns {
		if s.Stored != s.Live {
			report.Drift = append(report.Drift, Drift{
				Scope: "asn", ASN: s.ASN, Stored: s.Stored, Live: s.Live,
			})
		}
	}
	return nil
}

func (a *Auditor) repair(ctx context.Context, report *Report) (err error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin repair: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
				a.logger.Error("Failed to roll back audit repair", "error", rbErr)
			}
		}
	}()

	if err = recomputeDrift(ctx, tx, report.Drift, a.recorder); err != nil {
		return fmt.Errorf("repair counters: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit repair: %w", err)
	}
	return nil
}

func recomputeDrift(ctx context.Context, tx sqlx.ExecerContext, drift []Drift, recorder metrics.Recorder) error {
	var countries []string
	var asns []int64
	for _, d := range drift {
		if d.Scope == "country" {
			countries = append(countries, d.CountryID)
		} else {
			asns = append(asns, d.ASN)
		}
	}
	return reconcile.RecomputeScoped(ctx, tx, countries, asns, recorder)
}
