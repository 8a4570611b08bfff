package audit

import (
	"bytes"
	"context"
	stderrors "errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/v6ledger/internal/config"
	"github.com/anstrom/v6ledger/internal/db"
	"github.com/anstrom/v6ledger/internal/logging"
	"github.com/anstrom/v6ledger/internal/metrics"
)

type fakeRecorder struct {
	metrics.NopRecorder
	mu       sync.Mutex
	statuses map[string]int
	drift    [2]int
}

func (f *fakeRecorder) RecordAudit(status string, countryDrift, asnDrift int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[status]++
	f.drift = [2]int{countryDrift, asnDrift}
}

func newTestAuditor(t *testing.T) (*Auditor, sqlmock.Sqlmock, *fakeRecorder, *bytes.Buffer) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	logs := &bytes.Buffer{}
	logger := logging.NewWithWriter(logging.Config{Level: logging.LevelDebug, Format: logging.FormatJSON}, logs)
	rec := &fakeRecorder{statuses: make(map[string]int)}
	return NewAuditor(db.Wrap(sqlx.NewDb(mockDB, "postgres")), logger, rec), mock, rec, logs
}

func expectRecounts(mock sqlmock.Sqlmock, countries, asns *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT c.country_id, c.total_active_ipv6 AS stored, COUNT(a.address_id) AS live")).
		WillReturnRows(countries)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT s.asn, s.total_active_ipv6 AS stored, COUNT(a.address_id) AS live")).
		WillReturnRows(asns)
}

func TestAuditClean(t *testing.T) {
	auditor, mock, rec, _ := newTestAuditor(t)

	expectRecounts(mock,
		sqlmock.NewRows([]string{"country_id", "stored", "live"}).AddRow("DE", 4, 4).AddRow("US", 10, 10),
		sqlmock.NewRows([]string{"asn", "stored", "live"}).AddRow(3320, 4, 4))

	report, err := auditor.Run(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, StatusClean, report.Status())
	assert.Equal(t, 2, report.CountriesChecked)
	assert.Equal(t, 1, report.ASNsChecked)
	assert.Empty(t, report.Drift)
	assert.False(t, report.Repaired)
	assert.NotEmpty(t, report.ID)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
	assert.Equal(t, 1, rec.statuses[StatusClean])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditReportsDriftWithoutRepair(t *testing.T) {
	auditor, mock, _, logs := newTestAuditor(t)

	expectRecounts(mock,
		sqlmock.NewRows([]string{"country_id", "stored", "live"}).AddRow("US", 12, 10),
		sqlmock.NewRows([]string{"asn", "stored", "live"}).AddRow(15169, 0, 10).AddRow(3320, 1, 1))

	report, err := auditor.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, StatusDrift, report.Status())
	require.Len(t, report.Drift, 2)
	assert.Equal(t, Drift{Scope: "country", CountryID: "US", Stored: 12, Live: 10}, report.Drift[0])
	assert.Equal(t, Drift{Scope: "asn", ASN: 15169, Stored: 0, Live: 10}, report.Drift[1])
	assert.Contains(t, logs.String(), "Aggregate counters drifted")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepairsOnlyDriftedCounters(t *testing.T) {
	auditor, mock, rec, _ := newTestAuditor(t)

	expectRecounts(mock,
		sqlmock.NewRows([]string{"country_id", "stored", "live"}).AddRow("US", 12, 10).AddRow("SE", 1, 1),
		sqlmock.NewRows([]string{"asn", "stored", "live"}).AddRow(15169, 10, 10))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT 1 FROM countries WHERE country_id = ANY($1)")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE countries c SET total_active_ipv6")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	report, err := auditor.Run(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, StatusRepaired, report.Status())
	assert.True(t, report.Repaired)
	assert.Equal(t, 1, rec.statuses[StatusRepaired])
	assert.Equal(t, [2]int{1, 0}, rec.drift)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepairFailureRollsBack(t *testing.T) {
	auditor, mock, rec, _ := newTestAuditor(t)

	expectRecounts(mock,
		sqlmock.NewRows([]string{"country_id", "stored", "live"}),
		sqlmock.NewRows([]string{"asn", "stored", "live"}).AddRow(64500, 3, 2))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT 1 FROM asns WHERE asn = ANY($1)")).
		WillReturnError(stderrors.New("lock timeout"))
	mock.ExpectRollback()

	_, err := auditor.Run(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repair counters")
	assert.Equal(t, 1, rec.statuses[StatusFailed])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRecountFailure(t *testing.T) {
	auditor, mock, _, _ := newTestAuditor(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM countries c")).WillReturnError(stderrors.New("relation does not exist"))

	_, err := auditor.Run(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recount countries")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := NewScheduler(nil, config.AuditConfig{Schedule: "every tuesday"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid audit schedule")
}

func TestSchedulerLifecycle(t *testing.T) {
	auditor, _, _, _ := newTestAuditor(t)

	s, err := NewScheduler(auditor, config.AuditConfig{Enabled: true, Schedule: "@hourly"}, nil)
	require.NoError(t, err)
	assert.False(t, s.IsRunning())
	assert.True(t, s.NextRun().IsZero())

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.WithinDuration(t, time.Now(), s.NextRun(), time.Hour+time.Minute)
	assert.Error(t, s.Start(), "second start is rejected")

	report, runErr := s.LastReport()
	assert.Nil(t, report)
	assert.NoError(t, runErr)

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()
}

func TestSchedulerRunStoresLastReport(t *testing.T) {
	auditor, mock, _, _ := newTestAuditor(t)
	expectRecounts(mock,
		sqlmock.NewRows([]string{"country_id", "stored", "live"}),
		sqlmock.NewRows([]string{"asn", "stored", "live"}))

	s, err := NewScheduler(auditor, config.AuditConfig{Schedule: "@daily"}, nil)
	require.NoError(t, err)

	s.runScheduled()

	report, runErr := s.LastReport()
	require.NoError(t, runErr)
	require.NotNil(t, report)
	assert.Equal(t, StatusClean, report.Status())
	require.NoError(t, mock.ExpectationsWereMet())
}
