package reconcile

import (
	"context"
	stderrors "errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope(t *testing.T) {
	s := NewScope()
	assert.True(t, s.Empty())

	s.Add("US", 15169)
	s.Add("DE", 3320)
	s.Add("US", 7018)

	assert.False(t, s.Empty())
	assert.Equal(t, []string{"DE", "US"}, s.Countries())
	assert.Equal(t, []int64{3320, 7018, 15169}, s.ASNs())
}

func TestRecomputeAggregatesEmptyScope(t *testing.T) {
	tx, mock := newMockTx(t)

	require.NoError(t, RecomputeAggregates(context.Background(), tx, nil, nil))
	require.NoError(t, RecomputeAggregates(context.Background(), tx, NewScope(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecomputeAggregatesLocksBeforeCounting(t *testing.T) {
	tx, mock := newMockTx(t)
	rec := newFakeRecorder()

	scope := NewScope()
	scope.Add("US", 15169)
	scope.Add("CA", 15169)

	mock.ExpectExec(regexp.QuoteMeta("SELECT 1 FROM countries WHERE country_id = ANY($1) ORDER BY country_id FOR UPDATE")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE countries c SET total_active_ipv6 = ( SELECT COUNT(*) FROM active_addresses a")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("SELECT 1 FROM asns WHERE asn = ANY($1) ORDER BY asn FOR UPDATE")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE asns s SET total_active_ipv6")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, RecomputeAggregates(context.Background(), tx, scope, rec))
	assert.Equal(t, int64(2), rec.aggregates["country"])
	assert.Equal(t, int64(1), rec.aggregates["asn"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecomputeAggregatesFailure(t *testing.T) {
	tx, mock := newMockTx(t)

	scope := NewScope()
	scope.Add("US", 15169)

	mock.ExpectExec(regexp.QuoteMeta("SELECT 1 FROM countries")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE countries c")).
		WillReturnError(stderrors.New("disk full"))

	err := RecomputeAggregates(context.Background(), tx, scope, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recompute country counters")
	require.NoError(t, mock.ExpectationsWereMet())
}
