package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/v6ledger/internal/db"
	"github.com/anstrom/v6ledger/internal/errors"
	"github.com/anstrom/v6ledger/internal/logging"
	"github.com/anstrom/v6ledger/internal/reconcile"
)

func testLogger(buf *bytes.Buffer) *logging.Logger {
	return logging.NewWithWriter(logging.Config{Level: logging.LevelDebug, Format: logging.FormatJSON}, buf)
}

type fakeReconciler struct {
	kind    reconcile.Kind
	request *reconcile.Request
	ids     []int64
	result  *reconcile.Result
	err     error
}

func (f *fakeReconciler) Reconcile(_ context.Context, kind reconcile.Kind, req *reconcile.Request) (*reconcile.Result, error) {
	f.kind, f.request = kind, req
	return f.result, f.err
}

func (f *fakeReconciler) DeleteAddresses(_ context.Context, ids []int64) (*reconcile.Result, error) {
	f.ids = ids
	return f.result, f.err
}

type fakeInventory struct {
	Inventory
	term      string
	limit     int
	countryID string
	asn       int64
	err       error
}

func (f *fakeInventory) Totals(context.Context) (*db.InventoryTotals, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &db.InventoryTotals{ActiveAddresses: 42, Prefixes: 3, Countries: 2, ASNs: 2, Vulnerabilities: 5}, nil
}

func (f *fakeInventory) ASNsByCountry(_ context.Context, countryID string) ([]*db.ASN, error) {
	f.countryID = countryID
	return []*db.ASN{{ASN: 15169}}, nil
}

func (f *fakeInventory) PrefixesByASN(_ context.Context, asn int64) ([]*db.IPPrefix, error) {
	f.asn = asn
	return []*db.IPPrefix{}, nil
}

func (f *fakeInventory) SearchASNs(_ context.Context, term string, limit int) ([]*db.ASN, error) {
	f.term, f.limit = term, limit
	return []*db.ASN{}, nil
}

func (f *fakeInventory) SearchPrefixes(_ context.Context, term string, limit int) ([]*db.IPPrefix, error) {
	f.term, f.limit = term, limit
	return []*db.IPPrefix{}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) field(t *testing.T, key string) string {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(e.Data, &fields))
	return string(fields[key])
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (envelope, map[string]json.RawMessage) {
	t.Helper()
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env, raw
}

func postJSON(handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestReconcileHandlerSuccess(t *testing.T) {
	fake := &fakeReconciler{result: &reconcile.Result{
		OperationID: "op", Total: 5, Updated: 3, Skipped: 2, AffectedRows: 3,
	}}
	h := NewReconcileHandler(fake, testLogger(&bytes.Buffer{}), 0)

	rec := postJSON(h.Vulnerabilities,
		`{"targetId":7,"countryId":"US","newState":true,"addresses":["2001:db8::1"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	env, _ := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	assert.Equal(t, "updated vulnerability status for 3 addresses", env.Message)
	assert.JSONEq(t, "5", env.field(t, "total"))
	assert.JSONEq(t, "3", env.field(t, "affectedRows"))
	assert.JSONEq(t, "2", env.field(t, "skipped"))

	assert.Equal(t, reconcile.KindVulnerability, fake.kind)
	require.NotNil(t, fake.request.TargetID)
	assert.Equal(t, int64(7), *fake.request.TargetID)
	assert.Equal(t, "US", *fake.request.CountryID)
	assert.True(t, *fake.request.NewState)
	assert.Equal(t, []string{"2001:db8::1"}, fake.request.Addresses)
}

func TestReconcileHandlerRoutesKinds(t *testing.T) {
	fake := &fakeReconciler{result: &reconcile.Result{Inserted: 4, AffectedRows: 4}}
	h := NewReconcileHandler(fake, nil, 0)

	tests := []struct {
		name    string
		handler http.HandlerFunc
		kind    reconcile.Kind
		message string
	}{
		{"protocols", h.Protocols, reconcile.KindProtocol, "updated protocol support for 4 addresses"},
		{"iid types", h.IIDTypes, reconcile.KindIID, "updated IID classification for 4 addresses"},
		{"import", h.Import, reconcile.KindImport, "imported 4 IPv6 addresses"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(tt.handler, `{"targetId":1,"asn":15169,"newState":false,"addresses":[]}`)
			require.Equal(t, http.StatusOK, rec.Code)
			env, _ := decodeEnvelope(t, rec)
			assert.Equal(t, tt.message, env.Message)
			assert.Equal(t, tt.kind, fake.kind)
		})
	}
}

func TestReconcileHandlerFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"validation", errors.NewValidationError("vulnerability 9 does not exist"), http.StatusBadRequest, "vulnerability 9 does not exist"},
		{"missing filter", errors.NewMissingFilterScope(), http.StatusBadRequest, "at least one filter scope (countryId or asn) is required"},
		{"empty candidates", errors.NewEmptyCandidateSet(), http.StatusBadRequest, "address list produced no usable candidates"},
		{"apply rejected", errors.NewApplyRejected("vulnerability is retired", nil), http.StatusUnprocessableEntity, "vulnerability is retired"},
		{"resource", errors.NewResourceError("could not acquire a database connection", nil), http.StatusInternalServerError, "could not acquire a database connection"},
		{"unexpected", errors.NewUnexpectedFault(stderrors.New("pq: relation missing")), http.StatusInternalServerError, "internal error while reconciling addresses"},
		{"plain error", stderrors.New("boom"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := &bytes.Buffer{}
			h := NewReconcileHandler(&fakeReconciler{err: tt.err}, testLogger(logs), 0)

			rec := postJSON(h.Vulnerabilities, `{"targetId":1,"countryId":"US","newState":true,"addresses":["2001:db8::1"]}`)

			assert.Equal(t, tt.status, rec.Code)
			env, raw := decodeEnvelope(t, rec)
			assert.False(t, env.Success)
			assert.Equal(t, tt.message, env.Message)
			assert.NotContains(t, raw, "data")
			if tt.status >= http.StatusInternalServerError {
				assert.Contains(t, logs.String(), "Request failed")
			}
			assert.NotContains(t, rec.Body.String(), "pq:")
		})
	}
}

func TestReconcileHandlerRejectsBadBodies(t *testing.T) {
	fake := &fakeReconciler{}
	h := NewReconcileHandler(fake, nil, 64)

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"malformed", `{"targetId":`, "invalid JSON"},
		{"unknown field", `{"vulnerabilityId":1}`, "invalid JSON"},
		{"trailing data", `{"targetId":1} {"targetId":2}`, "unexpected data"},
		{"too large", `{"addresses":["` + strings.Repeat("a", 100) + `"]}`, "request body too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(h.Vulnerabilities, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			env, _ := decodeEnvelope(t, rec)
			assert.False(t, env.Success)
			assert.Contains(t, env.Message, tt.message)
		})
	}
	assert.Nil(t, fake.request, "reconciler must not run for a bad body")
}

func TestReconcileHandlerEmptyBody(t *testing.T) {
	h := NewReconcileHandler(&fakeReconciler{}, nil, 0)
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	rec := httptest.NewRecorder()

	h.Import(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env, _ := decodeEnvelope(t, rec)
	assert.Equal(t, "request body is empty", env.Message)
}

func TestDeleteHandler(t *testing.T) {
	n := 2
	fake := &fakeReconciler{result: &reconcile.Result{Total: 3, Skipped: 1, AffectedRows: 2, DeletedCount: &n}}
	h := NewReconcileHandler(fake, nil, 0)

	rec := postJSON(h.Delete, `{"addressIds":[10,11,12]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	env, _ := decodeEnvelope(t, rec)
	assert.Equal(t, "deleted 2 addresses", env.Message)
	assert.JSONEq(t, "2", env.field(t, "deletedCount"))
	assert.Equal(t, []int64{10, 11, 12}, fake.ids)
}

func TestInventoryHandlerStats(t *testing.T) {
	h := NewInventoryHandler(&fakeInventory{}, nil)
	rec := httptest.NewRecorder()

	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	env, _ := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	assert.JSONEq(t, "42", env.field(t, "active_addresses"))
}

func TestInventoryHandlerStatsDatabaseFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = mockDB.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT (SELECT COUNT(*) FROM active_addresses) AS active_addresses")).
		WillReturnError(stderrors.New("connection reset by peer"))

	repo := db.NewInventoryRepository(db.Wrap(sqlx.NewDb(mockDB, "postgres")))
	h := NewInventoryHandler(repo, testLogger(&bytes.Buffer{}))
	rec := httptest.NewRecorder()

	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env, raw := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.NotContains(t, raw, "data")
	assert.NotContains(t, env.Message, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInventoryHandlerPathParameters(t *testing.T) {
	inv := &fakeInventory{}
	h := NewInventoryHandler(inv, nil)

	router := mux.NewRouter()
	router.HandleFunc("/countries/{countryId}/asns", h.ASNsByCountry)
	router.HandleFunc("/asns/{asn}/prefixes", h.PrefixesByASN)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"lowercase country", "/countries/us/asns", http.StatusOK},
		{"bad country", "/countries/USA/asns", http.StatusBadRequest},
		{"numeric country", "/countries/12/asns", http.StatusBadRequest},
		{"plain asn", "/asns/15169/prefixes", http.StatusOK},
		{"AS prefixed asn", "/asns/AS3320/prefixes", http.StatusOK},
		{"zero asn", "/asns/0/prefixes", http.StatusBadRequest},
		{"asn out of range", "/asns/4294967296/prefixes", http.StatusBadRequest},
		{"non numeric asn", "/asns/google/prefixes", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	assert.Equal(t, "US", inv.countryID)
	assert.Equal(t, int64(3320), inv.asn)
}

func TestInventoryHandlerSearchParameters(t *testing.T) {
	inv := &fakeInventory{}
	h := NewInventoryHandler(inv, nil)

	tests := []struct {
		name   string
		url    string
		status int
		term   string
		limit  int
	}{
		{"defaults", "/search/asns?query=goog", http.StatusOK, "goog", db.DefaultSearchLimit},
		{"explicit limit", "/search/asns?query=15&limit=25", http.StatusOK, "15", 25},
		{"limit clamped", "/search/asns?query=15&limit=5000", http.StatusOK, "15", db.MaxSearchLimit},
		{"non numeric limit", "/search/asns?query=15&limit=lots", http.StatusBadRequest, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*inv = fakeInventory{}
			rec := httptest.NewRecorder()
			h.SearchASNs(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.term, inv.term)
			assert.Equal(t, tt.limit, inv.limit)
		})
	}

	rec := httptest.NewRecorder()
	h.SearchPrefixes(rec, httptest.NewRequest(http.MethodGet, "/search/prefixes?query=2001:db8", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	env, _ := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	assert.Equal(t, "2001:db8", inv.term)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name     string
		database DatabasePinger
		status   int
		state    string
		check    string
	}{
		{"healthy", fakePinger{}, http.StatusOK, StatusHealthy, "ok"},
		{"database down", fakePinger{err: stderrors.New("dial tcp: refused")}, http.StatusServiceUnavailable, StatusUnhealthy, "unreachable"},
		{"no database", nil, http.StatusOK, StatusHealthy, StatusNotConfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.database, testLogger(&bytes.Buffer{}))
			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

			assert.Equal(t, tt.status, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.state, resp.Status)
			assert.Equal(t, tt.check, resp.Checks["database"])
		})
	}
}

func TestVersionHandler(t *testing.T) {
	SetBuildInfo("1.2.3", "abc123", "2026-01-01")
	defer SetBuildInfo("dev", "none", "unknown")

	h := NewHealthHandler(nil, nil)
	rec := httptest.NewRecorder()
	h.Version(rec, httptest.NewRequest(http.MethodGet, "/api/v1/version", nil))

	var resp VersionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "abc123", resp.Commit)
	assert.NotEmpty(t, resp.GoVersion)
}
