package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/anstrom/v6ledger/internal/db"
	"github.com/anstrom/v6ledger/internal/errors"
	"github.com/anstrom/v6ledger/internal/logging"
)

const maxASN = 4294967295

// Inventory serves the read-only views. *db.InventoryRepository implements it.
type Inventory interface {
	Totals(ctx context.Context) (*db.InventoryTotals, error)
	CountryStats(ctx context.Context) ([]*db.CountryStats, error)
	VulnerabilityStats(ctx context.Context) ([]*db.VulnerabilityStats, error)
	VulnerabilityTypes(ctx context.Context) ([]*db.VulnerabilityType, error)
	ProtocolTypes(ctx context.Context) ([]*db.ProtocolType, error)
	IIDTypes(ctx context.Context) ([]*db.IIDType, error)
	ASNsByCountry(ctx context.Context, countryID string) ([]*db.ASN, error)
	PrefixesByASN(ctx context.Context, asn int64) ([]*db.IPPrefix, error)
	SearchASNs(ctx context.Context, term string, limit int) ([]*db.ASN, error)
	SearchPrefixes(ctx context.Context, term string, limit int) ([]*db.IPPrefix, error)
}

// InventoryHandler handles statistics, listings, browsing and search.
type InventoryHandler struct {
	inventory Inventory
	logger    *logging.Logger
}

// NewInventoryHandler creates a new inventory handler.
func NewInventoryHandler(inventory Inventory, logger *logging.Logger) *InventoryHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &InventoryHandler{
		inventory: inventory,
		logger:    logger.WithComponent("api.inventory"),
	}
}

// Stats handles GET /api/v1/stats.
func (h *InventoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	totals, err := h.inventory.Totals(r.Context())
	h.respond(w, r, "inventory statistics", totals, err)
}

// CountryStats handles GET /api/v1/stats/countries.
func (h *InventoryHandler) CountryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.inventory.CountryStats(r.Context())
	h.respond(w, r, "country statistics", stats, err)
}

// VulnerabilityStats handles GET /api/v1/stats/vulnerabilities.
func (h *InventoryHandler) VulnerabilityStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.inventory.VulnerabilityStats(r.Context())
	h.respond(w, r, "vulnerability statistics", stats, err)
}

// VulnerabilityTypes handles GET /api/v1/types/vulnerabilities.
func (h *InventoryHandler) VulnerabilityTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.inventory.VulnerabilityTypes(r.Context())
	h.respond(w, r, "vulnerability types", types, err)
}

// ProtocolTypes handles GET /api/v1/types/protocols.
func (h *InventoryHandler) ProtocolTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.inventory.ProtocolTypes(r.Context())
	h.respond(w, r, "protocol types", types, err)
}

// IIDTypes handles GET /api/v1/types/iid.
func (h *InventoryHandler) IIDTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.inventory.IIDTypes(r.Context())
	h.respond(w, r, "IID types", types, err)
}

// ASNsByCountry handles GET /api/v1/countries/{countryId}/asns.
func (h *InventoryHandler) ASNsByCountry(w http.ResponseWriter, r *http.Request) {
	countryID, err := countryFromPath(r)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	asns, err := h.inventory.ASNsByCountry(r.Context(), countryID)
	h.respond(w, r, "ASNs for "+countryID, asns, err)
}

// PrefixesByASN handles GET /api/v1/asns/{asn}/prefixes.
func (h *InventoryHandler) PrefixesByASN(w http.ResponseWriter, r *http.Request) {
	asn, err := asnFromPath(r)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	prefixes, err := h.inventory.PrefixesByASN(r.Context(), asn)
	h.respond(w, r, fmt.Sprintf("prefixes for AS%d", asn), prefixes, err)
}

// SearchASNs handles GET /api/v1/search/asns?query=&limit=.
func (h *InventoryHandler) SearchASNs(w http.ResponseWriter, r *http.Request) {
	term, limit, err := searchParams(r)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	asns, err := h.inventory.SearchASNs(r.Context(), term, limit)
	h.respond(w, r, "ASN search results", asns, err)
}

// SearchPrefixes handles GET /api/v1/search/prefixes?query=&limit=.
func (h *InventoryHandler) SearchPrefixes(w http.ResponseWriter, r *http.Request) {
	term, limit, err := searchParams(r)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	prefixes, err := h.inventory.SearchPrefixes(r.Context(), term, limit)
	h.respond(w, r, "prefix search results", prefixes, err)
}

func (h *InventoryHandler) respond(w http.ResponseWriter, r *http.Request, what string, data interface{}, err error) {
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, what, data)
}

func countryFromPath(r *http.Request) (string, error) {
	countryID := strings.ToUpper(strings.TrimSpace(mux.Vars(r)["countryId"]))
	if len(countryID) != 2 || !isASCIILetters(countryID) {
		return "", errors.NewValidationError("invalid country id")
	}
	return countryID, nil
}

func asnFromPath(r *http.Request) (int64, error) {
	raw := strings.TrimPrefix(strings.ToUpper(mux.Vars(r)["asn"]), "AS")
	asn, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || asn <= 0 || asn > maxASN {
		return 0, errors.NewValidationError("invalid ASN")
	}
	return asn, nil
}

func searchParams(r *http.Request) (string, int, error) {
	limit, err := getQueryParamInt(r, "limit", db.DefaultSearchLimit)
	if err != nil {
		return "", 0, err
	}
	return r.URL.Query().Get("query"), db.ClampLimit(limit), nil
}

func isASCIILetters(s string) bool {
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}
