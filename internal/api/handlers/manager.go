package handlers

import (
	"net/http"

	"github.com/anstrom/v6ledger/internal/logging"
)

// Dependencies are what the handler groups need from the rest of the service.
type Dependencies struct {
	Database       DatabasePinger
	Reconciler     Reconciler
	Inventory      Inventory
	MaxRequestSize int64
}

// HandlerManager manages all API handlers and their dependencies.
type HandlerManager struct {
	health    *HealthHandler
	reconcile *ReconcileHandler
	inventory *InventoryHandler
}

// New creates a new handler manager with all handler groups initialized.
func New(deps Dependencies, logger *logging.Logger) *HandlerManager {
	return &HandlerManager{
		health:    NewHealthHandler(deps.Database, logger),
		reconcile: NewReconcileHandler(deps.Reconciler, logger, deps.MaxRequestSize),
		inventory: NewInventoryHandler(deps.Inventory, logger),
	}
}

// Health handles GET /api/v1/health.
func (hm *HandlerManager) Health(w http.ResponseWriter, r *http.Request) {
	hm.health.Health(w, r)
}

// Liveness handles GET /api/v1/liveness.
func (hm *HandlerManager) Liveness(w http.ResponseWriter, r *http.Request) {
	hm.health.Liveness(w, r)
}

// Version handles GET /api/v1/version.
func (hm *HandlerManager) Version(w http.ResponseWriter, r *http.Request) {
	hm.health.Version(w, r)
}

// ReconcileVulnerabilities handles POST /api/v1/reconcile/vulnerabilities.
func (hm *HandlerManager) ReconcileVulnerabilities(w http.ResponseWriter, r *http.Request) {
	hm.reconcile.Vulnerabilities(w, r)
}

// ReconcileProtocols handles POST /api/v1/reconcile/protocols.
func (hm *HandlerManager) ReconcileProtocols(w http.ResponseWriter, r *http.Request) {
	hm.reconcile.Protocols(w, r)
}

// ReconcileIIDTypes handles POST /api/v1/reconcile/iid-types.
func (hm *HandlerManager) ReconcileIIDTypes(w http.ResponseWriter, r *http.Request) {
	hm.reconcile.IIDTypes(w, r)
}

// ImportAddresses handles POST /api/v1/addresses/import.
func (hm *HandlerManager) ImportAddresses(w http.ResponseWriter, r *http.Request) {
	hm.reconcile.Import(w, r)
}

// DeleteAddresses handles POST /api/v1/addresses/delete.
func (hm *HandlerManager) DeleteAddresses(w http.ResponseWriter, r *http.Request) {
	hm.reconcile.Delete(w, r)
}

// Stats handles GET /api/v1/stats.
func (hm *HandlerManager) Stats(w http.ResponseWriter, r *http.Request) {
	hm.inventory.Stats(w, r)
}

// CountryStats handles GET /api/v1/stats/countries.
func (hm *HandlerManager) CountryStats(w http.ResponseWriter, r *http.Request) {
	hm.inventory.CountryStats(w, r)
}

// VulnerabilityStats handles GET /api/v1/stats/vulnerabilities.
func (hm *HandlerManager) VulnerabilityStats(w http.ResponseWriter, r *http.Request) {
	hm.inventory.VulnerabilityStats(w, r)
}

// VulnerabilityTypes handles GET /api/v1/types/vulnerabilities.
func (hm *HandlerManager) VulnerabilityTypes(w http.ResponseWriter, r *http.Request) {
	hm.inventory.VulnerabilityTypes(w, r)
}

// ProtocolTypes handles GET /api/v1/types/protocols.
func (hm *HandlerManager) ProtocolTypes(w http.ResponseWriter, r *http.Request) {
	hm.inventory.ProtocolTypes(w, r)
}

// IIDTypes handles GET /api/v1/types/iid.
func (hm *HandlerManager) IIDTypes(w http.ResponseWriter, r *http.Request) {
	hm.inventory.IIDTypes(w, r)
}

// ASNsByCountry handles GET /api/v1/countries/{countryId}/asns.
func (hm *HandlerManager) ASNsByCountry(w http.ResponseWriter, r *http.Request) {
	hm.inventory.ASNsByCountry(w, r)
}

// PrefixesByASN handles GET /api/v1/asns/{asn}/prefixes.
func (hm *HandlerManager) PrefixesByASN(w http.ResponseWriter, r *http.Request) {
	hm.inventory.PrefixesByASN(w, r)
}

// SearchASNs handles GET /api/v1/search/asns.
func (hm *HandlerManager) SearchASNs(w http.ResponseWriter, r *http.Request) {
	hm.inventory.SearchASNs(w, r)
}

// SearchPrefixes handles GET /api/v1/search/prefixes.
func (hm *HandlerManager) SearchPrefixes(w http.ResponseWriter, r *http.Request) {
	hm.inventory.SearchPrefixes(w, r)
}
