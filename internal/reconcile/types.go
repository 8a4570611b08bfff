// Package reconcile applies bulk state changes to the IPv6 inventory.
//
// Every operation is one unit of work on a single pooled connection:
// validate, stage the candidate addresses into an operation-scoped temporary
// table, apply one set-oriented statement, recompute the per-country and
// per-ASN counters it touched, and commit. Any failure rolls the whole unit
// back, and the staging table is torn down on every exit path.
package reconcile

import (
	"net/netip"
	"slices"
)

// Kind selects which reconciliation an operation performs.
type Kind string

const (
	KindVulnerability Kind = "vulnerability"
	KindProtocol      Kind = "protocol"
	KindIID           Kind = "iid"
	KindImport        Kind = "import"
	KindDelete        Kind = "delete"
)

// Valid reports whether k is one of the staged reconciliation kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindVulnerability, KindProtocol, KindIID, KindImport:
		return true
	default:
		return false
	}
}

// State is a step of the unit-of-work state machine.
type State string

const (
	StateIdle        State = "idle"
	StateStaging     State = "staging"
	StateApplying    State = "applying"
	StateRecomputing State = "recomputing"
	StateCommitted   State = "committed"
	StateRolledBack  State = "rolled_back"
)

// Request is the inbound shape of a reconciliation call. Which fields are
// required depends on the Kind.
type Request struct {
	TargetID  *int64   `json:"targetId,omitempty" validate:"omitempty,gt=0"`
	CountryID *string  `json:"countryId,omitempty" validate:"omitempty,len=2,alpha"`
	ASN       *int64   `json:"asn,omitempty" validate:"omitempty,gt=0,lte=4294967295"`
	NewState  *bool    `json:"newState,omitempty"`
	Port      *int     `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Prefix    *string  `json:"prefix,omitempty" validate:"omitempty,cidrv6"`
	Addresses []string `json:"addresses"`
}

// Filter is the AND-of-provided-filters over Address -> Prefix -> Country/ASN.
// A nil field does not constrain.
type Filter struct {
	CountryID *string
	ASN       *int64
}

// Intent is a request after validation and normalization.
type Intent struct {
	Kind     Kind
	TargetID int64
	Filter   Filter
	NewState bool
	Port     *int
	Prefix   netip.Prefix

	// Addresses holds the distinct, canonicalized candidates to stage.
	Addresses []string
	// Invalid counts distinct inputs that can never match: not an IPv6
	// address, or outside the target prefix for imports.
	Invalid int
}

// Result reports per-category counts. Total always equals
// Updated + Inserted + Skipped. Invalid is the part of Skipped that could
// never match, so it is at most Skipped.
type Result struct {
	OperationID  string `json:"operationId"`
	Total        int    `json:"total"`
	Updated      int    `json:"updated"`
	Inserted     int    `json:"inserted"`
	Skipped      int    `json:"skipped"`
	Invalid      int    `json:"invalid"`
	AffectedRows int    `json:"affectedRows"`

	ImportedCount *int `json:"importedCount,omitempty"`
	DeletedCount  *int `json:"deletedCount,omitempty"`
}

// Scope is the set of countries and ASNs whose counters an operation touched.
type Scope struct {
	countries map[string]struct{}
	asns      map[int64]struct{}
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{
		countries: make(map[string]struct{}),
		asns:      make(map[int64]struct{}),
	}
}

// Add records one (country, asn) pair.
func (s *Scope) Add(countryID string, asn int64) {
	s.countries[countryID] = struct{}{}
	s.asns[asn] = struct{}{}
}

// Countries returns the touched country ids in sorted order.
func (s *Scope) Countries() []string {
	out := make([]string, 0, len(s.countries))
	for id := range s.countries {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ASNs returns the touched ASNs in ascending order.
func (s *Scope) ASNs() []int64 {
	out := make([]int64, 0, len(s.asns))
	for asn := range s.asns {
		out = append(out, asn)
	}
	slices.Sort(out)
	return out
}

// Empty reports whether nothing was touched.
func (s *Scope) Empty() bool {
	return len(s.countries) == 0 && len(s.asns) == 0
}

// Envelope is the outbound response shape. Failures never carry Data.
type Envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
