package db

import (
	"database/sql/driver"
	"fmt"
	"net/netip"
	"time"
)

// CIDR wraps netip.Prefix to implement the PostgreSQL CIDR type.
type CIDR struct {
	netip.Prefix
}

// Scan implements sql.Scanner for PostgreSQL CIDR type.
func (c *CIDR) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into CIDR", value)
	}

	prefix, err := netip.ParsePrefix(raw)
	if err != nil {
		return fmt.Errorf("failed to parse CIDR: %w", err)
	}
	c.Prefix = prefix
	return nil
}

// Value implements driver.Valuer for PostgreSQL CIDR type.
func (c CIDR) Value() (driver.Value, error) {
	if !c.IsValid() {
		return nil, nil
	}
	return c.Prefix.String(), nil
}

// String returns the CIDR notation string.
func (c CIDR) String() string {
	if !c.IsValid() {
		return ""
	}
	return c.Prefix.String()
}

// MarshalText renders the prefix for JSON responses.
func (c CIDR) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Country is an aggregation root carrying a denormalized address counter.
type Country struct {
	CountryID       string    `db:"country_id" json:"country_id"`
	CountryName     string    `db:"country_name" json:"country_name"`
	TotalActiveIPv6 int64     `db:"total_active_ipv6" json:"total_active_ipv6"`
	LastUpdated     time.Time `db:"last_updated" json:"last_updated"`
}

// ASN is an autonomous system and its denormalized address counter.
type ASN struct {
	ASN             int64     `db:"asn" json:"asn"`
	ASName          *string   `db:"as_name" json:"as_name,omitempty"`
	ASNameLocal     *string   `db:"as_name_local" json:"as_name_local,omitempty"`
	CountryID       *string   `db:"country_id" json:"country_id,omitempty"`
	TotalActiveIPv6 int64     `db:"total_active_ipv6" json:"total_active_ipv6"`
	LastUpdated     time.Time `db:"last_updated" json:"last_updated"`
}

// IPPrefix owns a block of addresses and belongs to one country and one ASN.
type IPPrefix struct {
	PrefixID     int64  `db:"prefix_id" json:"prefix_id"`
	Prefix       CIDR   `db:"prefix" json:"prefix"`
	CountryID    string `db:"country_id" json:"country_id"`
	ASN          int64  `db:"asn" json:"asn"`
	Version      int    `db:"version" json:"version"`
	PrefixLength int    `db:"prefix_length" json:"prefix_length"`
}

// Address is one inventoried IPv6 address.
type Address struct {
	AddressID int64     `db:"address_id" json:"address_id"`
	Address   string    `db:"address" json:"address"`
	PrefixID  int64     `db:"prefix_id" json:"prefix_id"`
	FirstSeen time.Time `db:"first_seen" json:"first_seen"`
}

// VulnerabilityType is a reference row for vulnerability reconciliation.
type VulnerabilityType struct {
	VulnerabilityID int64   `db:"vulnerability_id" json:"vulnerability_id"`
	Name            string  `db:"name" json:"name"`
	Description     *string `db:"description" json:"description,omitempty"`
	Severity        string  `db:"severity" json:"severity"`
	CVEID           *string `db:"cve_id" json:"cve_id,omitempty"`
	Retired         bool    `db:"retired" json:"retired"`
}

// ProtocolType is a reference row for protocol support reconciliation.
type ProtocolType struct {
	ProtocolID  int64   `db:"protocol_id" json:"protocol_id"`
	Name        string  `db:"protocol_name" json:"protocol_name"`
	Description *string `db:"description" json:"description,omitempty"`
	DefaultPort *int    `db:"default_port" json:"default_port,omitempty"`
}

// IIDType is a reference row describing an interface identifier generation scheme.
type IIDType struct {
	TypeID      int64   `db:"type_id" json:"type_id"`
	TypeName    string  `db:"type_name" json:"type_name"`
	Description *string `db:"description" json:"description,omitempty"`
	IsRisky     bool    `db:"is_risky" json:"is_risky"`
	Example     *string `db:"example" json:"example,omitempty"`
}

// InventoryTotals holds the headline counts of the inventory.
type InventoryTotals struct {
	ActiveAddresses int64 `db:"active_addresses" json:"active_addresses"`
	Prefixes        int64 `db:"prefixes" json:"prefixes"`
	Countries       int64 `db:"countries" json:"countries"`
	ASNs            int64 `db:"asns" json:"asns"`
	Vulnerabilities int64 `db:"vulnerabilities" json:"vulnerabilities"`
}

// CountryStats summarizes one country.
type CountryStats struct {
	CountryID       string    `db:"country_id" json:"country_id"`
	CountryName     string    `db:"country_name" json:"country_name"`
	TotalActiveIPv6 int64     `db:"total_active_ipv6" json:"total_active_ipv6"`
	PrefixCount     int64     `db:"prefix_count" json:"prefix_count"`
	ASNCount        int64     `db:"asn_count" json:"asn_count"`
	LastUpdated     time.Time `db:"last_updated" json:"last_updated"`
}

// VulnerabilityStats counts fixed and unfixed addresses for one vulnerability.
type VulnerabilityStats struct {
	VulnerabilityID int64  `db:"vulnerability_id" json:"vulnerability_id"`
	Name            string `db:"name" json:"name"`
	Severity        string `db:"severity" json:"severity"`
	Affected        int64  `db:"affected" json:"affected"`
	Fixed           int64  `db:"fixed" json:"fixed"`
	Unfixed         int64  `db:"unfixed" json:"unfixed"`
}
