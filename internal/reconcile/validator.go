package reconcile

import (
	stderrors "errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/v6ledger/internal/errors"
)

// Validator performs the structural checks on a request. It never touches
// the database; target existence is checked by the Coordinator.
type Validator struct {
	validate     *validator.Validate
	maxAddresses int
}

// NewValidator creates a validator that rejects address lists longer than
// maxAddresses. Zero disables the limit.
func NewValidator(maxAddresses int) *Validator {
	return &Validator{
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		maxAddresses: maxAddresses,
	}
}

// Validate checks req for kind and returns the normalized intent.
//
// Rules run in a fixed order so the first failure is deterministic:
// target id present, filter scope present, new state present, address
// list non-empty, then field formats.
func (v *Validator) Validate(kind Kind, req *Request) (*Intent, error) {
	if !kind.Valid() {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown reconciliation kind %q", kind))
	}
	if req == nil {
		return nil, errors.NewValidationError("request body is required")
	}

	if kind == KindImport {
		if req.Prefix == nil || strings.TrimSpace(*req.Prefix) == "" {
			return nil, errors.NewValidationError("prefix is required")
		}
	} else if req.TargetID == nil {
		return nil, errors.NewValidationError(fmt.Sprintf("%s is required", targetField(kind)))
	}

	if req.CountryID == nil && req.ASN == nil {
		return nil, errors.NewMissingFilterScope()
	}
	if kind == KindImport && (req.CountryID == nil || req.ASN == nil) {
		return nil, errors.NewValidationError("import requires both countryId and asn")
	}

	if kind != KindImport && req.NewState == nil {
		return nil, errors.NewValidationError(fmt.Sprintf("%s is required", stateField(kind)))
	}

	if len(req.Addresses) == 0 {
		return nil, errors.NewValidationError("addresses must be a non-empty array of strings")
	}
	if v.maxAddresses > 0 && len(req.Addresses) > v.maxAddresses {
		return nil, errors.NewValidationError(
			fmt.Sprintf("addresses may contain at most %d entries", v.maxAddresses))
	}

	if err := v.validate.Struct(req); err != nil {
		return nil, errors.NewValidationError(describeFieldError(err))
	}

	intent := &Intent{
		Kind: kind,
		Filter: Filter{
			ASN: req.ASN,
		},
	}
	if req.CountryID != nil {
		country := strings.ToUpper(*req.CountryID)
		intent.Filter.CountryID = &country
	}
	if req.TargetID != nil {
		intent.TargetID = *req.TargetID
	}
	if req.NewState != nil {
		intent.NewState = *req.NewState
	}
	if kind == KindProtocol && req.Port != nil {
		port := *req.Port
		intent.Port = &port
	}

	if kind == KindImport {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(*req.Prefix))
		if err != nil || !prefix.Addr().Is6() || prefix.Addr().Is4In6() {
			return nil, errors.NewValidationError("prefix must be an IPv6 CIDR")
		}
		if prefix.Masked() != prefix {
			return nil, errors.NewValidationError("prefix must not have host bits set")
		}
		intent.Prefix = prefix
	}

	intent.Addresses, intent.Invalid = normalizeCandidates(req.Addresses, intent.Prefix)
	return intent, nil
}

// normalizeCandidates trims and canonicalizes the raw address list and
// collapses duplicates. Empty strings are dropped. Strings that are not
// IPv6 addresses, or that fall outside a non-zero within, are counted once
// per distinct literal as invalid.
func normalizeCandidates(raw []string, within netip.Prefix) (candidates []string, invalid int) {
	seen := make(map[string]struct{}, len(raw))
	rejected := make(map[string]struct{})

	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}

		addr, err := netip.ParseAddr(s)
		if err != nil || !addr.Is6() || addr.Is4In6() || addr.Zone() != "" {
			rejected[s] = struct{}{}
			continue
		}
		if within.IsValid() && !within.Contains(addr) {
			rejected[addr.String()] = struct{}{}
			continue
		}

		canonical := addr.String()
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		candidates = append(candidates, canonical)
	}

	return candidates, len(rejected)
}

func describeFieldError(err error) string {
	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "request validation failed"
	}

	fe := fieldErrs[0]
	switch fe.Field() {
	case "CountryID":
		return "countryId must be a two-letter country code"
	case "ASN":
		return "asn must be a positive 32-bit AS number"
	case "Port":
		return "port must be between 1 and 65535"
	case "Prefix":
		return "prefix must be an IPv6 CIDR"
	case "TargetID":
		return "targetId must be a positive integer"
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

func targetField(kind Kind) string {
	switch kind {
	case KindVulnerability:
		return "targetId (vulnerability id)"
	case KindProtocol:
		return "targetId (protocol id)"
	default:
		return "targetId (IID type id)"
	}
}

func stateField(kind Kind) string {
	switch kind {
	case KindVulnerability:
		return "newState (is fixed)"
	case KindProtocol:
		return "newState (is supported)"
	default:
		return "newState (is detected)"
	}
}
