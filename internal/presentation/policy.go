package presentation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
)

// descriptor is a credential request normalized from either query form
type descriptor struct {
	id      string
	formats []string
	types   []string
	claims  []claimRequest
}

// claimRequest is one requested claim; any of its alternatives satisfies it
type claimRequest struct {
	alternatives []domain.ClaimPath
}

// ValidateAgainstPolicy reports every element of query the attestation does
// not allow: formats, type values (vct) and claim paths. Input descriptors and
// DCQL credential queries are checked independently and all violations are
// returned.
func ValidateAgainstPolicy(att *domain.VerifierAttestation, query domain.Query) []domain.PolicyViolation {
	var attested []domain.AttestedCredential
	if att != nil {
		attested = att.Credentials
	}

	var violations []domain.PolicyViolation
	for _, d := range descriptors(query) {
		violations = append(violations, checkDescriptor(d, attested)...)
	}
	return violations
}

func checkDescriptor(d descriptor, attested []domain.AttestedCredential) []domain.PolicyViolation {
	candidates := attested
	if len(d.formats) > 0 {
		candidates = lo.Filter(attested, func(c domain.AttestedCredential, _ int) bool {
			return lo.Contains(d.formats, c.Format)
		})
		if len(candidates) == 0 {
			return []domain.PolicyViolation{{
				Kind:         domain.ViolationFormat,
				DescriptorID: d.id,
				Message:      fmt.Sprintf("format %s is not allowed for this verifier", strings.Join(d.formats, ", ")),
				Requested:    strings.Join(d.formats, ","),
				Allowed:      sortedUnique(lo.Map(attested, func(c domain.AttestedCredential, _ int) string { return c.Format })),
			}}
		}
	}

	var violations []domain.PolicyViolation

	allowedTypes := sortedUnique(lo.FlatMap(candidates, func(c domain.AttestedCredential, _ int) []string {
		return c.Meta.VCTValues
	}))
	// an attested credential without vct_values does not restrict types;
	// with no candidate at all nothing is allowed
	unrestricted := lo.SomeBy(candidates, func(c domain.AttestedCredential) bool {
		return len(c.Meta.VCTValues) == 0
	})
	if !unrestricted {
		for _, t := range d.types {
			if !lo.Contains(allowedTypes, t) {
				violations = append(violations, domain.PolicyViolation{
					Kind:         domain.ViolationVCT,
					DescriptorID: d.id,
					Message:      fmt.Sprintf("credential type %q is not allowed for this verifier", t),
					Requested:    t,
					Allowed:      allowedTypes,
				})
			}
		}
	}

	allowedClaims := lo.FlatMap(candidates, func(c domain.AttestedCredential, _ int) []domain.ClaimPath {
		return lo.Map(c.Claims, func(cl domain.AttestedClaim, _ int) domain.ClaimPath { return cl.Path })
	})
	for _, claim := range d.claims {
		if lo.SomeBy(claim.alternatives, func(p domain.ClaimPath) bool { return pathAllowed(p, allowedClaims) }) {
			continue
		}
		requested := claim.alternatives[0].String()
		violations = append(violations, domain.PolicyViolation{
			Kind:         domain.ViolationClaim,
			DescriptorID: d.id,
			Message:      fmt.Sprintf("claim %q is not allowed for this verifier", requested),
			Requested:    requested,
			Allowed:      sortedUnique(lo.Map(allowedClaims, func(p domain.ClaimPath, _ int) string { return p.String() })),
		})
	}
	return violations
}

// pathAllowed matches segment by segment; a null segment in the allowed path
// matches any requested segment.
func pathAllowed(requested domain.ClaimPath, allowed []domain.ClaimPath) bool {
	return lo.SomeBy(allowed, func(a domain.ClaimPath) bool {
		if len(a) != len(requested) {
			return false
		}
		for i := range a {
			if a[i] == nil {
				continue
			}
			if segment(a[i]) != segment(requested[i]) {
				return false
			}
		}
		return true
	})
}

func segment(v interface{}) string {
	return domain.ClaimPath{v}.String()
}

func descriptors(query domain.Query) []descriptor {
	var out []descriptor
	if pd := query.PresentationDefinition; pd != nil {
		for _, in := range pd.InputDescriptors {
			out = append(out, inputDescriptor(pd, in))
		}
	}
	if dq := query.DCQL; dq != nil {
		for _, c := range dq.Credentials {
			out = append(out, dcqlDescriptor(c))
		}
	}
	return out
}

func dcqlDescriptor(c domain.DCQLCredential) descriptor {
	d := descriptor{id: c.ID}
	if c.Format != "" {
		d.formats = []string{c.Format}
	}
	if c.Meta != nil {
		d.types = append(d.types, c.Meta.VCTValues...)
		if c.Meta.DoctypeValue != "" {
			d.types = append(d.types, c.Meta.DoctypeValue)
		}
	}
	for _, cl := range c.Claims {
		if len(cl.Path) > 0 {
			d.claims = append(d.claims, claimRequest{alternatives: []domain.ClaimPath{cl.Path}})
		}
	}
	return d
}

func inputDescriptor(pd *domain.PresentationDefinition, in domain.InputDescriptor) descriptor {
	d := descriptor{id: in.ID}
	formats := in.Format
	if len(formats) == 0 {
		formats = pd.Format
	}
	d.formats = sortedUnique(lo.Keys(formats))

	if in.Constraints == nil {
		return d
	}
	for _, f := range in.Constraints.Fields {
		paths := lo.FilterMap(f.Path, func(p string, _ int) (domain.ClaimPath, bool) {
			cp := parseJSONPath(p)
			return cp, len(cp) > 0
		})
		if len(paths) == 0 {
			continue
		}
		if lo.SomeBy(paths, isTypePath) {
			d.types = append(d.types, filterValues(f.Filter)...)
			continue
		}
		d.claims = append(d.claims, claimRequest{alternatives: paths})
	}
	return d
}

func isTypePath(p domain.ClaimPath) bool {
	return len(p) == 1 && p[0] == "vct"
}

// filterValues extracts the values a JSON schema filter pins down
func filterValues(filter map[string]interface{}) []string {
	var out []string
	if c, ok := filter["const"].(string); ok {
		out = append(out, c)
	}
	if enum, ok := filter["enum"].([]interface{}); ok {
		for _, v := range enum {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// parseJSONPath converts the simple JSONPath forms used in input descriptors
// ($.a.b, $['a']['b'], $.a[0], $.a[*]) into a claim path.
func parseJSONPath(p string) domain.ClaimPath {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "$") {
		return nil
	}
	p = p[1:]

	var out domain.ClaimPath
	for len(p) > 0 {
		switch {
		case strings.HasPrefix(p, "."):
			p = p[1:]
			end := strings.IndexAny(p, ".[")
			if end < 0 {
				end = len(p)
			}
			if end == 0 {
				return nil
			}
			out = append(out, p[:end])
			p = p[end:]
		case strings.HasPrefix(p, "["):
			end := strings.Index(p, "]")
			if end < 0 {
				return nil
			}
			inner := strings.TrimSpace(p[1:end])
			p = p[end+1:]
			switch {
			case inner == "*":
				out = append(out, nil)
			case len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"'):
				out = append(out, inner[1:len(inner)-1])
			default:
				n, err := strconv.Atoi(inner)
				if err != nil {
					return nil
				}
				out = append(out, n)
			}
		default:
			return nil
		}
	}
	return out
}

func sortedUnique(values []string) []string {
	out := lo.Uniq(lo.Filter(values, func(v string, _ int) bool { return v != "" }))
	sort.Strings(out)
	return out
}
