package query

import (
	"strings"

	"github.com/ehr/archive/internal/platform/dicom"
)

// IDWithIssuer is a patient identifier qualified by its issuing authority.
// An empty Issuer matches the identifier under any issuer.
type IDWithIssuer struct {
	ID     string
	Issuer string
}

// HasWildcard reports whether the identifier contains a '*' or '?' token.
func (p IDWithIssuer) HasWildcard() bool {
	return containsWildcard(p.ID)
}

func (p IDWithIssuer) String() string {
	if p.Issuer == "" {
		return p.ID
	}
	return p.ID + "^^^" + p.Issuer
}

// Context is the per-request state of one query. It is owned by a single
// request and must not be shared.
type Context struct {
	Level  Level
	Params Params
	// Keys is the match template. Empty values are return keys only.
	Keys *dicom.AttributeSet
	// PatientIDs are the linked identities of the queried patient, usually
	// resolved through a patient identifier cross-reference.
	PatientIDs []IDWithIssuer
}

// NewContext creates a query context for level with the given keys.
func NewContext(level Level, params Params, keys *dicom.AttributeSet) *Context {
	if keys == nil {
		keys = dicom.NewAttributeSet()
	}
	return &Context{Level: level, Params: params, Keys: keys}
}

// WithPatientIDs sets the identity filters and returns the context.
func (c *Context) WithPatientIDs(ids ...IDWithIssuer) *Context {
	c.PatientIDs = ids
	return c
}

// identityFilters returns the explicit identity filters, or the identifier
// carried in the keys when none were given. A wildcard key identifier is not
// an identity and is matched as an ordinary attribute instead.
func (c *Context) identityFilters() []IDWithIssuer {
	if len(c.PatientIDs) > 0 {
		return c.PatientIDs
	}
	id := strings.TrimSpace(c.Keys.String(dicom.PatientID))
	if id == "" || containsWildcard(id) {
		return nil
	}
	return []IDWithIssuer{{ID: id, Issuer: strings.TrimSpace(c.Keys.String(dicom.IssuerOfPatientID))}}
}

func containsWildcard(s string) bool {
	return strings.ContainsAny(s, "*?")
}
