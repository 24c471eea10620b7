package model

import (
	"net/url"
	"strings"
)

// RegistryVariant identifies the external account model a registry uses.
type RegistryVariant string

const (
	// RegistryVariantRobot is a token-authenticated registry issuing robot
	// accounts scoped to an organization.
	RegistryVariantRobot RegistryVariant = "robot-account"
	// RegistryVariantPartner is a certificate-gated registry issuing partner
	// service accounts that support soft delete.
	RegistryVariantPartner RegistryVariant = "partner-account"
)

// Registry is the static description of one container registry. Registries
// are loaded once at startup and never mutated.
type Registry struct {
	ID        string
	Name      string
	Variant   RegistryVariant
	URL       string // Hostname (or URL) clusters pull from; key of the auth entry.
	APIURL    string // Base URL of the account management API.
	OrgName   string
	TeamName  string // Grouping the account is assigned to after creation; optional.
	EmitAlias bool   // Also emit this credential under the configured alias hostname.
	Pool      bool   // Pre-provision unassigned credentials for this registry.
}

// Hostname returns the host used as the auth document key. URL may be a bare
// hostname ("quay.io") or a full URL ("https://quay.io").
func (r Registry) Hostname() string {
	if !strings.Contains(r.URL, "://") {
		return strings.TrimSuffix(r.URL, "/")
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" {
		return r.URL
	}
	return u.Host
}
