package model

import (
	"sort"
	"time"
)

// Credential is one issued, externally backed registry account. Rows are
// never rewritten on rotation: a new row is created and the old one retired.
type Credential struct {
	ID                 string
	RegistryID         string
	ExternalName       string // As returned by the registry, including any org or separator prefix.
	Token              Secret
	OwnerID            string // Cluster ID; empty for pool credentials.
	ExternalResourceID string
	RotationID         string // Rotation that created this row; empty for on-demand rows.
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsPooled reports whether the credential is unassigned.
func (c Credential) IsPooled() bool {
	return c.OwnerID == ""
}

// CredentialState is derived from (owner, registry, max created_at), never stored.
type CredentialState string

const (
	CredentialStateCurrent  CredentialState = "current"
	CredentialStateRetiring CredentialState = "retiring"
	CredentialStatePooled   CredentialState = "pooled"
)

// NewerThan orders credentials by created_at, then by ID. IDs are UUIDv7 so
// the tie-break follows creation order as well.
func (c Credential) NewerThan(other Credential) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.After(other.CreatedAt)
	}
	return c.ID > other.ID
}

// CurrentByRegistry returns the current credential for each registry among
// creds. Pool credentials are ignored.
func CurrentByRegistry(creds []Credential) map[string]Credential {
	current := make(map[string]Credential)
	for _, c := range creds {
		if c.IsPooled() {
			continue
		}
		if existing, ok := current[c.RegistryID]; !ok || c.NewerThan(existing) {
			current[c.RegistryID] = c
		}
	}
	return current
}

// ClassifiedCredential pairs a credential with its derived state.
type ClassifiedCredential struct {
	Credential
	State CredentialState
}

// ClassifyCredentials tags every credential as current, retiring or pooled.
// The result is ordered by registry, then newest first.
func ClassifyCredentials(creds []Credential) []ClassifiedCredential {
	current := CurrentByRegistry(creds)

	out := make([]ClassifiedCredential, 0, len(creds))
	for _, c := range creds {
		state := CredentialStateRetiring
		switch {
		case c.IsPooled():
			state = CredentialStatePooled
		case current[c.RegistryID].ID == c.ID:
			state = CredentialStateCurrent
		}
		out = append(out, ClassifiedCredential{Credential: c, State: state})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RegistryID != out[j].RegistryID {
			return out[i].RegistryID < out[j].RegistryID
		}
		return out[i].NewerThan(out[j].Credential)
	})
	return out
}
