package model

import "time"

// Cluster is the owner context a credential set is issued for. Provider and
// Region feed registry naming; ExternalResourceID is used by registries whose
// name limits cannot fit the cluster ID.
type Cluster struct {
	ID                 string
	Provider           string
	Region             string
	ExternalResourceID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AccountOwner is the context handed to a registry adapter when creating an
// account. A zero ClusterID marks a pool account with no cluster affinity.
type AccountOwner struct {
	ClusterID          string
	ExternalResourceID string
	Provider           string
	Region             string
}

// Owner returns the account owner context for the cluster.
func (c Cluster) Owner() AccountOwner {
	return AccountOwner{
		ClusterID:          c.ID,
		ExternalResourceID: c.ExternalResourceID,
		Provider:           c.Provider,
		Region:             c.Region,
	}
}

// PoolOwner is the placeholder context used for speculative pool accounts.
func PoolOwner() AccountOwner {
	return AccountOwner{Provider: "pool", Region: "unassigned"}
}

// IsPool reports whether the owner is the pool placeholder.
func (o AccountOwner) IsPool() bool {
	return o.ClusterID == ""
}

// ExternalAccount is what a registry returns for a created or fetched account.
type ExternalAccount struct {
	Name  string
	Token Secret
}
