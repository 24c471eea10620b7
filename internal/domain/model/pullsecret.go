package model

import (
	"encoding/base64"
	"encoding/json"
)

// RegistryAuth is one entry of a dockerconfigjson document.
type RegistryAuth struct {
	Auth string `json:"auth"`
}

// PullSecret is the dockerconfigjson document handed to cluster tooling.
type PullSecret struct {
	Auths map[string]RegistryAuth `json:"auths"`
}

// NewPullSecret returns an empty document.
func NewPullSecret() *PullSecret {
	return &PullSecret{Auths: make(map[string]RegistryAuth)}
}

// Add sets the entry for host to base64(name:token).
func (p *PullSecret) Add(host, name string, token Secret) {
	p.Auths[host] = RegistryAuth{Auth: EncodeAuth(name, token)}
}

// JSON encodes the document. Map keys are sorted by encoding/json, so equal
// documents encode to identical bytes.
func (p *PullSecret) JSON() ([]byte, error) {
	return json.Marshal(p)
}

// EncodeAuth returns base64("name:token").
func EncodeAuth(name string, token Secret) string {
	return base64.StdEncoding.EncodeToString([]byte(name + ":" + token.Reveal()))
}
