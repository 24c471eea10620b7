package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
)

const (
	robotNamePrefix  = "hyperfleet"
	robotNameMaxLen  = 254
	robotOrgSep      = "+"
	robotSuffixBytes = 8

	partnerNamePrefix   = "hyp-cls-"
	partnerPoolPrefix   = "hyp-pool-"
	partnerNameMaxLen   = 49
	partnerSeparator    = "|"
	partnerSuffixBytes  = 4
	partnerDigestLen    = 8
	partnerLabelMaxLen  = partnerNameMaxLen - len(partnerNamePrefix) - 1 - 2*partnerSuffixBytes
	partnerLabelKeepLen = partnerLabelMaxLen - 1 - partnerDigestLen
)

// RobotAccountName builds a fresh robot account name for owner:
// hyperfleet_{provider}_{region}_{16 hex}, normalized.
func RobotAccountName(owner model.AccountOwner) (string, error) {
	suffix, err := randomHex(robotSuffixBytes)
	if err != nil {
		return "", err
	}
	raw := strings.Join([]string{robotNamePrefix, owner.Provider, owner.Region, suffix}, "_")
	return NormalizeRobotName(raw), nil
}

// NormalizeRobotName maps any string onto [a-z0-9_]{1,254}. Characters
// outside the alphabet are dropped, underscore runs collapse to one, and the
// name never starts with an underscore. It is idempotent.
func NormalizeRobotName(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := true // suppresses leading underscores
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_':
			if !lastUnderscore {
				b.WriteRune(r)
				lastUnderscore = true
			}
		}
		if b.Len() >= robotNameMaxLen {
			break
		}
	}

	name := b.String()
	if len(name) > robotNameMaxLen {
		name = name[:robotNameMaxLen]
	}
	if name == "" {
		return robotNamePrefix
	}
	return name
}

// robotShortName strips the "{org}+" prefix the robot API adds to names.
func robotShortName(org, externalName string) (string, error) {
	short, ok := strings.CutPrefix(externalName, org+robotOrgSep)
	if !ok || short == "" {
		return "", fmt.Errorf("robot account %q: missing %q prefix: %w", externalName, org+robotOrgSep, model.ErrMalformedAccountName)
	}
	return short, nil
}

// PartnerAccountName builds a fresh partner service account name for owner:
// hyp-cls-{label}-{8 hex}. Every call yields a new name, so a re-issued
// credential never lands on an account that already exists. The label is the
// cluster ID reduced to [a-z0-9-]. A label that would overflow the name limit
// is replaced by the external resource ID when one is known, and shortened to
// a prefix plus a digest of the full identifier otherwise.
func PartnerAccountName(owner model.AccountOwner) (string, error) {
	if owner.IsPool() {
		suffix, err := randomHex(robotSuffixBytes)
		if err != nil {
			return "", err
		}
		return partnerPoolPrefix + suffix, nil
	}

	suffix, err := randomHex(partnerSuffixBytes)
	if err != nil {
		return "", err
	}

	source := owner.ClusterID
	label := partnerLabel(source)
	if len(label) > partnerLabelMaxLen && owner.ExternalResourceID != "" {
		source = owner.ExternalResourceID
		label = partnerLabel(source)
	}
	if len(label) > partnerLabelMaxLen || label == "" {
		label = shortenPartnerLabel(label, source)
	}
	return partnerNamePrefix + label + "-" + suffix, nil
}

// partnerLabel lowercases s and keeps only ASCII letters, digits and dashes.
func partnerLabel(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-")
}

// shortenPartnerLabel keeps the head of label and appends a digest of the
// unreduced source, so identifiers sharing a long prefix stay distinct.
func shortenPartnerLabel(label, source string) string {
	sum := sha256.Sum256([]byte(source))
	digest := hex.EncodeToString(sum[:])[:partnerDigestLen]

	head := strings.TrimRight(label[:min(len(label), partnerLabelKeepLen)], "-")
	if head == "" {
		return digest
	}
	return head + "-" + digest
}

// PrefixPartnerName adds the separator the partner API puts on returned names.
func PrefixPartnerName(short string) string {
	return partnerSeparator + short
}

// StripPartnerName removes the separator from a stored partner account name.
// It is the left inverse of PrefixPartnerName.
func StripPartnerName(externalName string) (string, error) {
	short, ok := strings.CutPrefix(externalName, partnerSeparator)
	if !ok || short == "" {
		return "", fmt.Errorf("partner account %q: missing %q separator: %w", externalName, partnerSeparator, model.ErrMalformedAccountName)
	}
	return short, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate account suffix: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
