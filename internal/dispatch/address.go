package dispatch

import (
	"errors"
	"strings"
)

// routingDomain is the provider's routing domain marker appended to a bare
// phone number to form the canonical address.
const routingDomain = "@c.us"

var errBadAddress = errors.New("address does not match expected digit pattern")

// NormalizeTarget converts a recipient identifier to its canonical routing
// address: a leading international-prefix marker is stripped, and the
// remaining digits get the routing domain suffix. A target already in
// canonical form passes through unchanged.
func NormalizeTarget(raw string) (string, error) {
	t := strings.TrimSpace(raw)
	if t == "" {
		return "", errBadAddress
	}
	if strings.HasSuffix(t, routingDomain) {
		if !allDigits(strings.TrimSuffix(t, routingDomain)) {
			return "", errBadAddress
		}
		return t, nil
	}
	t = strings.TrimPrefix(t, "+")
	if !allDigits(t) {
		return "", errBadAddress
	}
	return t + routingDomain, nil
}

func allDigits(s string) bool {
	if len(s) < 7 || len(s) > 15 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
