// Package lwa implements the Login-with-Amazon OAuth2 client: PKCE
// generation per RFC 7636, the authorization URL builder, the code and
// refresh-token exchanges against Amazon's regional token endpoints, and the
// error taxonomy the reauthorization decider classifies from.
package lwa

import (
	"fmt"
	"time"
)

// Endpoints describes one regional Login-with-Amazon endpoint set.
type Endpoints struct {
	// AuthURL is the browser-facing authorization endpoint.
	AuthURL string
	// TokenURL is the code/refresh exchange endpoint.
	TokenURL string
	// RevokeURL accepts best-effort refresh token revocations.
	RevokeURL string
	// APIBase is the Smart Home API base for the region.
	APIBase string
}

// Supported regions.
const (
	RegionNA = "na"
	RegionEU = "eu"
	RegionFE = "fe"
)

// DefaultScope is requested when a link flow does not name one.
const DefaultScope = "smart_home"

// HTTPTimeout bounds every token endpoint call.
const HTTPTimeout = 30 * time.Second

// Token material prefixes Amazon issues. Responses carrying anything else
// are rejected by TokenResponse validation.
const (
	AccessTokenPrefix  = "Atza|"
	RefreshTokenPrefix = "Atzr|"
)

var regionEndpoints = map[string]Endpoints{
	RegionNA: {
		AuthURL:   "https://www.amazon.com/ap/oa",
		TokenURL:  "https://api.amazon.com/auth/o2/token",
		RevokeURL: "https://api.amazon.com/auth/o2/revoke",
		APIBase:   "https://api.amazon.com",
	},
	RegionEU: {
		AuthURL:   "https://eu.account.amazon.com/ap/oa",
		TokenURL:  "https://api.amazon.co.uk/auth/o2/token",
		RevokeURL: "https://api.amazon.co.uk/auth/o2/revoke",
		APIBase:   "https://api.amazon.co.uk",
	},
	RegionFE: {
		AuthURL:   "https://apac.account.amazon.com/ap/oa",
		TokenURL:  "https://api.amazon.co.jp/auth/o2/token",
		RevokeURL: "https://api.amazon.co.jp/auth/o2/revoke",
		APIBase:   "https://api.amazon.co.jp",
	},
}

// Regions lists the supported regions in probe order.
var Regions = []string{RegionNA, RegionEU, RegionFE}

// EndpointsFor resolves the endpoint set for a region.
func EndpointsFor(region string) (Endpoints, error) {
	if ep, ok := regionEndpoints[region]; ok {
		return ep, nil
	}
	return Endpoints{}, fmt.Errorf("lwa: unknown region %q", region)
}
