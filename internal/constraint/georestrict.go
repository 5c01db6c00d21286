package constraint

import (
	"errors"
	"strings"
)

// ErrGeoRestricted is returned when a request's location fails an
// allow/block list or VPN requirement check.
var ErrGeoRestricted = errors.New("constraint: geo restriction violated")

// GeoRestrictor implements the "geo_restrict" constraint kind. It
// consults the security enricher's output (geoLocation, carried via
// req's Extensions-derived Parameters at descriptor-build time is not
// available here, so the PEP is expected to pass the resolved location
// and VPN flag through Parameters when materializing the descriptor
// for a specific request) against allow/block lists.
//
// Parameters:
//   allowList     []string  permitted location codes; empty means "any"
//   blockList     []string  forbidden location codes, checked after allowList
//   requireVPN    bool      reject if the resolved request is not over a VPN
//   location      string    the resolved geoLocation for this request
//   isVPN         bool      whether the resolved request is over a VPN
type GeoRestrictor struct{}

func NewGeoRestrictor() *GeoRestrictor { return &GeoRestrictor{} }

func (*GeoRestrictor) Kind() string { return "geo_restrict" }

func (*GeoRestrictor) Process(req *Request, params map[string]any) (any, error) {
	location, _ := params["location"].(string)
	isVPN, _ := params["isVPN"].(bool)
	requireVPN, _ := params["requireVPN"].(bool)

	if allow := stringList(params["allowList"]); len(allow) > 0 && !containsFold(allow, location) {
		return nil, ErrGeoRestricted
	}
	if block := stringList(params["blockList"]); containsFold(block, location) {
		return nil, ErrGeoRestricted
	}
	if requireVPN && !isVPN {
		return nil, ErrGeoRestricted
	}
	return req.Payload, nil
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if strs, ok := v.([]string); ok {
			return strs
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func containsFold(list []string, want string) bool {
	for _, item := range list {
		if strings.EqualFold(item, want) {
			return true
		}
	}
	return false
}
