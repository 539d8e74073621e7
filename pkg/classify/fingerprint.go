package classify

import "bytes"

// Fingerprint is a fixed content signature served by a bot-mitigation layer.
type Fingerprint struct {
	Vendor    string
	Signature []byte
}

// Fingerprints are checked against every response body before any detection method.
var Fingerprints = []Fingerprint{
	{"Cloudflare", []byte(`.loading-spinner{visibility:hidden}body.no-js .challenge-running{display:none}`)},
	{"Cloudflare", []byte(`<span id="challenge-error-text">`)},
	{"Cloudflare", []byte(`window._cf_chl_opt`)},
	{"Cloudflare", []byte(`/cdn-cgi/challenge-platform/`)},
	{"AWS WAF", []byte(`AwsWafIntegration.forceRefreshToken`)},
	{"PerimeterX", []byte(`{return l.onPageView}}),Object.defineProperty(r,"perimeterxIdentifiers",{enumerable:`)},
	{"DataDome", []byte(`geo.captcha-delivery.com/captcha`)},
}

// MatchFingerprint returns the first fingerprint found in body.
func MatchFingerprint(body []byte) (Fingerprint, bool) {
	if len(body) == 0 {
		return Fingerprint{}, false
	}
	for _, fp := range Fingerprints {
		if bytes.Contains(body, fp.Signature) {
			return fp, true
		}
	}
	return Fingerprint{}, false
}
