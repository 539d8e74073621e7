// Package result defines the verdicts and per-site results produced by a probe run.
package result

import (
	"errors"
	"fmt"
	"time"
)

// Common errors recorded on results.
var (
	ErrIllegalHandle    = errors.New("handle rejected by site pattern")
	ErrTimeout          = errors.New("request timed out")
	ErrConnectionFailed = errors.New("connection failed")
	ErrProxyFailed      = errors.New("proxy failed")
	ErrDecodeFailed     = errors.New("response could not be decoded")
	ErrUnclassifiable   = errors.New("unclassifiable manifest entry")
	ErrWAFBlocked       = errors.New("blocked by bot mitigation")
	ErrTransport        = errors.New("transport failure")
	ErrRiskDowngrade    = errors.New("claimed verdict contradicted by risk signals")
)

// Verdict is the classification outcome for one (handle, site) pair.
type Verdict string

// Verdict values.
const (
	Claimed    Verdict = "CLAIMED"
	Available  Verdict = "AVAILABLE"
	Unknown    Verdict = "UNKNOWN"
	Illegal    Verdict = "ILLEGAL"
	WAFBlocked Verdict = "WAF_BLOCKED"
	Error      Verdict = "ERROR"
)

// Verdicts lists every verdict in display order.
var Verdicts = []Verdict{Claimed, Available, Unknown, Illegal, WAFBlocked, Error}

// Eligible reports whether a verdict may be persisted in the result cache.
// Only terminal verdicts that stay true between runs qualify.
func (v Verdict) Eligible() bool {
	return v == Claimed || v == Available
}

// Valid reports whether v is one of the known verdicts.
func (v Verdict) Valid() bool {
	for _, known := range Verdicts {
		if v == known {
			return true
		}
	}
	return false
}

// ParseVerdict converts a stored verdict string back into a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(s)
	if !v.Valid() {
		return "", fmt.Errorf("unknown verdict %q", s)
	}
	return v, nil
}

// ErrorKind categorizes why a probe could not complete.
type ErrorKind string

// Error kinds.
const (
	KindNone             ErrorKind = ""
	KindTimeout          ErrorKind = "Timeout"
	KindConnectionFailed ErrorKind = "ConnectionFailed"
	KindProxyFailed      ErrorKind = "ProxyFailed"
	KindDecodeFailed     ErrorKind = "DecodeFailed"
	KindUnknown          ErrorKind = "Unknown"
)

// Sentinel returns the sentinel error matching the kind.
func (k ErrorKind) Sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindConnectionFailed:
		return ErrConnectionFailed
	case KindProxyFailed:
		return ErrProxyFailed
	case KindDecodeFailed:
		return ErrDecodeFailed
	case KindUnknown:
		return ErrTransport
	default:
		return nil
	}
}

// Result is the outcome of probing one site for one handle.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Result struct {
	Site       string        `json:"site"`
	Handle     string        `json:"handle"`
	Verdict    Verdict       `json:"verdict"`
	URL        string        `json:"url,omitempty"`         // Profile URL shown to the user
	HTTPStatus int           `json:"http_status,omitempty"` // 0 when no response was received
	Elapsed    time.Duration `json:"elapsed,omitempty"`     // 0 when no request was sent
	Kind       ErrorKind     `json:"error_kind,omitempty"`
	Context    string        `json:"context,omitempty"` // Human-readable cause for non-terminal verdicts
	Cached     bool          `json:"cached,omitempty"`  // True if served from the result cache
	Risk       *Assessment   `json:"risk,omitempty"`

	// Err carries the categorized error for programmatic inspection.
	Err error `json:"-"`

	// Body is the response body retained for risk scoring. It is never serialized.
	Body []byte `json:"-"`
}

// Signal is one piece of evidence contributing to an assessment.
type Signal struct {
	Source  string  `json:"source"`
	Message string  `json:"message"`
	Weight  float64 `json:"weight"`
}

// Assessment estimates how likely a CLAIMED verdict is to be genuine.
// It is never modified after construction.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Assessment struct {
	Detector   string   `json:"detector"`
	Label      string   `json:"label"`
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	HasSignals bool     `json:"has_signals"`
	Signals    []Signal `json:"signals,omitempty"`
}
