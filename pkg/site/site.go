// Package site describes how to probe one web service for a handle.
package site

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/codeGROOVE-dev/whereabouts/pkg/risk"
)

// Placeholder is the substitution point for the handle in URL templates and payloads.
const Placeholder = risk.Placeholder

// DetectionMethod selects how a response is turned into a verdict.
type DetectionMethod int

// Detection methods. The zero value is deliberately invalid so that a spec
// built without a method is reported instead of silently classified.
const (
	StatusCode DetectionMethod = iota + 1
	Message
	RedirectBehavior
)

var methodNames = map[DetectionMethod]string{
	StatusCode:       "status_code",
	Message:          "message",
	RedirectBehavior: "response_url",
}

func (m DetectionMethod) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("DetectionMethod(%d)", int(m))
}

// ParseDetectionMethod converts a manifest errorType string to a DetectionMethod.
func ParseDetectionMethod(s string) (DetectionMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "status_code":
		return StatusCode, nil
	case "message":
		return Message, nil
	case "response_url", "redirect":
		return RedirectBehavior, nil
	default:
		return 0, fmt.Errorf("unknown detection method %q", s)
	}
}

// Spec is an immutable description of one target service's probe contract.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Spec struct {
	Name               string
	HomeURL            string // urlMain
	ProfileURLTemplate string // url shown to the user
	ProbeURLTemplate   string // optional alternate URL used only for the network check
	Detection          DetectionMethod

	AvailableCodes    []int    // StatusCode: codes meaning "no such account"
	AvailableMessages []string // Message: substrings meaning "no such account"

	Legality      *regexp.Regexp // nil means every handle is legal
	RequestMethod string         // empty means choose by detection method
	Headers       map[string]string
	Payload       any // JSON request payload; string leaves may contain the placeholder

	Sensitive      bool   // isNSFW; consumed by the manifest filter only
	ClaimedExample string // username_claimed: a handle known to exist on the site

	Risk risk.Hints // spec-embedded risk metadata
}

// ProfileURL returns the user-facing URL for handle.
func (s *Spec) ProfileURL(handle string) string {
	return expand(s.ProfileURLTemplate, handle)
}

// ProbeURL returns the URL that should actually be requested for handle.
func (s *Spec) ProbeURL(handle string) string {
	if s.ProbeURLTemplate != "" {
		return expand(s.ProbeURLTemplate, handle)
	}
	return s.ProfileURL(handle)
}

// Legal reports whether handle satisfies the site's legality pattern.
func (s *Spec) Legal(handle string) bool {
	return s.Legality == nil || s.Legality.MatchString(handle)
}

// Method returns the HTTP method to use. Pure status-code specs without an
// explicit override use HEAD so no body is transferred.
func (s *Spec) Method() string {
	if s.RequestMethod != "" {
		return strings.ToUpper(s.RequestMethod)
	}
	if s.Detection == StatusCode {
		return http.MethodHead
	}
	return http.MethodGet
}

// FollowRedirects reports whether the probe should follow redirects.
func (s *Spec) FollowRedirects() bool {
	return s.Detection != RedirectBehavior
}

// PayloadFor returns a copy of the request payload with every placeholder replaced by handle.
// It returns nil if the spec has no payload.
func (s *Spec) PayloadFor(handle string) any {
	if s.Payload == nil {
		return nil
	}
	return substitute(s.Payload, handle)
}

func substitute(v any, handle string) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, Placeholder, handle)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = substitute(val, handle)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = substitute(val, handle)
		}
		return out
	default:
		return t
	}
}

func expand(template, handle string) string {
	return strings.Replace(template, Placeholder, url.PathEscape(handle), 1)
}
