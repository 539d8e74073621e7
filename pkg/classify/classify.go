// Package classify turns a probe outcome into a verdict.
//
// Classify is a pure function: the same spec and outcome always produce the same verdict.
package classify

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"syscall"

	"github.com/codeGROOVE-dev/whereabouts/pkg/fetch"
	"github.com/codeGROOVE-dev/whereabouts/pkg/result"
	"github.com/codeGROOVE-dev/whereabouts/pkg/site"
)

// Classify maps a spec and the outcome of its probe to a result.
// The first matching rule wins:
//
//  1. transport failure: ERROR with a categorized cause
//  2. bot-mitigation fingerprint in the body: WAF_BLOCKED
//  3. the spec's detection method decides CLAIMED or AVAILABLE
//  4. an unrecognized detection method: UNKNOWN
func Classify(spec *site.Spec, out *fetch.Outcome) *result.Result {
	r := &result.Result{Site: spec.Name}
	if out == nil {
		out = &fetch.Outcome{Err: errors.New("no outcome recorded")}
	}
	r.Elapsed = out.Elapsed

	if out.Err != nil || out.Response == nil {
		err := out.Err
		if err == nil {
			err = errors.New("empty response")
		}
		kind := Categorize(err)
		r.Verdict = result.Error
		r.Kind = kind
		r.Err = fmt.Errorf("%w: %w", kind.Sentinel(), err)
		r.Context = fmt.Sprintf("%s: %v", kind, err)
		return r
	}

	resp := out.Response
	r.HTTPStatus = resp.StatusCode
	r.Body = resp.Body

	if fp, ok := MatchFingerprint(resp.Body); ok {
		r.Verdict = result.WAFBlocked
		r.Err = result.ErrWAFBlocked
		r.Context = "blocked by " + fp.Vendor
		return r
	}

	switch spec.Detection {
	case site.StatusCode:
		r.Verdict = byStatus(spec, resp.StatusCode)
	case site.Message:
		r.Verdict = byMessage(spec, resp.Body)
	case site.RedirectBehavior:
		r.Verdict = byFirstHop(resp.StatusCode)
	default:
		r.Verdict = result.Unknown
		r.Err = result.ErrUnclassifiable
		r.Context = "unrecognized detection method " + spec.Detection.String()
	}
	return r
}

func byStatus(spec *site.Spec, status int) result.Verdict {
	if slices.Contains(spec.AvailableCodes, status) {
		return result.Available
	}
	if status >= 200 && status < 300 {
		return result.Claimed
	}
	return result.Available
}

func byMessage(spec *site.Spec, body []byte) result.Verdict {
	for _, msg := range spec.AvailableMessages {
		if msg != "" && bytes.Contains(body, []byte(msg)) {
			return result.Available
		}
	}
	return result.Claimed
}

// byFirstHop expects redirects to have been suppressed, so status is the first hop's.
func byFirstHop(status int) result.Verdict {
	if status >= 200 && status < 300 {
		return result.Claimed
	}
	return result.Available
}

// Categorize assigns a transport error to one of the error kinds.
func Categorize(err error) result.ErrorKind {
	if err == nil {
		return result.KindNone
	}
	if errors.Is(err, fetch.ErrDecode) {
		return result.KindDecodeFailed
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && isProxyOp(opErr.Op) {
		return result.KindProxyFailed
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return result.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return result.KindTimeout
	}

	var dnsErr *net.DNSError
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	switch {
	case errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.As(err, &certErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return result.KindConnectionFailed
	}
	return result.KindUnknown
}

func isProxyOp(op string) bool {
	return strings.HasPrefix(op, "proxyconnect") || strings.HasPrefix(op, "socks")
}
