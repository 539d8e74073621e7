// Package htmlutil extracts readable text from probe response bodies.
package htmlutil

import (
	"bytes"
	"html"
	"regexp"
	"strings"

	xhtml "golang.org/x/net/html"
)

// skipped elements never contribute visible text.
var skipped = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"head":     true,
	"svg":      true,
}

// VisibleText returns the whitespace-collapsed text a reader would see in body.
// Bodies that are not HTML are returned with whitespace collapsed.
func VisibleText(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	doc, err := xhtml.Parse(bytes.NewReader(body))
	if err != nil {
		return collapse(string(body))
	}

	var sb strings.Builder
	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.ElementNode && skipped[n.Data] {
			return
		}
		if n.Type == xhtml.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return collapse(sb.String())
}

// Title extracts the document title, falling back to og:title and the first h1.
func Title(body []byte) string {
	s := string(body)
	for _, p := range []*regexp.Regexp{titlePattern, ogTitlePattern, firstH1Pattern} {
		if m := p.FindStringSubmatch(s); len(m) > 1 {
			return strings.TrimSpace(html.UnescapeString(m[1]))
		}
	}
	return ""
}

var (
	multiSpacePattern = regexp.MustCompile(`\s+`)
	titlePattern      = regexp.MustCompile(`(?i)<title[^>]*>([^<]+)</title>`)
	ogTitlePattern    = regexp.MustCompile(`(?i)<meta[^>]+property=["']og:title["'][^>]+content=["']([^"']+)["']`)
	firstH1Pattern    = regexp.MustCompile(`(?i)<h1[^>]*>([^<]+)</h1>`)
)

func collapse(s string) string {
	return strings.TrimSpace(multiSpacePattern.ReplaceAllString(s, " "))
}

// NotFoundPhrases are lower-case phrases that sites commonly show on a missing profile
// while still answering 200.
var NotFoundPhrases = []string{
	"404 not found",
	"page not found",
	"error 404",
	"the page you requested cannot be found",
	"user not found",
	"profile not found",
	"this account has been suspended",
	"account not found",
	"could not find this user",
	"user does not exist",
	"no user found",
	"no such user",
	"invalid user",
	"requested user was not found",
	"the user you are looking for does not exist",
	"this page doesn't exist",
	"couldn't find that page",
	"no user was found",
	"member not found",
	"this profile is not available",
}

// IsGenericTitle reports whether title is a bare error or site title rather than a profile title.
func IsGenericTitle(title string) bool {
	lower := strings.TrimSpace(strings.ToLower(title))
	switch lower {
	case "", "error", "error 404", "404", "404 not found", "page not found", "not found":
		return true
	}
	return false
}
