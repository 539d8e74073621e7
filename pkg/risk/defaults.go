package risk

import (
	"strings"

	"github.com/codeGROOVE-dev/whereabouts/pkg/htmlutil"
)

// Built-in labels.
const (
	LabelFalsePositive = "false_positive"
	LabelLoginWall     = "login_wall"
	LabelSoftRedirect  = "soft_redirect"
)

// GlobalDefaults returns the hints applied to every site.
func GlobalDefaults() Hints {
	h := Hints{
		Keywords: []Keyword{
			{Term: Placeholder, Weight: 0.3, Label: LabelFalsePositive, Absent: true},
			{Term: "sign in to continue", Weight: 0.4, Label: LabelLoginWall},
			{Term: "log in to see", Weight: 0.4, Label: LabelLoginWall},
		},
		Patterns: []Pattern{
			{Expr: `(?i)(?:window|document)\.location(?:\.href)?\s*=\s*["'][^"']+["']`, Weight: 0.3, Label: LabelSoftRedirect},
			{Expr: `(?i)location\.replace\s*\(\s*["'][^"']+["']\s*\)`, Weight: 0.3, Label: LabelSoftRedirect},
		},
		Selectors: []Selector{
			{Query: `meta[http-equiv="refresh"], meta[http-equiv="Refresh"]`, Weight: 0.4, Label: LabelSoftRedirect},
			{Query: `form input[type="password"]`, Weight: 0.3, Label: LabelLoginWall},
		},
	}
	for _, p := range htmlutil.NotFoundPhrases {
		h.Keywords = append(h.Keywords, Keyword{Term: p, Weight: 0.6, Label: LabelFalsePositive})
	}
	return h
}

// siteDefaults holds built-in hints for sites known to answer 200 on missing or gated profiles.
// Keys are lower-case site names.
var siteDefaults = map[string]Hints{
	"instagram": {Keywords: []Keyword{
		{Term: "login • instagram", Weight: 0.6, Label: LabelLoginWall},
		{Term: "sorry, this page isn't available", Weight: 0.8, Label: LabelFalsePositive},
	}},
	"facebook": {Keywords: []Keyword{
		{Term: "log into facebook", Weight: 0.6, Label: LabelLoginWall},
		{Term: "this content isn't available", Weight: 0.8, Label: LabelFalsePositive},
	}},
	"tiktok": {Keywords: []Keyword{
		{Term: "couldn't find this account", Weight: 0.8, Label: LabelFalsePositive},
	}},
	"twitter": {Keywords: []Keyword{
		{Term: "this account doesn't exist", Weight: 0.8, Label: LabelFalsePositive},
	}},
	"linkedin": {Selectors: []Selector{
		{Query: `form.join-form, a[href*="authwall"]`, Weight: 0.6, Label: LabelLoginWall},
	}},
	"reddit": {Keywords: []Keyword{
		{Term: "sorry, nobody on reddit goes by that name", Weight: 0.9, Label: LabelFalsePositive},
	}},
}

// SiteDefaults returns the built-in hints for site.
func SiteDefaults(site string) Hints {
	return siteDefaults[strings.ToLower(site)]
}
