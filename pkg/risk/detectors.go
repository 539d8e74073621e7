package risk

import (
	"fmt"
	"strings"

	"github.com/codeGROOVE-dev/whereabouts/pkg/htmlutil"
	"github.com/codeGROOVE-dev/whereabouts/pkg/result"
)

// genericTitleWeight is the weight of a bare error title such as "Error".
const genericTitleWeight = 0.3

// keywordDetector searches the visible text for keyword hints and flags bare error titles.
type keywordDetector struct{}

func (keywordDetector) Name() string { return "keyword" }

func (keywordDetector) Detect(in *Input) ([]Match, bool) {
	var matches []Match
	applicable := false
	for _, k := range in.Hints.Keywords {
		if k.Weight <= 0 || k.Term == "" {
			continue
		}
		applicable = true
		term := strings.ToLower(strings.ReplaceAll(k.Term, Placeholder, in.Handle))
		found := strings.Contains(in.Text(), term)
		if found == k.Absent {
			continue
		}
		msg := fmt.Sprintf("found %q", term)
		if k.Absent {
			msg = fmt.Sprintf("missing %q", term)
		}
		matches = append(matches, Match{
			Label:  k.Label,
			Signal: result.Signal{Source: "keyword", Message: msg, Weight: k.Weight},
		})
	}
	if title := in.Title(); applicable && title != "" && htmlutil.IsGenericTitle(title) {
		matches = append(matches, Match{
			Label:  LabelFalsePositive,
			Signal: result.Signal{Source: "keyword", Message: fmt.Sprintf("generic title %q", strings.TrimSpace(title)), Weight: genericTitleWeight},
		})
	}
	return matches, applicable
}

// patternDetector matches regular expression hints against the raw body.
type patternDetector struct{}

func (patternDetector) Name() string { return "pattern" }

func (patternDetector) Detect(in *Input) ([]Match, bool) {
	var matches []Match
	applicable := false
	for _, p := range in.Hints.Patterns {
		if p.Weight <= 0 {
			continue
		}
		re, err := compilePattern(p.Expr)
		if err != nil {
			continue
		}
		applicable = true
		if loc := re.FindIndex(in.Body); loc != nil {
			matches = append(matches, Match{
				Label:  p.Label,
				Signal: result.Signal{Source: "pattern", Message: fmt.Sprintf("matched %q at offset %d", p.Expr, loc[0]), Weight: p.Weight},
			})
		}
	}
	return matches, applicable
}

// markupDetector evaluates CSS selector hints against the parsed document.
type markupDetector struct{}

func (markupDetector) Name() string { return "markup" }

func (markupDetector) Detect(in *Input) ([]Match, bool) {
	if len(in.Hints.Selectors) == 0 {
		return nil, false
	}
	doc, err := in.Document()
	if err != nil {
		return nil, false
	}

	var matches []Match
	applicable := false
	for _, s := range in.Hints.Selectors {
		if s.Weight <= 0 {
			continue
		}
		sel, err := compileSelector(s.Query)
		if err != nil {
			continue
		}
		applicable = true
		if n := doc.FindMatcher(sel).Length(); n > 0 {
			matches = append(matches, Match{
				Label:  s.Label,
				Signal: result.Signal{Source: "markup", Message: fmt.Sprintf("selector %q matched %d elements", s.Query, n), Weight: s.Weight},
			})
		}
	}
	return matches, applicable
}
