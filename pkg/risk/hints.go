package risk

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
)

// Placeholder in a keyword term is replaced with the handle.
const Placeholder = "{}"

// Keyword is a case-insensitive term searched for in the visible page text.
// The placeholder {} in Term is replaced with the handle being probed.
// When Absent is set the hint matches if the term does NOT appear.
type Keyword struct {
	Term   string  `yaml:"term" json:"term"`
	Weight float64 `yaml:"weight" json:"weight"`
	Label  string  `yaml:"label,omitempty" json:"label,omitempty"`
	Absent bool    `yaml:"absent,omitempty" json:"absent,omitempty"`
}

// Pattern is a regular expression matched against the raw response body.
type Pattern struct {
	Expr   string  `yaml:"pattern" json:"pattern"`
	Weight float64 `yaml:"weight" json:"weight"`
	Label  string  `yaml:"label,omitempty" json:"label,omitempty"`
}

// Selector is a CSS selector that matches if any element in the document satisfies it.
type Selector struct {
	Query  string  `yaml:"selector" json:"selector"`
	Weight float64 `yaml:"weight" json:"weight"`
	Label  string  `yaml:"label,omitempty" json:"label,omitempty"`
}

// Hints is the set of weighted signals detectors look for.
type Hints struct {
	Keywords  []Keyword  `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Patterns  []Pattern  `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Selectors []Selector `yaml:"selectors,omitempty" json:"selectors,omitempty"`
}

// Empty reports whether h carries no hints at all.
func (h Hints) Empty() bool {
	return len(h.Keywords) == 0 && len(h.Patterns) == 0 && len(h.Selectors) == 0
}

// Merge returns h overlaid with over. Entries with the same key (term, expression
// or selector) are replaced in place; new entries are appended. A weight of zero
// in over disables the inherited hint.
func (h Hints) Merge(over Hints) Hints {
	return Hints{
		Keywords:  mergeBy(h.Keywords, over.Keywords, func(k Keyword) string { return fmt.Sprintf("%t|%s", k.Absent, strings.ToLower(k.Term)) }),
		Patterns:  mergeBy(h.Patterns, over.Patterns, func(p Pattern) string { return p.Expr }),
		Selectors: mergeBy(h.Selectors, over.Selectors, func(s Selector) string { return s.Query }),
	}
}

func mergeBy[T any](base, over []T, key func(T) string) []T {
	if len(over) == 0 {
		return base
	}
	out := make([]T, len(base), len(base)+len(over))
	copy(out, base)
	index := make(map[string]int, len(out))
	for i, v := range out {
		index[key(v)] = i
	}
	for _, v := range over {
		k := key(v)
		if i, ok := index[k]; ok {
			out[i] = v
			continue
		}
		index[k] = len(out)
		out = append(out, v)
	}
	return out
}

// Validate checks that every pattern and selector compiles and every weight is in [0,1].
func (h Hints) Validate() error {
	var errs []error
	for _, k := range h.Keywords {
		if k.Term == "" {
			errs = append(errs, errors.New("keyword with empty term"))
		}
		errs = append(errs, checkWeight(k.Term, k.Weight))
	}
	for _, p := range h.Patterns {
		if _, err := compilePattern(p.Expr); err != nil {
			errs = append(errs, fmt.Errorf("pattern %q: %w", p.Expr, err))
		}
		errs = append(errs, checkWeight(p.Expr, p.Weight))
	}
	for _, s := range h.Selectors {
		if _, err := compileSelector(s.Query); err != nil {
			errs = append(errs, fmt.Errorf("selector %q: %w", s.Query, err))
		}
		errs = append(errs, checkWeight(s.Query, s.Weight))
	}
	return errors.Join(errs...)
}

func checkWeight(name string, w float64) error {
	if w < 0 || w > 1 {
		return fmt.Errorf("hint %q: weight %v outside [0,1]", name, w)
	}
	return nil
}

// Compiled expressions are shared across evaluations; hint sets are small and reused per site.
var (
	patternCache  sync.Map // map[string]*regexp.Regexp
	selectorCache sync.Map // map[string]cascadia.Selector
)

func compilePattern(expr string) (*regexp.Regexp, error) {
	if v, ok := patternCache.Load(expr); ok {
		if re, ok := v.(*regexp.Regexp); ok {
			return re, nil
		}
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	patternCache.Store(expr, re)
	return re, nil
}

func compileSelector(query string) (cascadia.Selector, error) {
	if v, ok := selectorCache.Load(query); ok {
		if sel, ok := v.(cascadia.Selector); ok {
			return sel, nil
		}
	}
	sel, err := cascadia.Compile(query)
	if err != nil {
		return nil, err
	}
	selectorCache.Store(query, sel)
	return sel, nil
}
