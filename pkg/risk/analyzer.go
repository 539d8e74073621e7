// Package risk scores response bodies for signs that a CLAIMED verdict is not genuine.
package risk

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/codeGROOVE-dev/whereabouts/pkg/htmlutil"
	"github.com/codeGROOVE-dev/whereabouts/pkg/result"
)

// Match is one hint that fired during detection.
type Match struct {
	Label  string
	Signal result.Signal
}

// Detector inspects one response against the merged hints.
type Detector interface {
	Name() string
	// Detect returns the hints that fired. ok is false when no hint applies to this detector.
	Detect(in *Input) (matches []Match, ok bool)
}

// Input is one response under evaluation. Derived views are computed on first use.
type Input struct {
	Handle string
	Site   string
	Body   []byte
	Hints  Hints

	title   string
	text    string
	hasText bool
	doc     *goquery.Document
	docErr  error
	hasDoc  bool
}

// Text returns the lower-cased title and visible text of the body.
func (in *Input) Text() string {
	in.extract()
	return in.text
}

// Title returns the page title as written in the document.
func (in *Input) Title() string {
	in.extract()
	return in.title
}

func (in *Input) extract() {
	if in.hasText {
		return
	}
	in.title = htmlutil.Title(in.Body)
	in.text = strings.ToLower(strings.TrimSpace(in.title + " " + htmlutil.VisibleText(in.Body)))
	in.hasText = true
}

// Document returns the parsed body.
func (in *Input) Document() (*goquery.Document, error) {
	if !in.hasDoc {
		in.doc, in.docErr = goquery.NewDocumentFromReader(bytes.NewReader(in.Body))
		in.hasDoc = true
	}
	return in.doc, in.docErr
}

// Analyzer runs an ordered list of detectors and keeps the highest-scoring assessment.
type Analyzer struct {
	logger    *slog.Logger
	global    Hints
	cfg       Config
	detectors []Detector
}

// Option configures an Analyzer.
type Option func(*config)

type config struct {
	logger *slog.Logger
	model  *Model
	extra  []Detector
	cfg    Config
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithConfig sets the risk configuration. Without it DefaultConfig is used.
func WithConfig(cfg Config) Option {
	return func(c *config) { c.cfg = cfg }
}

// WithModel registers the learned detector with an already loaded model.
func WithModel(m *Model) Option {
	return func(c *config) { c.model = m }
}

// WithDetectors appends detectors after the built-in ones.
func WithDetectors(ds ...Detector) Option {
	return func(c *config) { c.extra = append(c.extra, ds...) }
}

// New creates an Analyzer. The learned detector is included only when a model
// is supplied or the configured model file loads.
func New(opts ...Option) *Analyzer {
	cfg := &config{logger: slog.Default(), cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(cfg)
	}

	a := &Analyzer{
		logger:    cfg.logger,
		cfg:       cfg.cfg,
		global:    GlobalDefaults().Merge(cfg.cfg.Global),
		detectors: []Detector{keywordDetector{}, patternDetector{}, markupDetector{}},
	}

	m := cfg.model
	if m == nil && cfg.cfg.Model != "" {
		loaded, err := LoadModel(cfg.cfg.Model)
		if err != nil {
			a.logger.Warn("learned detector disabled", "model", cfg.cfg.Model, "error", err)
		} else {
			m = loaded
		}
	}
	if m != nil {
		a.detectors = append(a.detectors, &modelDetector{model: m})
	}
	a.detectors = append(a.detectors, cfg.extra...)
	return a
}

// Detectors returns the names of the active detectors in evaluation order.
func (a *Analyzer) Detectors() []string {
	names := make([]string, len(a.detectors))
	for i, d := range a.detectors {
		names[i] = d.Name()
	}
	return names
}

// Config returns the configuration the analyzer was built with.
func (a *Analyzer) Config() Config { return a.cfg }

// HintsFor merges, in increasing precedence, the global hints, the built-in hints
// for site, the manifest metadata and the configured override for site.
func (a *Analyzer) HintsFor(site string, meta Hints) Hints {
	h := a.global.Merge(SiteDefaults(site)).Merge(meta)
	if sc, ok := a.cfg.site(site); ok {
		h = h.Merge(sc.Hints)
	}
	return h
}

// Threshold returns the score an assessment for site must reach to keep its label.
func (a *Analyzer) Threshold(site string) float64 {
	if sc, ok := a.cfg.site(site); ok && sc.Threshold != nil {
		return *sc.Threshold
	}
	return a.cfg.Threshold
}

// Evaluate scores body for site. It returns nil when no detector had applicable hints.
func (a *Analyzer) Evaluate(handle, site string, body []byte, meta Hints) *result.Assessment {
	in := &Input{Handle: handle, Site: site, Body: body, Hints: a.HintsFor(site, meta)}
	threshold := a.Threshold(site)

	var best *result.Assessment
	for _, d := range a.detectors {
		matches, ok := d.Detect(in)
		if !ok {
			continue
		}
		as := a.assess(d.Name(), matches, threshold)
		a.logger.Debug("risk detector", "site", site, "detector", d.Name(), "score", as.Score, "label", as.Label)
		if best == nil || as.Score > best.Score {
			best = as
		}
	}
	return best
}

// Downgrades reports whether as is strong enough evidence to demote a CLAIMED verdict for site.
func (a *Analyzer) Downgrades(site string, as *result.Assessment) bool {
	if as == nil || !as.HasSignals {
		return false
	}
	return as.Score >= a.Threshold(site) && a.cfg.Downgrades(as.Label)
}

func (a *Analyzer) assess(detector string, matches []Match, threshold float64) *result.Assessment {
	as := &result.Assessment{Detector: detector, Label: a.defaultLabel()}
	var sum, strongest float64
	var label string
	for _, m := range matches {
		w := m.Signal.Weight
		if w <= 0 {
			continue
		}
		as.Signals = append(as.Signals, m.Signal)
		sum += w
		if w > strongest {
			strongest = w
			label = m.Label
		}
	}
	as.HasSignals = len(as.Signals) > 0
	as.Score = clamp(sum)
	as.Confidence = clamp(0.6*strongest + 0.4*as.Score)

	if as.HasSignals && as.Score >= threshold {
		if label == "" {
			label = a.cfg.Label
		}
		if label == "" {
			label = FallbackLabel
		}
		as.Label = label
	}
	return as
}

func (a *Analyzer) defaultLabel() string {
	if a.cfg.DefaultLabel != "" {
		return a.cfg.DefaultLabel
	}
	return DefaultLabel
}

func clamp(v float64) float64 {
	return min(max(v, 0), 1)
}
