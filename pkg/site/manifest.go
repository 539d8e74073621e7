package site

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codeGROOVE-dev/whereabouts/pkg/risk"
)

// ErrInvalidSpec is returned for manifest records that fail validation.
var ErrInvalidSpec = errors.New("invalid site spec")

// Manifest is a keyed collection of probe specs.
type Manifest struct {
	Sites   map[string]*Spec
	Skipped map[string]error // records rejected while loading, by name
}

// record mirrors the on-disk manifest shape. JSON manifests parse as YAML.
//
//nolint:govet,tagliatelle // field names follow the published manifest format
type record struct {
	URL            string            `yaml:"url"`
	URLMain        string            `yaml:"urlMain"`
	URLProbe       string            `yaml:"urlProbe"`
	ErrorType      string            `yaml:"errorType"`
	ErrorMsg       stringList        `yaml:"errorMsg"`
	ErrorCode      intList           `yaml:"errorCode"`
	RegexCheck     string            `yaml:"regexCheck"`
	RequestMethod  string            `yaml:"request_method"`
	RequestPayload any               `yaml:"request_payload"`
	Headers        map[string]string `yaml:"headers"`
	IsNSFW         bool              `yaml:"isNSFW"`
	Claimed        string            `yaml:"username_claimed"`
	Risk           risk.Hints        `yaml:"risk"`
}

// stringList accepts either a scalar string or a sequence of strings.
type stringList []string

func (l *stringList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*l = stringList{n.Value}
		return nil
	}
	var s []string
	if err := n.Decode(&s); err != nil {
		return err
	}
	*l = s
	return nil
}

// intList accepts either a scalar integer or a sequence of integers.
type intList []int

func (l *intList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var v int
		if err := n.Decode(&v); err != nil {
			return err
		}
		*l = intList{v}
		return nil
	}
	var s []int
	if err := n.Decode(&s); err != nil {
		return err
	}
	*l = s
	return nil
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes manifest data. Records that fail validation are left out
// of Sites and reported in Skipped; only a malformed document is an error.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	m := &Manifest{
		Sites:   make(map[string]*Spec, len(raw)),
		Skipped: make(map[string]error),
	}
	for name, node := range raw {
		if strings.HasPrefix(name, "$") {
			continue // $schema and friends
		}
		var r record
		if err := node.Decode(&r); err != nil {
			m.Skipped[name] = fmt.Errorf("%w: %w", ErrInvalidSpec, err)
			continue
		}
		spec, err := r.spec(name)
		if err != nil {
			m.Skipped[name] = err
			continue
		}
		m.Sites[name] = spec
	}
	return m, nil
}

func (r *record) spec(name string) (*Spec, error) {
	method, err := ParseDetectionMethod(r.ErrorType)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSpec, name, err)
	}
	s := &Spec{
		Name:               name,
		HomeURL:            r.URLMain,
		ProfileURLTemplate: r.URL,
		ProbeURLTemplate:   r.URLProbe,
		Detection:          method,
		AvailableCodes:     r.ErrorCode,
		AvailableMessages:  r.ErrorMsg,
		RequestMethod:      r.RequestMethod,
		Headers:            r.Headers,
		Payload:            r.RequestPayload,
		Sensitive:          r.IsNSFW,
		ClaimedExample:     r.Claimed,
		Risk:               r.Risk,
	}
	if r.RegexCheck != "" {
		re, err := regexp.Compile(r.RegexCheck)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: regexCheck: %w", ErrInvalidSpec, name, err)
		}
		s.Legality = re
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the invariants every spec must satisfy.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSpec)
	}
	if n := strings.Count(s.ProfileURLTemplate, Placeholder); n != 1 {
		return fmt.Errorf("%w: %s: url has %d placeholders, want 1", ErrInvalidSpec, s.Name, n)
	}
	if s.ProbeURLTemplate != "" {
		if n := strings.Count(s.ProbeURLTemplate, Placeholder); n != 1 {
			return fmt.Errorf("%w: %s: urlProbe has %d placeholders, want 1", ErrInvalidSpec, s.Name, n)
		}
	}
	switch s.Detection {
	case StatusCode:
	case Message:
		if len(s.AvailableMessages) == 0 || slices.Contains(s.AvailableMessages, "") {
			return fmt.Errorf("%w: %s: message detection requires errorMsg", ErrInvalidSpec, s.Name)
		}
	case RedirectBehavior:
	default:
		return fmt.Errorf("%w: %s: unsupported detection method %s", ErrInvalidSpec, s.Name, s.Detection)
	}
	if err := s.Risk.Validate(); err != nil {
		return fmt.Errorf("%w: %s: risk hints: %w", ErrInvalidSpec, s.Name, err)
	}
	return nil
}

// Names returns the sorted site names in the manifest.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Sites))
	for name := range m.Sites {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Filter returns the subset of sites to probe. An empty names list selects every
// site; names match case-insensitively. Sensitive sites are dropped unless
// includeSensitive is set or the site was requested by name.
func (m *Manifest) Filter(names []string, includeSensitive bool) map[string]*Spec {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.ToLower(n)] = true
	}

	out := make(map[string]*Spec)
	for name, spec := range m.Sites {
		requested := wanted[strings.ToLower(name)]
		if len(wanted) > 0 && !requested {
			continue
		}
		if spec.Sensitive && !includeSensitive && !requested {
			continue
		}
		out[name] = spec
	}
	return out
}
