package risk

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
	"unicode"

	"github.com/abadojack/whatlanggo"
	"gopkg.in/yaml.v3"

	"github.com/codeGROOVE-dev/whereabouts/pkg/result"
)

// undetermined is the language key used when no model exists for the detected language.
const undetermined = "und"

// LanguageModel holds per-token log-odds for one language.
type LanguageModel struct {
	Tokens map[string]float64 `yaml:"tokens" json:"tokens"`
	Bias   float64            `yaml:"bias" json:"bias"`
}

// Model is a bag-of-words logistic model keyed by ISO 639-3 language code.
type Model struct {
	Languages map[string]LanguageModel `yaml:"languages" json:"languages"`
	Label     string                   `yaml:"label" json:"label"`
	Bias      float64                  `yaml:"bias" json:"bias"`
}

// LoadModel reads a YAML or JSON model file.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return ParseModel(data)
}

// ParseModel decodes a model document.
func ParseModel(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if len(m.Languages) == 0 {
		return nil, errors.New("model has no languages")
	}
	if m.Label == "" {
		m.Label = LabelFalsePositive
	}
	return &m, nil
}

// Probability returns the model's probability for text in the given language,
// and the tokens that contributed most.
func (m *Model) Probability(lang, text string) (p float64, top []string, ok bool) {
	lm, ok := m.Languages[lang]
	if !ok {
		lm, ok = m.Languages[undetermined]
	}
	if !ok {
		return 0, nil, false
	}

	type contrib struct {
		token  string
		weight float64
	}
	var contribs []contrib
	logit := m.Bias + lm.Bias
	for _, tok := range tokenize(text) {
		if w, found := lm.Tokens[tok]; found {
			logit += w
			contribs = append(contribs, contrib{tok, w})
		}
	}
	slices.SortFunc(contribs, func(a, b contrib) int {
		return cmp.Or(cmp.Compare(math.Abs(b.weight), math.Abs(a.weight)), strings.Compare(a.token, b.token))
	})
	for i := 0; i < len(contribs) && i < 3; i++ {
		top = append(top, contribs[i].token)
	}
	return 1 / (1 + math.Exp(-logit)), top, true
}

// tokenize returns the distinct lower-case words of text in first-seen order.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	seen := make(map[string]bool, len(words))
	out := words[:0]
	for _, w := range words {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

// modelDetector scores the visible text with a learned model.
type modelDetector struct {
	model *Model
}

func (*modelDetector) Name() string { return "model" }

func (d *modelDetector) Detect(in *Input) ([]Match, bool) {
	text := in.Text()
	if text == "" {
		return nil, false
	}
	lang := whatlanggo.Detect(text).Lang.Iso6393()
	p, top, ok := d.model.Probability(lang, text)
	if !ok {
		return nil, false
	}
	msg := fmt.Sprintf("%s p=%.2f", lang, p)
	if len(top) > 0 {
		msg += " via " + strings.Join(top, ", ")
	}
	return []Match{{
		Label:  d.model.Label,
		Signal: result.Signal{Source: "model", Message: msg, Weight: p},
	}}, true
}
