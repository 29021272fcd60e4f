package classifier

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/witlox/lacuna/pkg/config"
	"github.com/witlox/lacuna/pkg/domain"
)

// PII detectors. A hit is definitive: the operation touches data of the
// detected kind regardless of what any later stage thinks.
var piiPatterns = []struct {
	name    string
	tag     string
	pattern *regexp.Regexp
}{
	{"email", "EMAIL", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"ssn", "SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"phone", "PHONE", regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
	{"credit card", "CREDIT_CARD", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
	{"ip address", "IP_ADDRESS", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// PatternClassifier is the first cascade stage: deterministic regex and
// rule matching against the operation's identifiers and transformation
// text. It is cheap enough to run on every evaluation.
type PatternClassifier struct {
	rules func() config.RuleSet
}

// NewPatternClassifier builds the pattern stage. The rules function is
// called on every classification so a configuration reload takes effect
// without restarting the cascade.
func NewPatternClassifier(rules func() config.RuleSet) *PatternClassifier {
	if rules == nil {
		rules = func() config.RuleSet { return config.RuleSet{} }
	}
	return &PatternClassifier{rules: rules}
}

// Name implements Classifier.
func (p *PatternClassifier) Name() string { return "pattern" }

// Priority implements Classifier.
func (p *PatternClassifier) Priority() int { return PriorityPattern }

type patternMatch struct {
	tier   domain.Tier
	tag    string
	reason string
}

// Classify implements Classifier. It returns (nil, nil) when no pattern
// or rule matches.
func (p *PatternClassifier) Classify(_ context.Context, op domain.DataOperation) (*domain.Classification, error) {
	text := operationText(op)
	lower := strings.ToLower(text)
	rules := p.rules()

	var matches []patternMatch

	for _, pat := range piiPatterns {
		if pat.pattern.MatchString(text) {
			matches = append(matches, patternMatch{
				tier:   domain.TierProprietary,
				tag:    pat.tag,
				reason: fmt.Sprintf("%s pattern detected", pat.name),
			})
			matches = append(matches, patternMatch{tier: domain.TierProprietary, tag: "PII"})
		}
	}

	for tier, prefixes := range rules.PathPrefixes {
		for _, prefix := range prefixes {
			if hasIdentifierPrefix(op, prefix) {
				matches = append(matches, patternMatch{
					tier:   tier,
					reason: fmt.Sprintf("identifier prefix %q maps to %s", prefix, tier),
				})
			}
		}
	}
	for tier, terms := range rules.ColumnTerms {
		for _, term := range terms {
			if strings.Contains(lower, strings.ToLower(term)) {
				matches = append(matches, patternMatch{
					tier:   tier,
					tag:    strings.ToUpper(term),
					reason: fmt.Sprintf("sensitive column %q maps to %s", term, tier),
				})
			}
		}
	}
	for tier, terms := range rules.LiteralTerms {
		for _, term := range terms {
			if strings.Contains(lower, strings.ToLower(term)) {
				matches = append(matches, patternMatch{
					tier:   tier,
					reason: fmt.Sprintf("term %q maps to %s", term, tier),
				})
			}
		}
	}
	for _, project := range rules.ProprietaryProjects {
		if strings.EqualFold(op.Project, project) || strings.Contains(lower, strings.ToLower(project)) {
			matches = append(matches, patternMatch{
				tier:   domain.TierProprietary,
				reason: fmt.Sprintf("references proprietary project %q", project),
			})
		}
	}
	for _, customer := range rules.ProprietaryCustomers {
		if strings.Contains(lower, strings.ToLower(customer)) {
			matches = append(matches, patternMatch{
				tier:   domain.TierProprietary,
				tag:    "CUSTOMER",
				reason: fmt.Sprintf("references customer %q", customer),
			})
		}
	}

	if len(matches) == 0 {
		return nil, nil
	}

	tier := domain.TierUnclassified
	tags := domain.NewTagSet()
	reasons := make([]string, 0, len(matches))
	for _, m := range matches {
		tier = domain.MaxTier(tier, m.tier)
		tags.Add(m.tag)
		if m.reason != "" {
			reasons = append(reasons, m.reason)
		}
	}
	sort.Strings(reasons)

	c := domain.NewClassification(tier, 1.0, strings.Join(reasons, "; "), "pattern", tags)
	return &c, nil
}

// operationText joins every free-text surface of the operation that the
// pattern stage inspects.
func operationText(op domain.DataOperation) string {
	parts := make([]string, 0, len(op.Sources)+4)
	parts = append(parts, op.Sources...)
	if op.Destination != "" {
		parts = append(parts, op.Destination)
	}
	if op.Transform != "" {
		parts = append(parts, op.Transform)
	}
	if op.Purpose != "" {
		parts = append(parts, op.Purpose)
	}
	if op.Project != "" {
		parts = append(parts, op.Project)
	}
	return strings.Join(parts, "\n")
}

func hasIdentifierPrefix(op domain.DataOperation, prefix string) bool {
	lp := strings.ToLower(prefix)
	for _, src := range op.Sources {
		if strings.HasPrefix(strings.ToLower(src), lp) {
			return true
		}
	}
	return strings.HasPrefix(strings.ToLower(op.Destination), lp)
}
