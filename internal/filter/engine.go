package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hpungsan/gather/internal/errors"
	"github.com/hpungsan/gather/internal/item"
)

// Decision is the outcome of one evaluation. Reason is empty for kept items
// and names the failing check otherwise, so drops are loggable.
type Decision struct {
	Keep   bool
	Reason string
}

func keep() Decision              { return Decision{Keep: true} }
func drop(reason string) Decision { return Decision{Reason: reason} }

// pattern is one compiled keyword glob, keeping the raw form for reasons.
type pattern struct {
	raw string
	re  *regexp.Regexp
}

// Engine is a compiled, immutable evaluator for one effective Criteria.
// Compile once per source at run start; Evaluate is safe for reuse.
type Engine struct {
	criteria Criteria
	include  []pattern
	exclude  []pattern

	// now is injectable so age checks are reproducible in tests.
	now func() time.Time
}

// Compile pre-builds the keyword matchers for the given criteria.
func Compile(c Criteria) (*Engine, error) {
	include, err := compilePatterns(c.IncludeKeywords)
	if err != nil {
		return nil, err
	}
	exclude, err := compilePatterns(c.ExcludeKeywords)
	if err != nil {
		return nil, err
	}
	return &Engine{criteria: c, include: include, exclude: exclude, now: time.Now}, nil
}

func compilePatterns(globs []string) ([]pattern, error) {
	out := make([]pattern, 0, len(globs))
	for _, g := range globs {
		re, err := globToRegexp(strings.ToLower(g))
		if err != nil {
			return nil, errors.NewConfigf("invalid keyword pattern %q: %v", g, err)
		}
		out = append(out, pattern{raw: g, re: re})
	}
	return out, nil
}

// globToRegexp translates a keyword glob into an unanchored regexp.
// Anchoring policy is substring containment: a pattern matches when it
// matches anywhere inside the haystack, so "draft*" also matches
// "drafting later". Filesystem glob libraries are not used here; their *
// refuses to cross path separators, which is wrong for free text
// containing URLs.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?s)")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return regexp.Compile(b.String())
}

// Evaluate runs the fixed check order (age, numeric thresholds, tags,
// keywords), short-circuiting on the first failure. An item is kept only
// if it survives every configured check.
func (e *Engine) Evaluate(it item.CandidateItem) Decision {
	if d := e.checkAge(it); !d.Keep {
		return d
	}
	if d := e.checkNumeric(it); !d.Keep {
		return d
	}
	if d := e.checkTags(it); !d.Keep {
		return d
	}
	return e.checkKeywords(it)
}

func (e *Engine) checkAge(it item.CandidateItem) Decision {
	maxAge := e.criteria.MaxAgeDays
	if maxAge == nil {
		return keep()
	}
	// Items with no upstream timestamp pass the age check by definition.
	if it.CreatedAt == nil {
		return keep()
	}
	cutoff := e.now().UTC().AddDate(0, 0, -*maxAge)
	if it.CreatedAt.UTC().Before(cutoff) {
		return drop(fmt.Sprintf("older than max_age_days=%d", *maxAge))
	}
	return keep()
}

func (e *Engine) checkNumeric(it item.CandidateItem) Decision {
	// Threshold checks apply only when the source declared the signal;
	// an undeclared signal is not a zero.
	if min := e.criteria.MinScore; min != nil {
		if score, ok := it.Signal(item.SignalScore); ok && score < float64(*min) {
			return drop(fmt.Sprintf("score %.0f below min_score=%d", score, *min))
		}
	}
	if min := e.criteria.MinAnswers; min != nil {
		if answers, ok := it.Signal(item.SignalAnswers); ok && answers < float64(*min) {
			return drop(fmt.Sprintf("answers %.0f below min_answers=%d", answers, *min))
		}
	}
	if min := e.criteria.MinContentLength; min != nil {
		length := utf8.RuneCountInString(it.Body)
		if length < *min {
			return drop(fmt.Sprintf("content length %d below min_content_length=%d", length, *min))
		}
	}
	return keep()
}

func (e *Engine) checkTags(it item.CandidateItem) Decision {
	if len(e.criteria.RequiredTags) > 0 {
		found := false
		for _, tag := range e.criteria.RequiredTags {
			if it.HasTag(tag) {
				found = true
				break
			}
		}
		if !found {
			return drop(fmt.Sprintf("carries none of required_tags %v", e.criteria.RequiredTags))
		}
	}
	for _, tag := range e.criteria.ExcludedTags {
		if it.HasTag(tag) {
			return drop(fmt.Sprintf("carries excluded tag %q", tag))
		}
	}
	return keep()
}

func (e *Engine) checkKeywords(it item.CandidateItem) Decision {
	if len(e.include) == 0 && len(e.exclude) == 0 {
		return keep()
	}

	haystack := Haystack(it.Title, it.Body)

	if len(e.include) > 0 {
		matched := false
		for _, p := range e.include {
			if p.re.MatchString(haystack) {
				matched = true
				break
			}
		}
		if !matched {
			return drop("no include keyword matched")
		}
	}

	for _, p := range e.exclude {
		if p.re.MatchString(haystack) {
			return drop(fmt.Sprintf("matched exclude keyword %q", p.raw))
		}
	}

	return keep()
}
