// Package filter decides keep/drop for candidate items against cascaded
// filter criteria. Evaluation is a pure function of the item and the
// effective criteria; nothing here has side effects.
package filter

// Criteria describes a keep/drop policy. Scalar thresholds use pointers so
// "unset" and "zero" stay distinguishable; an unset check is vacuously
// satisfied.
type Criteria struct {
	MaxAgeDays       *int `yaml:"max_age_days" json:"max_age_days,omitempty"`
	MinScore         *int `yaml:"min_score" json:"min_score,omitempty"`
	MinAnswers       *int `yaml:"min_answers" json:"min_answers,omitempty"`
	MinContentLength *int `yaml:"min_content_length" json:"min_content_length,omitempty"`

	// Keyword sets hold glob patterns: * matches any run of characters,
	// ? exactly one. Matching is case-insensitive.
	IncludeKeywords []string `yaml:"include_keywords" json:"include_keywords,omitempty"`
	ExcludeKeywords []string `yaml:"exclude_keywords" json:"exclude_keywords,omitempty"`

	// Tag sets hold exact tags.
	RequiredTags []string `yaml:"required_tags" json:"required_tags,omitempty"`
	ExcludedTags []string `yaml:"excluded_tags" json:"excluded_tags,omitempty"`
}

// Merge produces the effective criteria from a global default and a
// per-source override. Set-valued fields are unioned, so both the global and
// the local constraint apply. Scalar thresholds are replaced when the
// override sets them, inherited otherwise.
func Merge(def, override Criteria) Criteria {
	out := Criteria{
		MaxAgeDays:       pickScalar(def.MaxAgeDays, override.MaxAgeDays),
		MinScore:         pickScalar(def.MinScore, override.MinScore),
		MinAnswers:       pickScalar(def.MinAnswers, override.MinAnswers),
		MinContentLength: pickScalar(def.MinContentLength, override.MinContentLength),
		IncludeKeywords:  unionStrings(def.IncludeKeywords, override.IncludeKeywords),
		ExcludeKeywords:  unionStrings(def.ExcludeKeywords, override.ExcludeKeywords),
		RequiredTags:     unionStrings(def.RequiredTags, override.RequiredTags),
		ExcludedTags:     unionStrings(def.ExcludedTags, override.ExcludedTags),
	}
	return out
}

func pickScalar(def, override *int) *int {
	if override != nil {
		v := *override
		return &v
	}
	if def != nil {
		v := *def
		return &v
	}
	return nil
}

// unionStrings merges two sets preserving first-seen order, dropping
// duplicates and blanks.
func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
