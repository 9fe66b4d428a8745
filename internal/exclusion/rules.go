package exclusion

import (
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/width"
)

// RuleSet is the operator-configured blocklist applied before any AI
// call. The pipeline holds a read-only snapshot for the whole run.
type RuleSet struct {
	// Keywords are chain-brand names matched case-insensitively as
	// substrings against the listing name and website URL.
	Keywords []string `yaml:"keywords" json:"keywords"`
	// Domains are affiliate/ad-network registrable domains matched
	// against the website host.
	Domains []string `yaml:"domains" json:"domains"`
	// ExcludeSponsored drops listings flagged as sponsored placements.
	ExcludeSponsored bool `yaml:"exclude_sponsored" json:"exclude_sponsored"`
}

// Validate rejects rule sets that would silently match nothing or
// everything: blank entries and a bare "." domain are configuration
// mistakes, not rules.
func (r RuleSet) Validate() error {
	for _, k := range r.Keywords {
		if strings.TrimSpace(k) == "" {
			return eris.New("exclusion: blank keyword in rule set")
		}
	}
	for _, d := range r.Domains {
		d = strings.TrimSpace(d)
		if d == "" || d == "." {
			return eris.New("exclusion: blank domain in rule set")
		}
		if strings.ContainsAny(d, " /") {
			return eris.Errorf("exclusion: %q is not a bare domain", d)
		}
	}
	return nil
}

// Clone returns an independent copy, so a snapshot taken at run start
// cannot observe later settings mutations.
func (r RuleSet) Clone() RuleSet {
	out := RuleSet{ExcludeSponsored: r.ExcludeSponsored}
	out.Keywords = append(out.Keywords, r.Keywords...)
	out.Domains = append(out.Domains, r.Domains...)
	return out
}

// normalize lowercases and folds full-width characters to half-width so
// that "ＡＧＡ" and "aga" compare equal.
func normalize(s string) string {
	return strings.ToLower(width.Fold.String(s))
}
