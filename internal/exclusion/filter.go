package exclusion

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/medleads/clinic-scout/internal/model"
)

// Rule identifiers carried on excluded candidates.
const (
	RuleKeyword   = "keyword"
	RuleDomain    = "domain"
	RuleSponsored = "sponsored"
)

// Filter partitions candidates into kept and excluded. It is pure: the
// decision for a candidate depends only on that candidate and the rule
// set, any single matching rule is sufficient to exclude, and the two
// result sets always partition the input.
func Filter(candidates []model.Clinic, rules RuleSet) (kept []model.Clinic, excluded []model.ExcludedClinic) {
	for _, c := range candidates {
		if rule, reason, ok := Match(c, rules); ok {
			excluded = append(excluded, model.ExcludedClinic{Clinic: c, Rule: rule, Reason: reason})
			continue
		}
		kept = append(kept, c)
	}

	if len(excluded) > 0 {
		zap.L().Info("exclusion: filtered candidates",
			zap.Int("input", len(candidates)),
			zap.Int("kept", len(kept)),
			zap.Int("excluded", len(excluded)),
		)
	}
	return kept, excluded
}

// Match reports the first rule that disqualifies the candidate. Rule
// types combine with OR; there is no partial-match scoring.
func Match(c model.Clinic, rules RuleSet) (rule, reason string, ok bool) {
	if rules.ExcludeSponsored && c.Sponsored {
		return RuleSponsored, "sponsored placement", true
	}

	name := normalize(c.Name)
	site := normalize(c.URL)
	for _, kw := range rules.Keywords {
		k := normalize(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		if strings.Contains(name, k) {
			return RuleKeyword, fmt.Sprintf("name matches %q", kw), true
		}
		if site != "" && strings.Contains(site, k) {
			return RuleKeyword, fmt.Sprintf("website matches %q", kw), true
		}
	}

	if host := hostOf(c.URL); host != "" {
		for _, d := range rules.Domains {
			d = normalize(strings.TrimSpace(d))
			if d == "" {
				continue
			}
			if host == d || strings.HasSuffix(host, "."+d) {
				return RuleDomain, fmt.Sprintf("domain matches %q", d), true
			}
		}
	}

	return "", "", false
}

// hostOf extracts the lowercased host of a website URL, minus any
// leading "www.". Unparseable URLs yield "" and never match.
func hostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := normalize(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
