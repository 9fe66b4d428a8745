package exclusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medleads/clinic-scout/internal/model"
)

func testRules() RuleSet {
	return RuleSet{
		Keywords:         []string{"AGAスキンクリニック", "湘南美容", "ゴリラクリニック"},
		Domains:          []string{"epark.jp", "hotpepper.jp"},
		ExcludeSponsored: true,
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name     string
		clinic   model.Clinic
		wantRule string
	}{
		{
			name:     "chain keyword in name",
			clinic:   model.Clinic{Name: "AGAスキンクリニック 新宿院"},
			wantRule: RuleKeyword,
		},
		{
			name:     "unlisted brand in URL does not match",
			clinic:   model.Clinic{Name: "新宿ヘアケア", URL: "https://gorilla.example.com"},
			wantRule: "",
		},
		{
			name:     "keyword in website URL",
			clinic:   model.Clinic{Name: "新宿ヘアケア", URL: "https://example.com/湘南美容/lp"},
			wantRule: RuleKeyword,
		},
		{
			name:     "affiliate domain exact",
			clinic:   model.Clinic{Name: "独立系クリニック", URL: "https://epark.jp/clinic/123"},
			wantRule: RuleDomain,
		},
		{
			name:     "affiliate domain subdomain",
			clinic:   model.Clinic{Name: "独立系クリニック", URL: "https://beauty.hotpepper.jp/slnH000"},
			wantRule: RuleDomain,
		},
		{
			name:     "www prefix stripped before domain match",
			clinic:   model.Clinic{Name: "独立系クリニック", URL: "https://www.epark.jp/x"},
			wantRule: RuleDomain,
		},
		{
			name:     "sponsored structural marker",
			clinic:   model.Clinic{Name: "独立系クリニック", Sponsored: true},
			wantRule: RuleSponsored,
		},
		{
			name:     "independent clinic kept",
			clinic:   model.Clinic{Name: "スマイル発毛クリニック", URL: "https://ams-smile.co.jp"},
			wantRule: "",
		},
		{
			name:     "domain list does not match lookalike suffix",
			clinic:   model.Clinic{Name: "独立系クリニック", URL: "https://notepark.jp"},
			wantRule: "",
		},
	}

	rules := testRules()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rule, reason, ok := Match(tc.clinic, rules)
			if tc.wantRule == "" {
				assert.False(t, ok, "unexpected exclusion: %s", reason)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tc.wantRule, rule)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestMatchFullWidthFolding(t *testing.T) {
	rules := RuleSet{Keywords: []string{"ＡＧＡスキン"}}
	_, _, ok := Match(model.Clinic{Name: "agaスキンクリニック渋谷"}, rules)
	assert.True(t, ok, "full-width keyword should match half-width name")
}

// A candidate matching only a domain rule is excluded even when no
// keyword rule matches (OR across rule types).
func TestMatchDomainOnlyORSemantics(t *testing.T) {
	rules := RuleSet{Keywords: []string{"湘南美容"}, Domains: []string{"affiliate-ads.example"}}
	rule, _, ok := Match(model.Clinic{Name: "完全無関係クリニック", URL: "https://affiliate-ads.example/ranking"}, rules)
	require.True(t, ok)
	assert.Equal(t, RuleDomain, rule)
}

func TestFilterPartitionsInput(t *testing.T) {
	candidates := []model.Clinic{
		{Name: "AGAスキンクリニック 新宿院"},
		{Name: "スマイル発毛クリニック", URL: "https://ams-smile.co.jp"},
		{Name: "独立系A", URL: "https://epark.jp/x"},
		{Name: "独立系B"},
		{Name: "独立系C", Sponsored: true},
	}

	kept, excluded := Filter(candidates, testRules())

	assert.Len(t, kept, 2)
	assert.Len(t, excluded, 3)
	assert.Equal(t, len(candidates), len(kept)+len(excluded), "no candidate lost or duplicated")

	seen := map[string]bool{}
	for _, c := range kept {
		seen[c.Name] = true
	}
	for _, e := range excluded {
		assert.False(t, seen[e.Clinic.Name], "kept and excluded must be disjoint")
	}
}

func TestFilterDeterministic(t *testing.T) {
	candidates := []model.Clinic{
		{Name: "ゴリラクリニック渋谷"},
		{Name: "スマイル発毛クリニック"},
	}
	rules := testRules()

	kept1, excluded1 := Filter(candidates, rules)
	kept2, excluded2 := Filter(candidates, rules)
	assert.Equal(t, kept1, kept2)
	assert.Equal(t, excluded1, excluded2)
}

func TestFilterEmptyInput(t *testing.T) {
	kept, excluded := Filter(nil, testRules())
	assert.Empty(t, kept)
	assert.Empty(t, excluded)
}

func TestRuleSetValidate(t *testing.T) {
	assert.NoError(t, testRules().Validate())
	assert.NoError(t, RuleSet{}.Validate())

	assert.Error(t, RuleSet{Keywords: []string{"ok", "  "}}.Validate())
	assert.Error(t, RuleSet{Domains: []string{""}}.Validate())
	assert.Error(t, RuleSet{Domains: []string{"."}}.Validate())
	assert.Error(t, RuleSet{Domains: []string{"epark.jp/path"}}.Validate())
}

func TestRuleSetClone(t *testing.T) {
	orig := testRules()
	snap := orig.Clone()
	orig.Keywords[0] = "mutated"
	orig.Domains = append(orig.Domains, "new.example")

	assert.Equal(t, "AGAスキンクリニック", snap.Keywords[0])
	assert.Len(t, snap.Domains, 2)
}
