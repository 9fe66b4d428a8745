package model

import (
	"regexp"
	"strings"
)

// Clinic is a single listing extracted from a map-search result page.
// It lives only for the duration of a run; nothing persists it.
type Clinic struct {
	Name      string  `json:"name"`
	URL       string  `json:"url,omitempty"`
	Address   string  `json:"address,omitempty"`
	Phone     string  `json:"phone,omitempty"`
	Rating    float64 `json:"rating,omitempty"`
	Reviews   int     `json:"reviews,omitempty"`
	Area      string  `json:"area,omitempty"`
	Region    string  `json:"region"`
	SourceURL string  `json:"source_url,omitempty"`
	Sponsored bool    `json:"sponsored,omitempty"`
}

var (
	phoneCharsPattern = regexp.MustCompile(`[^\d\-]`)
	areaWardPattern   = regexp.MustCompile(`([^\s、,]+区)`)
	areaCityPattern   = regexp.MustCompile(`([^\s、,]+市)`)
)

// NormalizePhone strips everything but digits and hyphens.
func NormalizePhone(phone string) string {
	return phoneCharsPattern.ReplaceAllString(phone, "")
}

// AreaFromAddress derives the ward (区) or city (市) segment from a
// Japanese address. Returns "" when neither appears.
func AreaFromAddress(address string) string {
	if address == "" {
		return ""
	}
	if m := areaWardPattern.FindStringSubmatch(address); m != nil {
		return m[1]
	}
	if m := areaCityPattern.FindStringSubmatch(address); m != nil {
		return m[1]
	}
	return ""
}

// Sanitize trims whitespace, drops non-HTTP website URLs and normalizes
// the phone number. Missing fields stay empty rather than failing.
func (c *Clinic) Sanitize() {
	c.Name = strings.TrimSpace(c.Name)
	c.URL = strings.TrimSpace(c.URL)
	if c.URL != "" && !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		c.URL = ""
	}
	c.Address = strings.TrimSpace(c.Address)
	c.Phone = NormalizePhone(c.Phone)
	if c.Area == "" {
		c.Area = AreaFromAddress(c.Address)
	}
}

// ExcludedClinic is a clinic rejected by the exclusion filter, with the
// rule that matched.
type ExcludedClinic struct {
	Clinic Clinic `json:"clinic"`
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

// Verdict is the AI verifier's structured decision for one clinic.
type Verdict struct {
	// IsOfficialSite is nil when the listing has no website URL to judge.
	IsOfficialSite *bool  `json:"is_official_site"`
	IsMajorChain   bool   `json:"is_major_chain"`
	NormalizedName string `json:"normalized_name"`
	Reason         string `json:"reason"`
}

// Qualifies reports whether the verdict clears the clinic for publishing:
// not confirmed non-official, and not a major ad-funded chain.
func (v Verdict) Qualifies() bool {
	if v.IsOfficialSite != nil && !*v.IsOfficialSite {
		return false
	}
	return !v.IsMajorChain
}

// VerifiedClinic is a clinic annotated with its verification outcome.
type VerifiedClinic struct {
	Clinic  Clinic  `json:"clinic"`
	Verdict Verdict `json:"verdict"`
	// Failed marks clinics whose verification calls exhausted retries.
	// They are dropped from publishing but reported, not fatal.
	Failed bool   `json:"failed,omitempty"`
	Error  string `json:"error,omitempty"`
}
