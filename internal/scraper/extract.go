package scraper

import (
	"regexp"
	"strconv"
	"strings"
)

const searchBaseURL = "https://www.google.com/maps/search/"

var (
	ratingPattern  = regexp.MustCompile(`[\d.]+`)
	reviewsPattern = regexp.MustCompile(`[\d,]+`)
	phonePattern   = regexp.MustCompile(`[\d\-]+`)
)

// retryKeywords marks queries that already target medical facilities.
// A query without one of these can land on a single business page
// instead of a result list, in which case we retry with a suffix.
var retryKeywords = []string{"クリニック", "病院", "医院"}

// SearchURL builds the Maps search URL for a query.
func SearchURL(query string) string {
	return searchBaseURL + strings.ReplaceAll(query, " ", "+")
}

// NeedsClinicRetry reports whether a query that landed on a single
// business page should be retried with a clinic keyword appended.
func NeedsClinicRetry(query string) bool {
	for _, kw := range retryKeywords {
		if strings.Contains(query, kw) {
			return false
		}
	}
	return true
}

// ParseRating extracts the star rating from an aria-label such as
// "4.2 つ星". Returns 0 when no rating is present.
func ParseRating(label string) float64 {
	m := ratingPattern.FindString(label)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	return v
}

// ParseReviews extracts the review count from an aria-label such as
// "1,234 件のクチコミ". Returns 0 when no count is present.
func ParseReviews(label string) int {
	m := reviewsPattern.FindString(label)
	if m == "" {
		return 0
	}
	v, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	if err != nil {
		return 0
	}
	return v
}

// ParsePhone extracts the first digits-and-hyphens run from the phone
// button text, which carries icons and labels around the number.
func ParsePhone(text string) string {
	return phonePattern.FindString(text)
}
