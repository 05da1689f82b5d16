package internal

import (
	"strings"

	"visitorhub/internal/storage"
)

// Field names the dashboard search looks at, across every form page.
var (
	searchNameFields     = []string{"firstNameAr", "lastNameAr", "firstNameEn", "lastNameEn", "fullName"}
	searchPhoneFields    = []string{"mobileNumber", "phoneNumber"}
	searchIdentityFields = []string{"idNumber", "cardNumber"}
)

// MatchesQuery reports whether a visitor matches the search query:
// case-insensitive substring over the concatenated name fields, the phone
// number, and the identity/residence number. An empty query matches
// everything.
func MatchesQuery(v storage.Visitor, query string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	for _, page := range v.FormData {
		if fieldsContain(page, searchNameFields, query) ||
			fieldsContain(page, searchIdentityFields, query) ||
			phoneMatches(page, query) {
			return true
		}
	}
	return false
}

// phoneMatches compares phone fields on their digit form as well, so a local
// number like 0501234567 finds its international form +966501234567.
func phoneMatches(page map[string]string, query string) bool {
	if fieldsContain(page, searchPhoneFields, query) {
		return true
	}
	queryDigits := digitsOnly(query)
	if queryDigits == "" {
		return false
	}
	localQuery := strings.TrimPrefix(queryDigits, "0")
	for _, key := range searchPhoneFields {
		val := digitsOnly(page[key])
		if val == "" {
			continue
		}
		if strings.Contains(val, queryDigits) {
			return true
		}
		if localQuery != "" && strings.Contains(val, localQuery) {
			return true
		}
	}
	return false
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func fieldsContain(page map[string]string, keys []string, query string) bool {
	var b strings.Builder
	for _, key := range keys {
		if val := page[key]; val != "" {
			b.WriteString(val)
			b.WriteByte(' ')
		}
	}
	return strings.Contains(strings.ToLower(b.String()), query)
}

// FilterVisitors returns the records matching the query, preserving order.
func FilterVisitors(records []storage.Visitor, query string) []storage.Visitor {
	if strings.TrimSpace(query) == "" {
		return records
	}
	filtered := make([]storage.Visitor, 0, len(records))
	for _, v := range records {
		if MatchesQuery(v, query) {
			filtered = append(filtered, v)
		}
	}
	return filtered
}
