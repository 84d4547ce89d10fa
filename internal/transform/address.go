package transform

import (
	"regexp"
	"strings"
)

// Address is a free-text address split into components. Any field may be
// empty when the input did not carry it.
type Address struct {
	Street     string
	City       string
	State      string
	PostalCode string
}

// abbrToState maps lowercase state abbreviations to lowercase full names.
var abbrToState = map[string]string{
	"al": "alabama", "ak": "alaska", "az": "arizona", "ar": "arkansas",
	"ca": "california", "co": "colorado", "ct": "connecticut", "de": "delaware",
	"fl": "florida", "ga": "georgia", "hi": "hawaii", "id": "idaho",
	"il": "illinois", "in": "indiana", "ia": "iowa", "ks": "kansas",
	"ky": "kentucky", "la": "louisiana", "me": "maine", "md": "maryland",
	"ma": "massachusetts", "mi": "michigan", "mn": "minnesota", "ms": "mississippi",
	"mo": "missouri", "mt": "montana", "ne": "nebraska", "nv": "nevada",
	"nh": "new hampshire", "nj": "new jersey", "nm": "new mexico", "ny": "new york",
	"nc": "north carolina", "nd": "north dakota", "oh": "ohio", "ok": "oklahoma",
	"or": "oregon", "pa": "pennsylvania", "ri": "rhode island", "sc": "south carolina",
	"sd": "south dakota", "tn": "tennessee", "tx": "texas", "ut": "utah",
	"vt": "vermont", "va": "virginia", "wa": "washington", "wv": "west virginia",
	"wi": "wisconsin", "wy": "wyoming", "dc": "district of columbia",
}

// stateToAbbr maps lowercase full names to lowercase abbreviations.
var stateToAbbr = func() map[string]string {
	m := make(map[string]string, len(abbrToState))
	for abbr, full := range abbrToState {
		m[full] = abbr
	}
	return m
}()

var postalCodeRe = regexp.MustCompile(`^\d{5}(-\d{4})?$`)

// ParseAddress splits "street, city, ST 12345" and its common variants.
// States come back as upper-case abbreviations. Input it cannot place ends
// up in Street.
func ParseAddress(s string) Address {
	s = strings.NewReplacer("\r\n", ",", "\n", ",").Replace(s)
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return Address{}
	}

	var a Address
	words := strings.Fields(parts[len(parts)-1])
	parts = parts[:len(parts)-1]

	if n := len(words); n > 0 && postalCodeRe.MatchString(words[n-1]) {
		a.PostalCode = words[n-1]
		words = words[:n-1]
	}
	a.State, words = trailingState(words, a.PostalCode != "")
	rest := strings.Join(words, " ")

	switch {
	case a.State == "" && a.PostalCode == "":
		if len(parts) == 0 {
			a.Street = rest
			return a
		}
		a.City = rest
	case rest != "":
		a.City = rest
	case len(parts) > 0:
		a.City = parts[len(parts)-1]
		parts = parts[:len(parts)-1]
	}
	a.Street = strings.Join(parts, ", ")
	return a
}

// trailingState looks for a state at the end of words, trying multi-word
// names first. Bare two-letter abbreviations must be upper case unless a
// postal code follows, so words like "in" or "me" are not taken as states.
func trailingState(words []string, hasPostal bool) (string, []string) {
	for k := min(3, len(words)); k >= 1; k-- {
		tail := words[len(words)-k:]
		cand := strings.ToLower(strings.Join(tail, " "))
		if abbr, ok := stateToAbbr[cand]; ok {
			return strings.ToUpper(abbr), words[:len(words)-k]
		}
		if k == 1 {
			if _, ok := abbrToState[cand]; ok && (hasPostal || tail[0] == strings.ToUpper(tail[0])) {
				return strings.ToUpper(cand), words[:len(words)-1]
			}
		}
	}
	return "", words
}
