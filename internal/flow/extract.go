package flow

import (
	"regexp"
	"strings"
)

// Context bag keys written by the extractor.
const (
	SlotContactReason = "contact_reason"
	SlotPhone         = "phone"
	SlotEmail         = "email"
	SlotAccountNumber = "account_number"
)

var (
	phonePattern   = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)
	emailPattern   = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	accountPattern = regexp.MustCompile(`(?i)\b(?:account|acct)\s*(?:number|no\.?|#)?\s*(?:is\s+)?:?\s*([A-Za-z0-9]*\d[A-Za-z0-9]*)\b`)
)

// minReasonWords is the shortest input accepted as a contact reason.
const minReasonWords = 3

// Extract pulls identifiers out of a caller utterance.
func Extract(input string) map[string]string {
	out := make(map[string]string)
	if m := phonePattern.FindString(input); m != "" {
		out[SlotPhone] = m
	}
	if m := emailPattern.FindString(input); m != "" {
		out[SlotEmail] = m
	}
	if m := accountPattern.FindStringSubmatch(input); len(m) == 2 {
		out[SlotAccountNumber] = m[1]
	}
	return out
}

// absorb merges extracted entities into bag and records the first
// sufficiently long utterance as the contact reason.
func absorb(bag map[string]any, input string) map[string]string {
	found := Extract(input)
	for k, v := range found {
		bag[k] = v
	}
	if _, ok := bag[SlotContactReason]; !ok && len(words(stripIdentifiers(input))) >= minReasonWords {
		reason := strings.TrimSpace(input)
		bag[SlotContactReason] = reason
		found[SlotContactReason] = reason
	}
	return found
}

func stripIdentifiers(s string) string {
	for _, re := range []*regexp.Regexp{accountPattern, emailPattern, phonePattern} {
		s = re.ReplaceAllString(s, " ")
	}
	return s
}

// HasSufficientInformation reports whether the bag holds the minimal slot
// set: a contact reason plus one way to identify the caller.
func HasSufficientInformation(bag map[string]any) bool {
	if _, ok := bag[SlotContactReason]; !ok {
		return false
	}
	for _, k := range []string{SlotAccountNumber, SlotPhone, SlotEmail} {
		if _, ok := bag[k]; ok {
			return true
		}
	}
	return false
}

// MissingInformation names what to ask the caller for next.
func MissingInformation(bag map[string]any) string {
	if _, ok := bag[SlotContactReason]; !ok {
		return "what you're calling about"
	}
	if !HasSufficientInformation(bag) {
		return "your account number"
	}
	return "more details"
}

// words lowercases s and splits it on anything that is not a letter,
// digit or apostrophe.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r == '\'' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})
}

func containsAny(s string, vocabulary ...string) bool {
	set := make(map[string]struct{}, len(vocabulary))
	for _, v := range vocabulary {
		set[v] = struct{}{}
	}
	for _, w := range words(s) {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}
