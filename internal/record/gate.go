package record

import "unicode"

// minProviderPhoneDigits is the shortest provider number worth dialling.
// Numbers are often dictated digit by digit, so a shorter value is treated
// as still arriving rather than as a complete number.
const minProviderPhoneDigits = 10

// CoreInfoComplete reports whether a name (first or last), an address, an
// age and a gender are all known.
func CoreInfoComplete(r *Record) bool {
	if r == nil {
		return false
	}
	p := r.Patient
	hasName := Value(p.NameFirst) != "" || Value(p.NameLast) != ""
	return hasName &&
		Value(p.Address) != "" &&
		Value(p.Age) != "" &&
		Value(p.Gender) != ""
}

// ProviderContactReady reports whether the provider call can be placed.
// When a phone number has been mentioned it must be complete; when none has,
// a provider name is enough.
func ProviderContactReady(r *Record) bool {
	if r == nil {
		return false
	}
	p := r.Patient
	if phone := Value(p.ProviderPhone); phone != "" {
		return CountDigits(phone) >= minProviderPhoneDigits
	}
	return Value(p.ProviderName) != ""
}

// CountDigits returns the number of decimal digits in s.
func CountDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
