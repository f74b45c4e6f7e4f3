package session

import "strings"

const (
	DefaultCountryCode = "62"
	UserSuffix         = "@c.us"
)

// NormalizeAddress turns a phone number into a user address: non-digits are
// dropped, a leading 0 becomes the country code and "@c.us" is appended.
// Normalizing an already normalized address returns it unchanged. The
// country code is reduced to its digits, so "+62" behaves like "62".
func NormalizeAddress(raw, countryCode string) string {
	countryCode = strings.TrimLeft(digitsOf(countryCode), "0")
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}

	digits := digitsOf(strings.TrimSuffix(raw, UserSuffix))
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(digits, "0") {
		digits = countryCode + digits[1:]
	}
	return digits + UserSuffix
}

func digitsOf(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// AddressUser returns the phone part of an address.
func AddressUser(address string) string {
	if i := strings.IndexByte(address, '@'); i >= 0 {
		return address[:i]
	}
	return address
}
