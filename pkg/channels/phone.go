package channels

import "strings"

// NormalizePhone strips everything except digits and a single leading '+'.
// Providers reject formatted numbers, so every adapter calls this before sending.
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	seenDigit := false
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			seenDigit = true
		case r == '+' && !seenDigit && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}

// DigitsOnly drops the leading '+' as well; bridge JIDs are bare digits.
func DigitsOnly(raw string) string {
	return strings.TrimPrefix(NormalizePhone(raw), "+")
}

func normalizedRecipient(r Recipient) (string, error) {
	phone := NormalizePhone(r.PhoneNumber)
	if phone == "" {
		return "", ConfigError("recipient phone number is empty")
	}
	return phone, nil
}

func requireBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ConfigError("message body is empty")
	}
	return nil
}
