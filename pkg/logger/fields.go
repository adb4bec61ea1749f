package logger

const (
	FieldOrgID      = "org_id"
	FieldChannel    = "channel"
	FieldRecipient  = "recipient"
	FieldDispatchID = "dispatch_id"
	FieldStatus     = "status"
	FieldHTTPStatus = "http_status"
	FieldState      = "state"
	FieldError      = "error"

	FieldBodyLength     = "body_length"
	FieldResponseLength = "response_length"
	FieldDuration       = "duration"
)

// MaskPhone keeps the last four digits of a phone number for log lines.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	masked := make([]byte, 0, len(phone))
	for i := 0; i < len(phone)-4; i++ {
		if phone[i] == '+' {
			masked = append(masked, '+')
			continue
		}
		masked = append(masked, '*')
	}
	return string(masked) + phone[len(phone)-4:]
}
