package dispatch

import (
	"encoding/json"
	"net/http"

	"teamnotify/pkg/channels"
	"teamnotify/pkg/session"
)

type Status string

const (
	StatusSent             Status = "sent"
	StatusChannelNotReady  Status = "channel_not_ready"
	StatusRecoverableError Status = "recoverable_error"
	StatusFatalError       Status = "fatal_error"
)

// Outcome is the single result of one Dispatch call. Every status other than
// StatusSent carries a Message that can be shown as-is.
type Outcome struct {
	DispatchID       string               `json:"dispatchId"`
	Status           Status               `json:"status"`
	OrgID            string               `json:"orgId,omitempty"`
	Kind             channels.ChannelKind `json:"kind,omitempty"`
	ProviderResponse json.RawMessage      `json:"providerResponse,omitempty"`
	Challenge        *session.QRPayload   `json:"challenge,omitempty"`
	Message          string               `json:"message,omitempty"`
	ErrorClass       channels.ErrorClass  `json:"errorClass,omitempty"`
	HTTPStatus       int                  `json:"httpStatus,omitempty"`
}

func (o Outcome) Sent() bool {
	return o.Status == StatusSent
}

// Recoverable reports whether the caller may simply try again.
func (o Outcome) Recoverable() bool {
	return o.Status == StatusRecoverableError || o.Status == StatusChannelNotReady
}

// ResponseCode maps the outcome onto an HTTP status for the server surface.
func (o Outcome) ResponseCode() int {
	switch o.Status {
	case StatusSent:
		return http.StatusOK
	case StatusChannelNotReady:
		return http.StatusConflict
	case StatusRecoverableError:
		if o.HTTPStatus == http.StatusTooManyRequests {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	default:
		if o.ErrorClass == channels.ClassConfiguration {
			return http.StatusBadRequest
		}
		if o.HTTPStatus >= 400 && o.HTTPStatus < 500 {
			return o.HTTPStatus
		}
		return http.StatusBadGateway
	}
}
