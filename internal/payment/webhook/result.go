package webhook

import "net/http"

// State is a step of the delivery state machine.
type State string

const (
	StateReceived          State = "RECEIVED"
	StateSettingsChecked   State = "SETTINGS_CHECKED"
	StateSignatureVerified State = "SIGNATURE_VERIFIED"
	StateEventClassified   State = "EVENT_CLASSIFIED"
	StateReconciled        State = "RECONCILED"
	StateAcknowledged      State = "ACKNOWLEDGED"
	StateRejectedDisabled  State = "REJECTED_DISABLED"
	StateRejectedSignature State = "REJECTED_SIGNATURE"
	StateRejectedPayload   State = "REJECTED_PAYLOAD"
	StateSkippedEventKind  State = "SKIPPED_EVENT_KIND"
	StateFailedProcessing  State = "FAILED_PROCESSING"
)

// Terminal reports whether a delivery ends in this state.
func (s State) Terminal() bool {
	switch s {
	case StateAcknowledged, StateRejectedDisabled, StateRejectedSignature,
		StateRejectedPayload, StateSkippedEventKind, StateFailedProcessing:
		return true
	default:
		return false
	}
}

// Machine-readable codes returned alongside rejections.
const (
	CodeWebhookDisabled  = "webhook_disabled"
	CodeSignatureMissing = "signature_missing"
	CodeSignatureInvalid = "signature_invalid"
	CodeInvalidPayload   = "invalid_payload"
	CodeEventNotEnabled  = "event_not_enabled"
	CodeProcessingFailed = "processing_failed"
	CodeDeliveryInFlight = "delivery_in_flight"
)

// Result is the outcome of one delivery. The JSON form is the response body.
type Result struct {
	State      State  `json:"-"`
	StatusCode int    `json:"-"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	Event      string `json:"event,omitempty"`
	Code       string `json:"code,omitempty"`

	// Steps lists every state the delivery passed through, ending with State.
	Steps []State `json:"-"`
}

func acknowledged(kind string) Result {
	return Result{
		State:      StateAcknowledged,
		StatusCode: http.StatusOK,
		Success:    true,
		Event:      kind,
	}
}

func skipped(kind string) Result {
	return Result{
		State:      StateSkippedEventKind,
		StatusCode: http.StatusOK,
		Success:    true,
		Message:    "Event " + kind + " not enabled",
		Event:      kind,
		Code:       CodeEventNotEnabled,
	}
}

func rejected(state State, status int, code, message string) Result {
	return Result{
		State:      state,
		StatusCode: status,
		Success:    false,
		Error:      message,
		Code:       code,
	}
}

// Introspection is the read-only view served by GET on the webhook route.
type Introspection struct {
	Enabled        bool     `json:"enabled"`
	Endpoint       string   `json:"endpoint"`
	Events         []string `json:"events"`
	SigningVersion string   `json:"signingVersion"`
}
