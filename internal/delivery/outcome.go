package delivery

import "time"

// Outcome is everything one executed attempt produced: the resulting
// status, the HTTP exchange for the audit trail, and the retry decision.
type Outcome struct {
	Status          Status
	FailureReason   FailureReason // empty unless terminal-by-failure
	ResponseStatus  *int32
	ResponseBody    string
	RequestHeaders  map[string]string
	RequestBody     string
	ResponseHeaders map[string]string
	NextRetryAt     *time.Time // nil on terminal outcomes
}

// Record is the durable view of a delivery's attempt lineage.
type Record struct {
	ID             int64      `json:"id"`
	EndpointID     int64      `json:"webhookEndpointId"`
	EventType      string     `json:"eventType"`
	Payload        string     `json:"payload"`
	ResponseStatus *int32     `json:"responseStatus,omitempty"`
	ResponseBody   string     `json:"responseBody,omitempty"`
	AttemptCount   int32      `json:"attemptCount"`
	Status         Status     `json:"status"`
	FailureReason  string     `json:"failureReason,omitempty"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// AuditEntry is one row of the append-only per-attempt history.
type AuditEntry struct {
	DeliveryID      int64             `json:"deliveryId"`
	AttemptNumber   int32             `json:"attemptNumber"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	ResponseStatus  *int32            `json:"responseStatus,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	Status          Status            `json:"status"`
	LoggedAt        time.Time         `json:"loggedAt"`
}
