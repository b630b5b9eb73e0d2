// Package delivery defines the domain types shared by the publisher, the
// worker, and the retry scheduler.
package delivery

// Message is the queue payload driving one delivery attempt. AttemptCount
// is 1-based and increments by exactly one per requeue; it is the sole
// source of truth for backoff computation.
type Message struct {
	DeliveryID   int64             `json:"deliveryId"`
	EndpointID   int64             `json:"webhookEndpointId"`
	EventType    string            `json:"eventType"`
	Payload      string            `json:"payload"`
	AttemptCount int32             `json:"attemptCount"`
	TraceHeaders map[string]string `json:"traceHeaders,omitempty"`
}

// Next returns the message for the following attempt. Identity fields are
// carried unchanged; only the attempt count moves.
func (m Message) Next() Message {
	n := m
	n.AttemptCount = m.AttemptCount + 1
	return n
}

// Event is an inbound platform event consumed by the publisher.
type Event struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"clientId"`
	EventType string         `json:"eventType"`
	CreatedAt string         `json:"createdAt"`
	Data      map[string]any `json:"data"`
}
