// Package reqreply implements the request/reply pattern with expiry-driven
// timeouts: a requester arming a timeout key per correlation ID, an inventory
// worker answering requests, a response listener surfacing replies to
// observers, and an expiry observer turning key expirations into TIMEOUT
// responses.
package reqreply

import (
	"github.com/google/uuid"
)

// Stream and key layout of the hold-inventory exchange.
const (
	RequestStream  = "order.holdInventory.v1"
	ResponseStream = "order.holdInventory.response.v1"

	RequestGroup  = "inventory-service"
	ResponseGroup = "response-listener"

	// TimeoutKeyPrefix + correlation ID is the scalar whose expiry IS the
	// timeout event.
	TimeoutKeyPrefix = "order.holdInventory.request.timeout.v1:"
	// ShadowKeyPrefix + correlation ID is the non-expiring hash carrying the
	// response back-channel for the expiry handler.
	ShadowKeyPrefix = "order.holdInventory.request.shadow.v1:"
)

// Response types a request can ask the inventory worker to produce.
const (
	ResponseTypeOK      = "OK"
	ResponseTypeKO      = "KO"
	ResponseTypeError   = "ERROR"
	ResponseTypeTimeout = "TIMEOUT"
)

// RequestDLQ is the dead-letter stream for requests the worker kept failing.
func RequestDLQ() string { return RequestStream + ":dlq" }

// ResponseDLQ is the dead-letter stream of the response listener.
func ResponseDLQ() string { return ResponseStream + ":dlq" }

// TimeoutKey returns the timeout key for a correlation ID.
func TimeoutKey(correlationID string) string { return TimeoutKeyPrefix + correlationID }

// ShadowKey returns the shadow key for a correlation ID.
func ShadowKey(correlationID string) string { return ShadowKeyPrefix + correlationID }

// NewCorrelationID mints a fresh correlation ID.
func NewCorrelationID() string { return uuid.NewString() }

// Streams lists every stream the request/reply demo touches.
func Streams() []string {
	return []string{RequestStream, RequestDLQ(), ResponseStream, ResponseDLQ()}
}
