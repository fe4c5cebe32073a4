package reqreply

import (
	"context"
	"fmt"

	"github.com/streamlab/redis-patterns/internal/jsonx"
	"github.com/streamlab/redis-patterns/internal/scripts"
	"go.uber.org/zap"
)

// Requester sends correlated requests into the request stream.
type Requester struct {
	engine     *scripts.Engine
	timeoutSec int
	logger     *zap.Logger
}

// NewRequester creates a Requester with the given timeout, in seconds, on
// every outstanding request.
func NewRequester(engine *scripts.Engine, timeoutSec int, logger *zap.Logger) *Requester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Requester{engine: engine, timeoutSec: timeoutSec, logger: logger}
}

// Send mints a correlation ID, atomically arms its timeout key and shadow
// hash, and appends the request. The business ID is taken from the payload's
// orderId field when present, else from the correlation ID.
func (r *Requester) Send(ctx context.Context, payload []jsonx.Field) (string, error) {
	correlationID := NewCorrelationID()
	businessID := correlationID
	for _, f := range payload {
		if f.Key == "orderId" && f.Value != "" {
			businessID = f.Value
			break
		}
	}

	id, err := r.engine.Request(ctx,
		TimeoutKey(correlationID), ShadowKey(correlationID), RequestStream,
		correlationID, businessID, ResponseStream, r.timeoutSec, payload,
	)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}

	r.logger.Info("request sent",
		zap.String("correlation_id", correlationID),
		zap.String("business_id", businessID),
		zap.String("message_id", id))
	return correlationID, nil
}
