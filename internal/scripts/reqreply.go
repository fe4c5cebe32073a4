package scripts

import (
	"context"
	"fmt"

	"github.com/streamlab/redis-patterns/internal/jsonx"
)

// Request atomically arms the timeout key, records the shadow hash carrying
// the response back-channel, and appends the request entry. Returns the ID of
// the appended request entry.
func (e *Engine) Request(ctx context.Context, timeoutKey, shadowKey, reqStream, correlationID, businessID, respStream string, timeoutSec int, payload []jsonx.Field) (string, error) {
	args := make([]interface{}, 0, 4+len(payload)*2)
	args = append(args, correlationID, businessID, respStream, timeoutSec)
	for _, f := range payload {
		args = append(args, f.Key, f.Value)
	}

	id, err := requestScript.Run(ctx, e.client,
		[]string{timeoutKey, shadowKey, reqStream}, args...,
	).Text()
	if err != nil {
		return "", fmt.Errorf("request script on %s: %w", reqStream, err)
	}
	return id, nil
}

// Response atomically disarms the timeout key, consumes the shadow hash and
// appends the response entry. When called from the expiry path the timeout
// DEL is a no-op on an already-expired key; the append is what matters.
// Returns the ID of the response entry.
func (e *Engine) Response(ctx context.Context, timeoutKey, respStream, shadowKey, correlationID, businessID string, payload []jsonx.Field) (string, error) {
	args := make([]interface{}, 0, 2+len(payload)*2)
	args = append(args, correlationID, businessID)
	for _, f := range payload {
		args = append(args, f.Key, f.Value)
	}

	id, err := responseScript.Run(ctx, e.client,
		[]string{timeoutKey, respStream, shadowKey}, args...,
	).Text()
	if err != nil {
		return "", fmt.Errorf("response script on %s: %w", respStream, err)
	}
	return id, nil
}
