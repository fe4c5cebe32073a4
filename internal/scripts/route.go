package scripts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/streamlab/redis-patterns/internal/jsonx"
)

// Destination records one destination append made by RouteMessage.
type Destination struct {
	Stream    string `json:"stream"`
	MessageID string `json:"messageId"`
}

// RouteResult is the outcome of one RouteMessage invocation.
type RouteResult struct {
	ExchangeID string        `json:"exchangeId"`
	RoutedTo   []Destination `json:"routedTo"`
}

// RouteMessage atomically appends the payload to the exchange stream and, for
// every enabled rule matching routingKey (ascending priority, stopOnMatch
// honored), to the rule's destination. Either every append happens or none.
func (e *Engine) RouteMessage(ctx context.Context, exchangeStream, rulesKey, routingKey string, payload []jsonx.Field) (*RouteResult, error) {
	args := make([]interface{}, 0, 2+len(payload)*2)
	args = append(args, routingKey, strconv.FormatInt(time.Now().UnixMilli(), 10))
	for _, f := range payload {
		args = append(args, f.Key, f.Value)
	}

	raw, err := routeMessageScript.Run(ctx, e.client,
		[]string{exchangeStream, rulesKey}, args...,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("route_message on %s: %w", exchangeStream, err)
	}
	return parseRouteResult(raw)
}

func parseRouteResult(raw interface{}) (*RouteResult, error) {
	top, ok := raw.([]interface{})
	if !ok || len(top) != 2 {
		return nil, fmt.Errorf("unexpected route_message reply: %T", raw)
	}
	exchangeID, ok := top[0].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected exchange id: %v", top[0])
	}
	routedRaw, ok := top[1].([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected routed list: %T", top[1])
	}

	result := &RouteResult{ExchangeID: exchangeID, RoutedTo: []Destination{}}
	for _, item := range routedRaw {
		pair, ok := item.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("unexpected destination entry: %v", item)
		}
		stream, okS := pair[0].(string)
		id, okI := pair[1].(string)
		if !okS || !okI {
			return nil, fmt.Errorf("unexpected destination pair: %v", item)
		}
		result.RoutedTo = append(result.RoutedTo, Destination{Stream: stream, MessageID: id})
	}
	return result, nil
}
