package topic

import (
	"context"

	"github.com/streamlab/redis-patterns/internal/jsonx"
	"github.com/streamlab/redis-patterns/internal/scripts"
)

// Router routes messages through the exchange using the route_message script.
type Router struct {
	engine *scripts.Engine
	store  *Store
}

// NewRouter creates a Router over the given store's exchange.
func NewRouter(engine *scripts.Engine, store *Store) *Router {
	return &Router{engine: engine, store: store}
}

// Route appends the payload to the exchange and fans it out to every matching
// destination in one atomic step.
func (r *Router) Route(ctx context.Context, routingKey string, payload []jsonx.Field) (*scripts.RouteResult, error) {
	return r.engine.RouteMessage(ctx, r.store.exchange, r.store.RulesKey(), routingKey, payload)
}

// DestinationStreams returns the exchange plus the distinct destinations of
// the current rule table, for the tailer to watch.
func (r *Router) DestinationStreams(ctx context.Context) ([]string, error) {
	rules, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{r.store.exchange: true}
	streams := []string{r.store.exchange}
	for _, rule := range rules {
		if !seen[rule.Destination] {
			seen[rule.Destination] = true
			streams = append(streams, rule.Destination)
		}
	}
	return streams, nil
}
