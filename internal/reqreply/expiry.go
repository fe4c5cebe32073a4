package reqreply

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/jsonx"
	"github.com/streamlab/redis-patterns/internal/scripts"
	"go.uber.org/zap"
)

// expiredChannel is the keyevent channel announcing expired keys.
const expiredChannel = "__keyevent@*__:expired"

// ExpiryObserver subscribes to key-expiry notifications and turns every
// expired timeout key into a TIMEOUT response on the request's back-channel.
type ExpiryObserver struct {
	client      *redis.Client
	engine      *scripts.Engine
	broadcaster *events.Broadcaster
	logger      *zap.Logger
}

// NewExpiryObserver creates the observer.
func NewExpiryObserver(client *redis.Client, engine *scripts.Engine, broadcaster *events.Broadcaster, logger *zap.Logger) *ExpiryObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpiryObserver{
		client:      client,
		engine:      engine,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Run subscribes and handles notifications until ctx is cancelled. Keyspace
// notifications for expiry ("Ex") are enabled best-effort; on managed Redis
// where CONFIG is disabled the operator must enable them out of band.
func (o *ExpiryObserver) Run(ctx context.Context) {
	if err := o.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		o.logger.Warn("could not enable keyspace notifications; expecting them to be configured already", zap.Error(err))
	}

	pubsub := o.client.PSubscribe(ctx, expiredChannel)
	defer func() { _ = pubsub.Close() }()
	ch := pubsub.Channel()

	o.logger.Info("expiry observer started", zap.String("channel", expiredChannel))
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			o.handleExpired(ctx, msg.Payload)
		case <-ctx.Done():
			o.logger.Info("expiry observer stopped")
			return
		}
	}
}

// handleExpired resolves one expired key. Only timeout keys are interesting;
// the shadow hash still holds the back-channel because only a successful
// response consumes it.
func (o *ExpiryObserver) handleExpired(ctx context.Context, key string) {
	if !strings.HasPrefix(key, TimeoutKeyPrefix) {
		return
	}
	correlationID := strings.TrimPrefix(key, TimeoutKeyPrefix)
	log := o.logger.With(zap.String("correlation_id", correlationID))

	shadow, err := o.client.HGetAll(ctx, ShadowKey(correlationID)).Result()
	if err != nil {
		log.Warn("failed to read shadow key", zap.Error(err))
		return
	}
	if len(shadow) == 0 {
		// A response raced the expiry and won; nothing to do.
		log.Debug("shadow already consumed")
		return
	}

	businessID := shadow["businessId"]
	respStream := shadow["streamResponseName"]
	if respStream == "" {
		respStream = ResponseStream
	}

	// The DEL of the timeout key inside the script is a no-op here; the
	// append is what matters.
	_, err = o.engine.Response(ctx,
		TimeoutKey(correlationID), respStream, ShadowKey(correlationID),
		correlationID, businessID,
		[]jsonx.Field{
			{Key: "responseType", Value: ResponseTypeTimeout},
			{Key: "message", Value: "request timed out"},
			{Key: "timedOutAt", Value: time.Now().UTC().Format(time.RFC3339)},
		},
	)
	if err != nil {
		log.Warn("failed to emit timeout response", zap.Error(err))
		return
	}

	log.Info("request timed out", zap.String("business_id", businessID))
	o.broadcaster.Broadcast(events.InfoEvent("TIMEOUT:" + correlationID))
}
