package reqreply

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/jsonx"
	"github.com/streamlab/redis-patterns/internal/scripts"
	"github.com/streamlab/redis-patterns/internal/worker"
	"go.uber.org/zap"
)

// InventoryConfig tunes the request-side worker.
type InventoryConfig struct {
	MinIdle       time.Duration
	MaxDeliveries int
	PollInterval  time.Duration
	ErrorBackoff  time.Duration
}

// NewInventoryWorker builds the worker that answers hold-inventory requests.
// The request's responseType field selects the reply style: OK and KO respond
// and ack, ERROR responds without acking so the entry retries, and TIMEOUT
// stays silent so the client sees the expiry path fire.
func NewInventoryWorker(client *redis.Client, engine *scripts.Engine, broadcaster *events.Broadcaster, cfg InventoryConfig, logger *zap.Logger) *worker.Harness {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &worker.Harness{
		Consumer:      "inventory-1",
		Stream:        RequestStream,
		DLQStream:     RequestDLQ(),
		Group:         RequestGroup,
		MinIdle:       cfg.MinIdle,
		MaxDeliveries: cfg.MaxDeliveries,
		PollInterval:  cfg.PollInterval,
		ErrorBackoff:  cfg.ErrorBackoff,
		Engine:        engine,
		Client:        client,
		Broadcaster:   broadcaster,
		Logger:        logger,
		Process:       inventoryProcessor(engine, logger),
	}
}

func inventoryProcessor(engine *scripts.Engine, logger *zap.Logger) worker.ProcessFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, entry scripts.Entry, consumer string) worker.Outcome {
		correlationID := entry.Field("correlationId")
		businessID := entry.Field("businessId")
		responseType := entry.Field("responseType")
		log := logger.With(
			zap.String("correlation_id", correlationID),
			zap.String("response_type", responseType))

		respond := func(payload []jsonx.Field) bool {
			_, err := engine.Response(ctx,
				TimeoutKey(correlationID), ResponseStream, ShadowKey(correlationID),
				correlationID, businessID, payload,
			)
			if err != nil {
				log.Warn("response failed", zap.Error(err))
				return false
			}
			return true
		}

		switch responseType {
		case ResponseTypeOK:
			payload := []jsonx.Field{{Key: "responseType", Value: ResponseTypeOK}}
			if items := entry.Field("items"); items != "" {
				payload = append(payload, jsonx.Field{Key: "items", Value: items})
			}
			payload = append(payload, jsonx.Field{Key: "message", Value: "inventory held"})
			if !respond(payload) {
				return worker.OutcomeRetry
			}
			return worker.OutcomeAck

		case ResponseTypeKO:
			if !respond([]jsonx.Field{
				{Key: "responseType", Value: ResponseTypeKO},
				{Key: "message", Value: "out of stock"},
			}) {
				return worker.OutcomeRetry
			}
			return worker.OutcomeAck

		case ResponseTypeError:
			// Respond, but leave the entry pending: retries and the DLQ
			// threshold exercise the failure path end to end.
			respond([]jsonx.Field{
				{Key: "responseType", Value: ResponseTypeError},
				{Key: "message", Value: "inventory service error"},
			})
			return worker.OutcomeRetry

		case ResponseTypeTimeout:
			// Silence: the timeout key's expiry produces the reply.
			log.Info("withholding response for timeout demo")
			return worker.OutcomeRetry

		default:
			log.Warn("unknown response type, acking without reply")
			return worker.OutcomeAck
		}
	}
}
