package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/streamlab/redis-patterns/internal/jsonx"
	"github.com/streamlab/redis-patterns/internal/worker"
	"go.uber.org/zap"
)

// produceTo appends an order-preserved JSON body to a fixed stream. The body
// is the entry: every field lands on the stream as given, including
// processingType, which the workers use to pick the simulated outcome.
func (s *Server) produceTo(c *gin.Context, stream string) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, "unreadable body")
		return
	}
	fields, err := jsonx.ParseObject(body)
	if err != nil {
		fail(c, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	if len(fields) == 0 {
		fail(c, http.StatusBadRequest, "payload is required")
		return
	}

	id, err := s.deps.Client.XAdd(c.Request.Context(), &redis.XAddArgs{
		Stream: stream,
		Values: jsonx.Flatten(fields),
	}).Result()
	if err != nil {
		s.logger.Error("produce failed", zap.String("stream", stream), zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to produce message")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"messageId":  id,
		"streamName": stream,
	})
}

func (s *Server) handleWorkQueueProduce(c *gin.Context) {
	s.produceTo(c, worker.WorkQueueStream)
}

func (s *Server) handleWorkQueueStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"streams": worker.WorkQueueStreams(s.config.WorkQueueWorkers),
	})
}

func (s *Server) handleFanoutProduce(c *gin.Context) {
	s.produceTo(c, worker.FanoutStream)
}

func (s *Server) handleFanoutStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"streams": worker.FanoutStreams(s.config.FanoutWorkers),
	})
}
