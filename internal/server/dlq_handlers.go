package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/streamlab/redis-patterns/internal/dlq"
	"github.com/streamlab/redis-patterns/internal/jsonx"
	"go.uber.org/zap"
)

// DefaultDemoStream backs DLQ calls that do not name a stream.
const DefaultDemoStream = "test-stream"

// handleDLQProduce appends a payload to a demo stream. The payload is decoded
// order-preserving so the entry's field order matches the request body.
func (s *Server) handleDLQProduce(c *gin.Context) {
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

	stream := DefaultDemoStream
	payload := make([]jsonx.Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == "streamName" {
			if f.Value != "" {
				stream = f.Value
			}
			continue
		}
		if f.Key == "payload" {
			nested, err := jsonx.ParseObject([]byte(f.Value))
			if err != nil {
				fail(c, http.StatusBadRequest, "payload must be a JSON object")
				return
			}
			payload = append(payload, nested...)
			continue
		}
		payload = append(payload, f)
	}
	if len(payload) == 0 {
		fail(c, http.StatusBadRequest, "payload is required")
		return
	}

	id, err := s.deps.DLQ.Produce(c.Request.Context(), stream, payload)
	if err != nil {
		s.logger.Error("dlq produce failed", zap.String("stream", stream), zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to produce message")
		return
	}
	// New demo streams become visible to observers from here on.
	s.deps.Tailer.Watch(s.runCtx, stream, dlq.DLQStream(stream))

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"messageId":  id,
		"streamName": stream,
	})
}

type dlqProcessRequest struct {
	StreamName    string `json:"streamName"`
	Consumer      string `json:"consumer"`
	ShouldSucceed bool   `json:"shouldSucceed"`
	Count         int    `json:"count"`
}

func (s *Server) handleDLQProcess(c *gin.Context) {
	var req dlqProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StreamName == "" {
		req.StreamName = DefaultDemoStream
	}

	result, err := s.deps.DLQ.Process(c.Request.Context(), req.StreamName, req.Consumer, req.ShouldSucceed, req.Count)
	if err != nil {
		s.logger.Error("dlq process failed", zap.String("stream", req.StreamName), zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to process message")
		return
	}

	resp := gin.H{
		"success":      true,
		"streamName":   req.StreamName,
		"processed":    result.Processed,
		"deadLettered": result.DeadLettered,
	}
	// Convenience top-level fields for the single-entry case.
	if len(result.Processed) > 0 {
		first := result.Processed[0]
		resp["messageId"] = first.ID
		resp["deliveryCount"] = first.DeliveryCount
		resp["wasRetry"] = first.WasRetry
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDLQBrowse(c *gin.Context) {
	stream := c.Param("name")
	count := int64(50)
	if v := c.Query("count"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 1 {
			fail(c, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = parsed
	}

	entries, err := s.deps.DLQ.Messages(c.Request.Context(), stream, count)
	if err != nil {
		s.logger.Error("stream browse failed", zap.String("stream", stream), zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to read stream")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"streamName": stream,
		"messages":   entries,
	})
}

func (s *Server) handleDLQDelete(c *gin.Context) {
	stream := c.Param("name")
	if err := s.deps.DLQ.DeleteStream(c.Request.Context(), stream); err != nil {
		s.logger.Error("stream delete failed", zap.String("stream", stream), zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to delete stream")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "streamName": stream})
}

func (s *Server) handleDLQGetConfig(c *gin.Context) {
	stream := c.DefaultQuery("streamName", DefaultDemoStream)
	cfg, err := s.deps.DLQ.Config(c.Request.Context(), stream)
	if err != nil {
		s.logger.Error("config read failed", zap.String("stream", stream), zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to read config")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"streamName":    stream,
		"maxDeliveries": cfg.MaxDeliveries,
		"minIdleMs":     cfg.MinIdle.Milliseconds(),
	})
}

type dlqConfigRequest struct {
	StreamName    string `json:"streamName"`
	MaxDeliveries int    `json:"maxDeliveries"`
	MinIdleMs     int64  `json:"minIdleMs"`
}

func (s *Server) handleDLQSetConfig(c *gin.Context) {
	var req dlqConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StreamName == "" {
		req.StreamName = DefaultDemoStream
	}
	cfg := dlq.Config{
		MaxDeliveries: req.MaxDeliveries,
		MinIdle:       time.Duration(req.MinIdleMs) * time.Millisecond,
	}
	if err := s.deps.DLQ.SetConfig(c.Request.Context(), req.StreamName, cfg); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "streamName": req.StreamName})
}
