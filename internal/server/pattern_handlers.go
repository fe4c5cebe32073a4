package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/streamlab/redis-patterns/internal/jsonx"
	"github.com/streamlab/redis-patterns/internal/perkey"
	"github.com/streamlab/redis-patterns/internal/scheduler"
	"github.com/streamlab/redis-patterns/internal/tokenbucket"
	"go.uber.org/zap"
)

// handleRequestReplySend sends one correlated request. The body is the
// business request; its responseType field steers the inventory worker.
func (s *Server) handleRequestReplySend(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, "unreadable body")
		return
	}
	payload, err := jsonx.ParseObject(body)
	if err != nil {
		fail(c, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	if len(payload) == 0 {
		fail(c, http.StatusBadRequest, "request payload is required")
		return
	}

	correlationID, err := s.deps.Requester.Send(c.Request.Context(), payload)
	if err != nil {
		s.logger.Error("request send failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to send request")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "correlationId": correlationID})
}

func (s *Server) handlePerKeySubmit(c *gin.Context) {
	var orders []perkey.Order
	if err := c.ShouldBindJSON(&orders); err != nil {
		fail(c, http.StatusBadRequest, "body must be an array of {orderId, action}")
		return
	}
	if len(orders) == 0 {
		fail(c, http.StatusBadRequest, "at least one order is required")
		return
	}
	for _, order := range orders {
		if order.OrderID == "" || order.Action == "" {
			fail(c, http.StatusBadRequest, "orderId and action are required on every order")
			return
		}
	}

	ids, err := s.deps.PerKey.Submit(c.Request.Context(), orders)
	if err != nil {
		s.logger.Error("per-key submit failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to submit orders")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messageIds": ids})
}

func (s *Server) handleBucketGetConfig(c *gin.Context) {
	ctx := c.Request.Context()
	types, err := s.deps.BucketStore.Config(ctx)
	if err != nil {
		s.logger.Error("bucket config read failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to read config")
		return
	}
	running, err := s.deps.BucketStore.Running(ctx)
	if err != nil {
		s.logger.Error("bucket counters read failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to read counters")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"config":  types,
		"running": running,
	})
}

type bucketConfigRequest struct {
	Type string `json:"type"`
	Max  int    `json:"max"`
}

func (s *Server) handleBucketSetConfig(c *gin.Context) {
	var req bucketConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Type == "" {
		fail(c, http.StatusBadRequest, "type and max are required")
		return
	}
	if err := s.deps.BucketStore.SetMax(c.Request.Context(), req.Type, req.Max); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "type": req.Type, "max": req.Max})
}

type bucketSubmitRequest struct {
	Types []string `json:"types"`
	Type  string   `json:"type"`
	Count int      `json:"count"`
}

func (s *Server) handleBucketSubmit(c *gin.Context) {
	var req bucketSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	jobTypes := req.Types
	if len(jobTypes) == 0 && req.Type != "" {
		count := req.Count
		if count < 1 {
			count = 1
		}
		for i := 0; i < count; i++ {
			jobTypes = append(jobTypes, req.Type)
		}
	}
	if len(jobTypes) == 0 {
		fail(c, http.StatusBadRequest, "either types or type is required")
		return
	}

	ids, err := s.deps.Bucket.Submit(c.Request.Context(), jobTypes)
	if err != nil {
		s.logger.Error("bucket submit failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to submit jobs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messageIds": ids})
}

func (s *Server) handleBucketProgress(c *gin.Context) {
	count := int64(50)
	if v := c.Query("count"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 1 {
			fail(c, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = parsed
	}
	messages, err := s.deps.Client.XRevRangeN(c.Request.Context(), tokenbucket.ProgressStream(), "+", "-", count).Result()
	if err != nil {
		s.logger.Error("progress read failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to read progress")
		return
	}
	entries := make([]gin.H, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, gin.H{
			"messageId": msg.ID,
			"payload":   jsonx.Object(jsonx.FromValues(msg.Values)),
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "progress": entries})
}

func (s *Server) handleBucketLogs(c *gin.Context) {
	submitted, completed, err := s.deps.BucketStore.Logs(c.Request.Context())
	if err != nil {
		s.logger.Error("logs read failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to read logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"submitted": submitted,
		"completed": completed,
	})
}

func (s *Server) handleBucketClear(c *gin.Context) {
	if err := s.deps.BucketStore.Clear(c.Request.Context()); err != nil {
		s.logger.Error("bucket clear failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to clear state")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleScheduledList(c *gin.Context) {
	messages, err := s.deps.Scheduler.List(c.Request.Context())
	if err != nil {
		s.logger.Error("scheduled list failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to list scheduled messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": messages})
}

type scheduledRequest struct {
	DeliverAt int64           `json:"deliverAt"` // Unix milliseconds
	DelayMs   int64           `json:"delayMs"`   // alternative to deliverAt
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) scheduledArgs(c *gin.Context) ([]jsonx.Field, time.Time, bool) {
	var req scheduledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return nil, time.Time{}, false
	}
	payload, err := jsonx.ParseObject(req.Payload)
	if err != nil || len(payload) == 0 {
		fail(c, http.StatusBadRequest, "payload must be a non-empty JSON object")
		return nil, time.Time{}, false
	}
	var deliverAt time.Time
	switch {
	case req.DeliverAt > 0:
		deliverAt = time.UnixMilli(req.DeliverAt)
	case req.DelayMs > 0:
		deliverAt = time.Now().Add(time.Duration(req.DelayMs) * time.Millisecond)
	default:
		fail(c, http.StatusBadRequest, "either deliverAt or delayMs is required")
		return nil, time.Time{}, false
	}
	return payload, deliverAt, true
}

func (s *Server) handleScheduledCreate(c *gin.Context) {
	payload, deliverAt, ok := s.scheduledArgs(c)
	if !ok {
		return
	}
	msg, err := s.deps.Scheduler.Schedule(c.Request.Context(), payload, deliverAt)
	if err != nil {
		s.logger.Error("schedule failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to schedule message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

func (s *Server) handleScheduledUpdate(c *gin.Context) {
	payload, deliverAt, ok := s.scheduledArgs(c)
	if !ok {
		return
	}
	msg, err := s.deps.Scheduler.Update(c.Request.Context(), c.Param("id"), payload, deliverAt)
	if err == scheduler.ErrNotFound {
		fail(c, http.StatusNotFound, "scheduled message not found")
		return
	}
	if err != nil {
		s.logger.Error("scheduled update failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to update scheduled message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

func (s *Server) handleScheduledDelete(c *gin.Context) {
	err := s.deps.Scheduler.Delete(c.Request.Context(), c.Param("id"))
	if err == scheduler.ErrNotFound {
		fail(c, http.StatusNotFound, "scheduled message not found")
		return
	}
	if err != nil {
		s.logger.Error("scheduled delete failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to delete scheduled message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleScheduledClear(c *gin.Context) {
	if err := s.deps.Scheduler.Clear(c.Request.Context()); err != nil {
		s.logger.Error("scheduled clear failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to clear scheduled messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
