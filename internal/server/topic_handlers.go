package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/streamlab/redis-patterns/internal/jsonx"
	"github.com/streamlab/redis-patterns/internal/topic"
	"go.uber.org/zap"
)

// handleTopicRoute routes one message through the exchange. The body carries
// routingKey plus the payload fields; payload field order is preserved on
// every destination stream.
func (s *Server) handleTopicRoute(c *gin.Context) {
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

	routingKey := ""
	payload := make([]jsonx.Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == "routingKey" {
			routingKey = f.Value
			continue
		}
		payload = append(payload, f)
	}
	if routingKey == "" {
		fail(c, http.StatusBadRequest, "routingKey is required")
		return
	}

	result, err := s.deps.Router.Route(c.Request.Context(), routingKey, payload)
	if err != nil {
		s.logger.Error("routing failed", zap.String("routing_key", routingKey), zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to route message")
		return
	}
	s.watchTopicStreams(c)

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"exchangeId": result.ExchangeID,
		"routedTo":   result.RoutedTo,
	})
}

// watchTopicStreams keeps the tailer aligned with the current rule table.
func (s *Server) watchTopicStreams(c *gin.Context) {
	streams, err := s.deps.Router.DestinationStreams(c.Request.Context())
	if err != nil {
		s.logger.Warn("could not list destination streams", zap.Error(err))
		return
	}
	s.deps.Tailer.Watch(s.runCtx, streams...)
}

func (s *Server) handleTopicListRules(c *gin.Context) {
	rules, err := s.deps.Rules.List(c.Request.Context())
	if err != nil {
		s.logger.Error("rule list failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to list rules")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "rules": rules})
}

func (s *Server) handleTopicGetRule(c *gin.Context) {
	rule, err := s.deps.Rules.Get(c.Request.Context(), c.Param("id"))
	if err == topic.ErrRuleNotFound {
		fail(c, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		s.logger.Error("rule get failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to get rule")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "rule": rule})
}

func (s *Server) handleTopicSaveRule(c *gin.Context) {
	var rule topic.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		fail(c, http.StatusBadRequest, "invalid rule")
		return
	}
	if err := s.deps.Rules.Save(c.Request.Context(), rule); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.watchTopicStreams(c)
	c.JSON(http.StatusOK, gin.H{"success": true, "rule": rule})
}

func (s *Server) handleTopicDeleteRule(c *gin.Context) {
	err := s.deps.Rules.Delete(c.Request.Context(), c.Param("id"))
	if err == topic.ErrRuleNotFound {
		fail(c, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		s.logger.Error("rule delete failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleTopicGetMetadata(c *gin.Context) {
	meta, err := s.deps.Rules.GetMetadata(c.Request.Context())
	if err != nil {
		s.logger.Error("metadata read failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to read metadata")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "metadata": meta})
}

func (s *Server) handleTopicSetMetadata(c *gin.Context) {
	var meta topic.Metadata
	if err := c.ShouldBindJSON(&meta); err != nil {
		fail(c, http.StatusBadRequest, "invalid metadata")
		return
	}
	if err := s.deps.Rules.SaveMetadata(c.Request.Context(), meta); err != nil {
		s.logger.Error("metadata save failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to save metadata")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleTopicReset(c *gin.Context) {
	if err := s.deps.Rules.ResetToDefaults(c.Request.Context()); err != nil {
		s.logger.Error("rule reset failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to reset rules")
		return
	}
	s.watchTopicStreams(c)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
