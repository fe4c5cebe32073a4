// Package topic implements the topic exchange: table-driven routing rules
// stored in Redis, their CRUD surface, and the atomic route_message call.
package topic

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Exchange is the logical input stream of the topic router.
const Exchange = "events.topic.v1"

// ErrRuleNotFound is returned when a rule id is absent from the rule table.
var ErrRuleNotFound = errors.New("routing rule not found")

// Rule is one entry of the routing table. Rules are stored as JSON values in
// the rules hash; the route_message script decodes the same representation.
type Rule struct {
	ID          string `json:"id" yaml:"id"`
	Pattern     string `json:"pattern" yaml:"pattern"`
	Destination string `json:"destination" yaml:"destination"`
	Priority    int    `json:"priority" yaml:"priority"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	StopOnMatch bool   `json:"stopOnMatch" yaml:"stopOnMatch"`
	Description string `json:"description" yaml:"description"`
}

// Metadata describes the rule table itself.
type Metadata struct {
	MaxRules    int    `json:"maxRules" yaml:"maxRules"`
	Version     string `json:"version" yaml:"version"`
	UpdatedAt   string `json:"updatedAt" yaml:"updatedAt"`
	Description string `json:"description" yaml:"description"`
}

//go:embed defaults.yaml
var defaultsYAML []byte

type defaultsFile struct {
	Metadata Metadata `yaml:"metadata"`
	Rules    []Rule   `yaml:"rules"`
}

// DefaultRules returns the built-in rule set and its metadata.
func DefaultRules() ([]Rule, Metadata, error) {
	var f defaultsFile
	if err := yaml.Unmarshal(defaultsYAML, &f); err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to parse default rules: %w", err)
	}
	return f.Rules, f.Metadata, nil
}

// Store is the typed CRUD layer over the rules hash and its metadata hash.
type Store struct {
	client   *redis.Client
	exchange string
	logger   *zap.Logger
}

// NewStore creates a Store for the given exchange.
func NewStore(client *redis.Client, exchange string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, exchange: exchange, logger: logger}
}

// RulesKey is the hash holding the rule table.
func (s *Store) RulesKey() string { return "routing:rules:" + s.exchange }

// metadataKey is the hash holding the table metadata.
func (s *Store) metadataKey() string { return "routing:config:" + s.exchange }

// List returns every rule, sorted by ascending priority (ties by id).
func (s *Store) List(ctx context.Context) ([]Rule, error) {
	values, err := s.client.HGetAll(ctx, s.RulesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	rules := make([]Rule, 0, len(values))
	for id, raw := range values {
		var rule Rule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			s.logger.Warn("skipping unparseable rule", zap.String("id", id), zap.Error(err))
			continue
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority == rules[j].Priority {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].Priority < rules[j].Priority
	})
	return rules, nil
}

// Get returns the rule with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Rule, error) {
	raw, err := s.client.HGet(ctx, s.RulesKey(), id).Result()
	if err == redis.Nil {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	var rule Rule
	if err := json.Unmarshal([]byte(raw), &rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule %s: %w", id, err)
	}
	return &rule, nil
}

// Save validates and upserts a rule, stamping updatedAt on the metadata.
func (s *Store) Save(ctx context.Context, rule Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	meta, err := s.GetMetadata(ctx)
	if err != nil {
		return err
	}
	if meta.MaxRules > 0 {
		exists, err := s.client.HExists(ctx, s.RulesKey(), rule.ID).Result()
		if err != nil {
			return fmt.Errorf("failed to check rule %s: %w", rule.ID, err)
		}
		if !exists {
			count, err := s.client.HLen(ctx, s.RulesKey()).Result()
			if err != nil {
				return fmt.Errorf("failed to count rules: %w", err)
			}
			if count >= int64(meta.MaxRules) {
				return fmt.Errorf("rule table is full (max %d rules)", meta.MaxRules)
			}
		}
	}

	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule %s: %w", rule.ID, err)
	}
	if err := s.client.HSet(ctx, s.RulesKey(), rule.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}
	return s.touchMetadata(ctx, meta)
}

// Delete removes the rule with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	removed, err := s.client.HDel(ctx, s.RulesKey(), id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	if removed == 0 {
		return ErrRuleNotFound
	}
	meta, err := s.GetMetadata(ctx)
	if err != nil {
		return err
	}
	return s.touchMetadata(ctx, meta)
}

// GetMetadata returns the table metadata, with defaults where unset.
func (s *Store) GetMetadata(ctx context.Context) (Metadata, error) {
	values, err := s.client.HGetAll(ctx, s.metadataKey()).Result()
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to get metadata: %w", err)
	}
	meta := Metadata{MaxRules: 20, Version: "1"}
	if v, ok := values["maxRules"]; ok {
		if _, err := fmt.Sscanf(v, "%d", &meta.MaxRules); err != nil {
			s.logger.Warn("invalid maxRules in metadata", zap.String("value", v))
		}
	}
	if v, ok := values["version"]; ok {
		meta.Version = v
	}
	meta.UpdatedAt = values["updatedAt"]
	meta.Description = values["description"]
	return meta, nil
}

// SaveMetadata writes the table metadata, stamping updatedAt.
func (s *Store) SaveMetadata(ctx context.Context, meta Metadata) error {
	return s.touchMetadata(ctx, meta)
}

func (s *Store) touchMetadata(ctx context.Context, meta Metadata) error {
	err := s.client.HSet(ctx, s.metadataKey(),
		"maxRules", meta.MaxRules,
		"version", meta.Version,
		"updatedAt", time.Now().UTC().Format(time.RFC3339),
		"description", meta.Description,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

// ResetToDefaults wipes the rule table and its metadata and reinstalls the
// built-in rule set.
func (s *Store) ResetToDefaults(ctx context.Context) error {
	rules, meta, err := DefaultRules()
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.RulesKey(), s.metadataKey()).Err(); err != nil {
		return fmt.Errorf("failed to wipe rule table: %w", err)
	}
	pairs := make([]interface{}, 0, len(rules)*2)
	for _, rule := range rules {
		data, err := json.Marshal(rule)
		if err != nil {
			return fmt.Errorf("failed to encode default rule %s: %w", rule.ID, err)
		}
		pairs = append(pairs, rule.ID, data)
	}
	if err := s.client.HSet(ctx, s.RulesKey(), pairs...).Err(); err != nil {
		return fmt.Errorf("failed to install default rules: %w", err)
	}
	s.logger.Info("installed default routing rules",
		zap.String("exchange", s.exchange), zap.Int("rules", len(rules)))
	return s.touchMetadata(ctx, meta)
}

// EnsureDefaults installs the default rule set only when the table is empty.
func (s *Store) EnsureDefaults(ctx context.Context) error {
	count, err := s.client.HLen(ctx, s.RulesKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to inspect rule table: %w", err)
	}
	if count > 0 {
		return nil
	}
	return s.ResetToDefaults(ctx)
}

func validateRule(rule Rule) error {
	if rule.ID == "" {
		return errors.New("rule id is required")
	}
	if rule.Pattern == "" {
		return errors.New("rule pattern is required")
	}
	if rule.Destination == "" {
		return errors.New("rule destination is required")
	}
	return nil
}
