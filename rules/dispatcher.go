package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"

	"github.com/propertyhub/rules/internal/logger"
)

// DispatchRequest is a side-effecting action handed off by the action applier.
type DispatchRequest struct {
	CorrelationID  string     `json:"correlationId"`
	ActionType     ActionType `json:"actionType"`
	Target         string     `json:"target,omitempty"`
	Payload        any        `json:"payload,omitempty"`
	RuleID         string     `json:"ruleId"`
	RuleName       string     `json:"ruleName"`
	OrganizationID string     `json:"organizationId"`
	PropertyID     string     `json:"propertyId,omitempty"`
	RoomTypeID     string     `json:"roomTypeId,omitempty"`
	StayDate       string     `json:"stayDate,omitempty"`
	RequestedAt    time.Time  `json:"requestedAt"`
}

// Dispatcher delivers notifications, automations and event logs. It returns
// the correlation id of the accepted request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (string, error)
}

// LogDispatcher writes dispatch requests to the structured log.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, req DispatchRequest) (string, error) {
	logger.Info("rule side effect",
		"correlationId", req.CorrelationID,
		"actionType", string(req.ActionType),
		"target", req.Target,
		"ruleId", req.RuleID,
		"organizationId", req.OrganizationID,
	)
	return req.CorrelationID, nil
}

// RedisDispatcher pushes dispatch requests onto per-action-type Redis lists
// for downstream notification and automation workers.
type RedisDispatcher struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDispatcher creates a dispatcher on an existing client.
// An empty prefix defaults to "rules:dispatch".
func NewRedisDispatcher(client *redis.Client, prefix string) *RedisDispatcher {
	if prefix == "" {
		prefix = "rules:dispatch"
	}
	return &RedisDispatcher{client: client, prefix: prefix, ttl: 24 * time.Hour}
}

// Dispatch enqueues the request (left push) and records its status hash.
func (d *RedisDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode dispatch request")
	}

	if err := d.client.LPush(ctx, d.queueKey(req.ActionType), data).Err(); err != nil {
		return "", errors.Wrapf(err, "failed to enqueue %s", req.ActionType)
	}

	statusKey := fmt.Sprintf("%s:status:%s", d.prefix, req.CorrelationID)
	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, statusKey, map[string]any{
		"action_type": string(req.ActionType),
		"rule_id":     req.RuleID,
		"status":      "queued",
		"queued_at":   req.RequestedAt.Unix(),
	})
	pipe.Expire(ctx, statusKey, d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		// the message is already queued; status tracking is best effort
		logger.Warn("failed to record dispatch status", "correlationId", req.CorrelationID, "error", err)
	}

	return req.CorrelationID, nil
}

// QueueLength returns the number of pending requests for an action type.
func (d *RedisDispatcher) QueueLength(ctx context.Context, actionType ActionType) (int64, error) {
	return d.client.LLen(ctx, d.queueKey(actionType)).Result()
}

func (d *RedisDispatcher) queueKey(actionType ActionType) string {
	return fmt.Sprintf("%s:%s", d.prefix, actionType)
}
