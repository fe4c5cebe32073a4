package scripts

import (
	"context"
	"fmt"
	"time"

	"github.com/streamlab/redis-patterns/internal/jsonx"
)

// Entry is a stream entry delivered by ReadClaimOrDLQ: either a newly read
// entry or an idle one re-claimed for the calling consumer.
type Entry struct {
	ID     string
	Fields []jsonx.Field
}

// Field returns the value of the named field, or "" when absent.
func (e Entry) Field(key string) string {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// DeadLetter records an entry moved to the dead-letter stream: its original
// ID on the source stream, its fields, and its new ID on the DLQ.
type DeadLetter struct {
	OriginalID string
	Fields     []jsonx.Field
	DLQID      string
}

// ClaimResult is the outcome of one ReadClaimOrDLQ invocation.
type ClaimResult struct {
	Entries     []Entry
	DeadLetters []DeadLetter
}

// ReadClaimOrDLQ atomically scans the group's pending entries idle for at
// least minIdle: entries at or above maxDeliveries are claimed, appended to
// dlqStream and acked in the same step, the rest are re-claimed for consumer,
// and any remaining capacity is filled with new undelivered entries.
func (e *Engine) ReadClaimOrDLQ(ctx context.Context, stream, dlqStream, group, consumer string, minIdle time.Duration, count, maxDeliveries int) (*ClaimResult, error) {
	raw, err := readClaimOrDLQScript.Run(ctx, e.client,
		[]string{stream, dlqStream},
		group, consumer, minIdle.Milliseconds(), count, maxDeliveries,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("read_claim_or_dlq on %s: %w", stream, err)
	}
	return parseClaimResult(raw)
}

func parseClaimResult(raw interface{}) (*ClaimResult, error) {
	top, ok := raw.([]interface{})
	if !ok || len(top) != 2 {
		return nil, fmt.Errorf("unexpected read_claim_or_dlq reply: %T", raw)
	}

	result := &ClaimResult{}

	live, ok := top[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected live list in reply: %T", top[0])
	}
	for _, item := range live {
		pair, ok := item.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("unexpected live entry: %v", item)
		}
		id, fields, err := parseEntry(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		result.Entries = append(result.Entries, Entry{ID: id, Fields: fields})
	}

	dead, ok := top[1].([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected dead list in reply: %T", top[1])
	}
	for _, item := range dead {
		triple, ok := item.([]interface{})
		if !ok || len(triple) != 3 {
			return nil, fmt.Errorf("unexpected dead-letter entry: %v", item)
		}
		id, fields, err := parseEntry(triple[0], triple[1])
		if err != nil {
			return nil, err
		}
		dlqID, ok := triple[2].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected DLQ id: %v", triple[2])
		}
		result.DeadLetters = append(result.DeadLetters, DeadLetter{
			OriginalID: id,
			Fields:     fields,
			DLQID:      dlqID,
		})
	}

	return result, nil
}

// parseEntry decodes an (id, flat field list) pair from a script reply.
func parseEntry(rawID, rawFields interface{}) (string, []jsonx.Field, error) {
	id, ok := rawID.(string)
	if !ok {
		return "", nil, fmt.Errorf("unexpected entry id: %v", rawID)
	}
	list, ok := rawFields.([]interface{})
	if !ok {
		return "", nil, fmt.Errorf("unexpected field list for %s: %T", id, rawFields)
	}
	pairs := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return "", nil, fmt.Errorf("unexpected field value for %s: %v", id, v)
		}
		pairs = append(pairs, s)
	}
	return id, jsonx.FromPairs(pairs), nil
}
