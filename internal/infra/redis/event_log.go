package redis

import (
	"context"

	"github.com/redis/go-redis/v9"

	"livequiz-session-service/internal/domain"
)

const eventStream = "quiz:events"

// EventLog appends events to a capped Redis stream, the append-only sink
// consumed by statistics and debugging tooling.
type EventLog struct {
	client *redis.Client
	maxLen int64
}

func NewEventLog(client *redis.Client, maxLen int64) *EventLog {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &EventLog{client: client, maxLen: maxLen}
}

func (l *EventLog) Append(ctx context.Context, event domain.Event) error {
	values := map[string]interface{}{
		"type":      event.Type,
		"sessionId": event.SessionID,
		"at":        event.At.UnixMilli(),
	}
	if event.ParticipantID != "" {
		values["participantId"] = event.ParticipantID
	}
	for k, v := range event.Detail {
		values["detail:"+k] = v
	}
	return l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: l.maxLen,
		Approx: true,
		Values: values,
	}).Err()
}
