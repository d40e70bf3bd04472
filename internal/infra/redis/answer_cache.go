package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// AnswerCache stores learned correct answers in Redis so reveals survive a
// process restart within the TTL and stay shared across sessions.
// Keys: SET quiz:answer:{questionID} {answer} EX ttl.
type AnswerCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAnswerCache(client *redis.Client, ttl time.Duration) *AnswerCache {
	return &AnswerCache{client: client, ttl: ttl}
}

func (c *AnswerCache) Get(ctx context.Context, questionID string) (string, bool) {
	answer, err := c.client.Get(ctx, c.key(questionID)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		log.Warn().Err(err).Str("question_id", questionID).Msg("answer cache read failed")
		return "", false
	}
	return answer, answer != ""
}

func (c *AnswerCache) Put(ctx context.Context, questionID, answer string) {
	if answer == "" {
		return
	}
	if err := c.client.Set(ctx, c.key(questionID), answer, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("question_id", questionID).Msg("answer cache write failed")
	}
}

func (c *AnswerCache) key(questionID string) string {
	return "quiz:answer:" + questionID
}
