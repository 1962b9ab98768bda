// Package jobstore keeps delivery job records for their limited lifetime.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
)

const (
	keyPrefix      = "job:"
	DefaultTTL     = 24 * time.Hour
	maxUpdateTries = 5
)

// Redis stores each job as a JSON document under job:{id}. Updates use
// optimistic locking so concurrent writers never lose an item result.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (s *Redis) Create(ctx context.Context, job *domain.DeliveryJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	ok, err := s.client.SetNX(ctx, keyPrefix+job.ID, raw, s.ttl).Result()
	if err != nil {
		return domain.WrapError(domain.ErrTemporary, "create job", err)
	}
	if !ok {
		return domain.WrapError(domain.ErrConflict, "create job", fmt.Errorf("job %s exists", job.ID))
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, id string) (*domain.DeliveryJob, error) {
	raw, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		return nil, s.readError("get job", id, err)
	}
	return decode(raw)
}

func (s *Redis) Update(ctx context.Context, id string, fn func(*domain.DeliveryJob) error) (*domain.DeliveryJob, error) {
	key := keyPrefix + id
	var updated *domain.DeliveryJob

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return s.readError("update job", id, err)
		}
		job, err := decode(raw)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		next, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateTries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, domain.WrapError(domain.ErrTemporary, "update job", fmt.Errorf("job %s changed concurrently", id))
}

func (s *Redis) readError(op, id string, err error) error {
	if errors.Is(err, redis.Nil) {
		return domain.WrapError(domain.ErrJobNotFound, op, fmt.Errorf("job %s", id))
	}
	return domain.WrapError(domain.ErrTemporary, op, err)
}

func decode(raw []byte) (*domain.DeliveryJob, error) {
	var job domain.DeliveryJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
