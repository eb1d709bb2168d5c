package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/aretw0/fragmenta/pkg/core"
)

var errLockHeld = errors.New("stream lock held by another owner")

// Lock implements core.Locker with a conditional put on LOCK#<stream>.
// An expired lock may be taken over; a held one is retried on a capped
// Fibonacci backoff.
func (s *Store) Lock(ctx context.Context, streamID string) (func(), error) {
	token := uuid.NewString()

	b := retry.NewFibonacci(s.cfg.LockBackoff)
	b = retry.WithCappedDuration(s.cfg.LockMaxWait, b)
	b = retry.WithMaxRetries(s.cfg.LockRetries, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := s.tryLock(ctx, streamID, token)
		if errors.Is(err, errLockHeld) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock on stream %q: %w", streamID, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.unlock(ctx, streamID, token); err != nil && s.cfg.Logger != nil {
				s.cfg.Logger.Warn("failed to release stream lock", "stream", streamID, "error", err)
			}
		})
	}, nil
}

func (s *Store) tryLock(ctx context.Context, streamID, token string) error {
	now := s.now()
	expires := now.Add(s.cfg.LockTTL)
	av, err := attributevalue.MarshalMap(lockItem{
		PK:        lockPK(streamID),
		SK:        lockSK,
		Token:     token,
		ExpiresAt: expires.UnixMilli(),
		TTL:       expires.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal lock: %w", err)
	}

	cond := expression.AttributeNotExists(expression.Name("PK")).
		Or(expression.Name("ExpiresAt").LessThan(expression.Value(now.UnixMilli())))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	s.writes.Add(1)
	_, err = s.api.PutItem(ctx, &awsdynamodb.PutItemInput{
		TableName:                 aws.String(s.cfg.Table),
		Item:                      av,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionFailed(err) {
		return errLockHeld
	}
	if err != nil {
		return storeErr("lock", err)
	}
	return nil
}

// unlock deletes the lock row only while it still carries token.
func (s *Store) unlock(ctx context.Context, streamID, token string) error {
	expr, err := expression.NewBuilder().
		WithCondition(expression.Name("Token").Equal(expression.Value(token))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	s.writes.Add(1)
	_, err = s.api.DeleteItem(ctx, &awsdynamodb.DeleteItemInput{
		TableName:                 aws.String(s.cfg.Table),
		Key:                       s.key(lockPK(streamID), lockSK),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionFailed(err) {
		return nil // expired and taken over; nothing of ours to release
	}
	return err
}

var _ core.Locker = (*Store)(nil)
