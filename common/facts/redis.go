package facts

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// argSep joins atom arguments inside a Redis set member. The unit
// separator cannot appear in argument values coming off the wire.
const argSep = "\x1f"

// RedisStore keeps each functor/arity family in one Redis set so that
// deployer and service hosts share a single fact base. Pattern matching
// happens client-side; the families the engine queries stay small.
type RedisStore struct {
	redis     *redis.Client
	logger    Logger
	keyPrefix string
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(redisClient *redis.Client, logger Logger) *RedisStore {
	return &RedisStore{
		redis:     redisClient,
		logger:    logger,
		keyPrefix: "facts:",
	}
}

func (s *RedisStore) key(a Atom) string {
	return s.keyPrefix + a.Key()
}

// Assert adds atoms to their family sets. SADD makes re-assertion a no-op.
func (s *RedisStore) Assert(ctx context.Context, atoms ...Atom) error {
	pipe := s.redis.Pipeline()
	for _, a := range atoms {
		pipe.SAdd(ctx, s.key(a), strings.Join(a.Args, argSep))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("facts SADD failed", "count", len(atoms), "error", err)
		return fmt.Errorf("failed to assert atoms: %w", err)
	}
	s.logger.Debug("facts asserted", "count", len(atoms))
	return nil
}

// Retract removes all members of the pattern's family that match it.
func (s *RedisStore) Retract(ctx context.Context, pattern Atom) (int, error) {
	members, err := s.redis.SMembers(ctx, s.key(pattern)).Result()
	if err != nil {
		s.logger.Error("facts SMEMBERS failed", "key", s.key(pattern), "error", err)
		return 0, fmt.Errorf("failed to read facts %s: %w", pattern.Key(), err)
	}
	var doomed []interface{}
	for _, m := range members {
		fact := Atom{Functor: pattern.Functor, Args: splitMember(m, pattern.Arity())}
		if _, ok := Match(pattern, fact); ok {
			doomed = append(doomed, m)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	if err := s.redis.SRem(ctx, s.key(pattern), doomed...).Err(); err != nil {
		s.logger.Error("facts SREM failed", "key", s.key(pattern), "error", err)
		return 0, fmt.Errorf("failed to retract facts %s: %w", pattern.Key(), err)
	}
	s.logger.Debug("facts retracted", "key", s.key(pattern), "count", len(doomed))
	return len(doomed), nil
}

// Query fetches the pattern's family and solves it client-side.
func (s *RedisStore) Query(ctx context.Context, pattern Atom) (Result, error) {
	members, err := s.redis.SMembers(ctx, s.key(pattern)).Result()
	if err != nil {
		s.logger.Error("facts SMEMBERS failed", "key", s.key(pattern), "error", err)
		return Result{}, fmt.Errorf("failed to query facts %s: %w", pattern.Key(), err)
	}
	fs := make([]Atom, 0, len(members))
	for _, m := range members {
		fs = append(fs, Atom{Functor: pattern.Functor, Args: splitMember(m, pattern.Arity())})
	}
	res := Solve(pattern, fs)
	s.logger.Debug("facts query", "key", s.key(pattern), "solutions", len(res.Rows))
	return res, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.redis.Close()
}

// splitMember recovers the argument list of a set member. The family key
// fixes the arity, so an empty member is either a zero-arg atom or a
// single empty argument.
func splitMember(m string, arity int) []string {
	if arity == 0 {
		return nil
	}
	return strings.Split(m, argSep)
}
