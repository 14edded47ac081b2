package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goMFA/challenge"
)

const (
	challengeRecordVersion1 = 1
	challengeMaxRetries     = 4
	challengeTTLGrace       = 30 * time.Second
)

// RedisChallengeStore keeps all records of one transaction under a single
// key whose TTL outlives the latest expiry. Consume deletes the key inside a
// WATCH transaction, so exactly one caller claims it.
type RedisChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisChallengeStore(redisClient redis.UniversalClient, prefix string) *RedisChallengeStore {
	if prefix == "" {
		prefix = "mfa:ch"
	}
	return &RedisChallengeStore{redis: redisClient, prefix: prefix}
}

func (s *RedisChallengeStore) key(transactionID string) string {
	return s.prefix + ":" + transactionID
}

func (s *RedisChallengeStore) Create(ctx context.Context, r *challenge.Record) error {
	key := s.key(r.TransactionID)
	for i := 0; i < challengeMaxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			var records []*challenge.Record
			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				if records, err = decodeChallenges(data, r.TransactionID); err != nil {
					return err
				}
			}
			for _, existing := range records {
				if existing.Serial == r.Serial {
					return challenge.ErrExists
				}
			}
			cp := *r
			records = append(records, &cp)

			encoded, err := encodeChallenges(records)
			if err != nil {
				return err
			}
			ttl := keyTTL(records, r.CreatedAt)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, challenge.ErrExists) {
				return err
			}
			return fmt.Errorf("%w: %v", challenge.ErrBackend, err)
		}
		return nil
	}
	return fmt.Errorf("%w: create contention", challenge.ErrBackend)
}

func (s *RedisChallengeStore) Consume(ctx context.Context, transactionID string, now time.Time) ([]*challenge.Record, error) {
	key := s.key(transactionID)
	for i := 0; i < challengeMaxRetries; i++ {
		var claimed []*challenge.Record
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			records, err := decodeChallenges(data, transactionID)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err != nil {
				return err
			}
			for _, r := range records {
				if !r.Consumed {
					r.Consumed = true
					claimed = append(claimed, r)
				}
			}
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, challenge.ErrNotFound
			}
			return nil, fmt.Errorf("%w: %v", challenge.ErrBackend, err)
		}
		return challenge.Claim(claimed, now)
	}
	// Losing every round means another caller consumed it.
	return nil, challenge.ErrNotFound
}

// Sweep is a no-op: Redis expires transaction keys on its own.
func (s *RedisChallengeStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// keyTTL measures the remaining validity on the engine clock that stamped
// the records, so a skewed Redis or host clock cannot cut a challenge short.
func keyTTL(records []*challenge.Record, createdAt time.Time) time.Duration {
	var remaining time.Duration
	if createdAt.IsZero() {
		remaining = time.Until(latestExpiry(records))
	} else {
		remaining = latestExpiry(records).Sub(createdAt)
	}
	ttl := remaining + challengeTTLGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func latestExpiry(records []*challenge.Record) time.Time {
	var latest time.Time
	for _, r := range records {
		if r.ExpiresAt.After(latest) {
			latest = r.ExpiresAt
		}
	}
	return latest
}

func encodeChallenges(records []*challenge.Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(challengeRecordVersion1)
	if len(records) > 65535 {
		return nil, errors.New("too many challenges in transaction")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(records))); err != nil {
		return nil, err
	}
	for _, r := range records {
		var consumed byte
		if r.Consumed {
			consumed = 1
		}
		buf.WriteByte(consumed)
		if err := binary.Write(&buf, binary.BigEndian, r.CreatedAt.UnixNano()); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, r.ExpiresAt.UnixNano()); err != nil {
			return nil, err
		}
		if len(r.Serial) > 65535 {
			return nil, errors.New("challenge serial length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(r.Serial))); err != nil {
			return nil, err
		}
		buf.WriteString(r.Serial)
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(r.Payload))); err != nil {
			return nil, err
		}
		buf.WriteString(r.Payload)
	}
	return buf.Bytes(), nil
}

func decodeChallenges(data []byte, transactionID string) ([]*challenge.Record, error) {
	reader := bytes.NewReader(data)
	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersion1 {
		return nil, errors.New("invalid challenge record version")
	}
	var count uint16
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	out := make([]*challenge.Record, 0, count)
	for i := 0; i < int(count); i++ {
		r := &challenge.Record{TransactionID: transactionID}
		consumed, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		r.Consumed = consumed == 1
		var created, expires int64
		if err := binary.Read(reader, binary.BigEndian, &created); err != nil {
			return nil, err
		}
		if err := binary.Read(reader, binary.BigEndian, &expires); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		r.ExpiresAt = time.Unix(0, expires).UTC()

		var serialLen uint16
		if err := binary.Read(reader, binary.BigEndian, &serialLen); err != nil {
			return nil, err
		}
		serial := make([]byte, serialLen)
		if _, err := io.ReadFull(reader, serial); err != nil {
			return nil, err
		}
		r.Serial = string(serial)

		var payloadLen uint32
		if err := binary.Read(reader, binary.BigEndian, &payloadLen); err != nil {
			return nil, err
		}
		if int64(payloadLen) > int64(reader.Len()) {
			return nil, errors.New("challenge payload truncated")
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, err
		}
		r.Payload = string(payload)
		out = append(out, r)
	}
	return out, nil
}
