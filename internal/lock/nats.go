package lock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// jsErrWrongLastSequence is the JetStream API code for a failed revision check.
const jsErrWrongLastSequence = 10071

type leaseRecord struct {
	Owner    string `json:"owner"`
	Deadline int64  `json:"deadline"` // micros
}

// NATSLeases stores lease records in a JetStream key-value bucket. Every
// change is conditional on the revision that was read, so concurrent writers
// fail instead of overwriting each other.
type NATSLeases struct {
	kv jetstream.KeyValue
}

// NewNATSLeases opens (or creates) the bucket used for lease records.
func NewNATSLeases(ctx context.Context, js jetstream.JetStream, bucket string) (*NATSLeases, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "resource lock leases",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("kv bucket %s: %w", bucket, err)
	}
	return &NATSLeases{kv: kv}, nil
}

// KV keys are restricted to [-/_=.a-zA-Z0-9]; cache keys are not.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jsErrWrongLastSequence {
		return true
	}
	return strings.Contains(err.Error(), "wrong last sequence")
}

func (s *NATSLeases) load(ctx context.Context, key string) (*leaseRecord, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("kv get %s: %w", key, err)
	}
	var rec leaseRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, 0, fmt.Errorf("decode lease %s: %w", key, err)
	}
	return &rec, entry.Revision(), nil
}

func (s *NATSLeases) Acquire(ctx context.Context, key, owner string, now, deadline time.Time) (bool, error) {
	k := encodeKey(key)
	rec, rev, err := s.load(ctx, k)
	if err != nil {
		return false, err
	}
	value, err := json.Marshal(leaseRecord{Owner: owner, Deadline: deadline.UnixMicro()})
	if err != nil {
		return false, err
	}

	if rec == nil {
		_, err = s.kv.Create(ctx, k, value)
	} else {
		if rec.Deadline > now.UnixMicro() {
			return false, nil
		}
		_, err = s.kv.Update(ctx, k, value, rev)
	}
	if err != nil {
		if isConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("kv write %s: %w", key, err)
	}
	return true, nil
}

func (s *NATSLeases) Extend(ctx context.Context, key, owner string, _, deadline time.Time) (bool, error) {
	k := encodeKey(key)
	rec, rev, err := s.load(ctx, k)
	if err != nil || rec == nil || rec.Owner != owner {
		return false, err
	}
	value, err := json.Marshal(leaseRecord{Owner: owner, Deadline: deadline.UnixMicro()})
	if err != nil {
		return false, err
	}
	if _, err := s.kv.Update(ctx, k, value, rev); err != nil {
		if isConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("kv update %s: %w", key, err)
	}
	return true, nil
}

func (s *NATSLeases) Release(ctx context.Context, key, owner string) (bool, error) {
	k := encodeKey(key)
	rec, rev, err := s.load(ctx, k)
	if err != nil || rec == nil || rec.Owner != owner {
		return false, err
	}
	if err := s.kv.Delete(ctx, k, jetstream.LastRevision(rev)); err != nil {
		if isConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("kv delete %s: %w", key, err)
	}
	return true, nil
}
