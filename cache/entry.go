package cache

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// Entry is a single cached value.
type Entry struct {
	Key       string
	Data      any
	CreatedAt time.Time
	// TTL is NoExpiry for entries that never expire.
	TTL time.Duration
}

// ExpiresAt returns CreatedAt + TTL, or the zero time when the entry has no TTL.
func (e *Entry) ExpiresAt() time.Time {
	if e.TTL < 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether the entry's TTL has passed at now.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTL < 0 {
		return false
	}
	return now.After(e.ExpiresAt())
}

// Age is how long ago the entry was written.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Lookup is the result of a successful read.
type Lookup[T any] struct {
	Data  T
	Stale bool
	Age   time.Duration
}

// record is the JSON shape persisted in the durable tier.
type record struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	TTL       *int64          `json:"ttl"`
	ExpiresAt *int64          `json:"expiresAt"`
}

func encodeEntry(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %q", e.Key)
	}
	rec := record{Data: data, Timestamp: e.CreatedAt.UnixMilli()}
	if e.TTL >= 0 {
		ttl := e.TTL.Milliseconds()
		exp := e.ExpiresAt().UnixMilli()
		rec.TTL = &ttl
		rec.ExpiresAt = &exp
	}
	return json.Marshal(rec)
}

// decodeEntry parses a durable record. The payload stays a json.RawMessage
// until a typed read converts it.
func decodeEntry(key string, buf []byte) (*Entry, error) {
	var rec record
	if err := json.Unmarshal(buf, &rec); err != nil {
		return nil, errors.Wrapf(err, "decode %q", key)
	}
	if rec.Data == nil {
		return nil, errors.Newf("decode %q: missing data", key)
	}
	e := &Entry{
		Key:       key,
		Data:      rec.Data,
		CreatedAt: time.UnixMilli(rec.Timestamp),
		TTL:       NoExpiry,
	}
	if rec.TTL != nil {
		e.TTL = time.Duration(*rec.TTL) * time.Millisecond
	}
	return e, nil
}

// expiredRecord reports whether a raw durable value is past its expiry or
// cannot be parsed at all.
func expiredRecord(buf []byte, now time.Time) bool {
	var rec record
	if err := json.Unmarshal(buf, &rec); err != nil {
		return true
	}
	return rec.ExpiresAt != nil && now.UnixMilli() > *rec.ExpiresAt
}
