// Package redis mirrors every checkpoint into Redis as a JSON document.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loykin/evolset/internal/record"
)

const DefaultKey = "evolset:dataset"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string        // document key, default "evolset:dataset"
	TTL      time.Duration // expiration, default 0 (no expiration)
}

// Writer stores the document under Key and a Key+":meta" hash holding the
// record count and the save time.
type Writer struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	now    func() time.Time
}

func New(opts Options) *Writer {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), opts.Key, opts.TTL)
}

// NewFromURL accepts redis://[user:pass@]host:port/db?key=name. The key
// parameter is removed before the URL reaches redis.ParseURL, which rejects
// options it does not know.
func NewFromURL(rawURL string) (*Writer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	q := u.Query()
	key := q.Get("key")
	q.Del("key")
	u.RawQuery = q.Encode()
	ro, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(ro), key, 0), nil
}

func NewWithClient(c *redis.Client, key string, ttl time.Duration) *Writer {
	if key == "" {
		key = DefaultKey
	}
	return &Writer{client: c, key: key, ttl: ttl, now: time.Now}
}

func (w *Writer) metaKey() string { return w.key + ":meta" }

func (w *Writer) Name() string { return "redis:" + w.key }

func (w *Writer) Write(ctx context.Context, doc record.Document) error {
	var buf bytes.Buffer
	if err := doc.Encode(&buf); err != nil {
		return err
	}
	pipe := w.client.TxPipeline()
	pipe.Set(ctx, w.key, buf.Bytes(), w.ttl)
	pipe.HSet(ctx, w.metaKey(),
		"count", doc.Len(),
		"saved_at", w.now().UTC().Format(time.RFC3339Nano))
	if w.ttl > 0 {
		pipe.Expire(ctx, w.metaKey(), w.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint to redis: %w", err)
	}
	return nil
}

// Load returns the mirrored document.
func (w *Writer) Load(ctx context.Context) (record.Document, error) {
	data, err := w.client.Get(ctx, w.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return record.Document{}, fmt.Errorf("checkpoint not found: %s", w.key)
		}
		return record.Document{}, fmt.Errorf("failed to load checkpoint from redis: %w", err)
	}
	return record.Decode(bytes.NewReader(data))
}

// Meta returns the record count and save time of the last mirrored checkpoint.
func (w *Writer) Meta(ctx context.Context) (int, time.Time, error) {
	m, err := w.client.HGetAll(ctx, w.metaKey()).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(m) == 0 {
		return 0, time.Time{}, fmt.Errorf("checkpoint not found: %s", w.key)
	}
	n, err := strconv.Atoi(m["count"])
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("bad count in %s: %w", w.metaKey(), err)
	}
	at, err := time.Parse(time.RFC3339Nano, m["saved_at"])
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("bad saved_at in %s: %w", w.metaKey(), err)
	}
	return n, at, nil
}

func (w *Writer) Close() error { return w.client.Close() }
