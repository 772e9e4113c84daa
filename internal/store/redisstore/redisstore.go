// Package redisstore is a signaling store kept in Redis.
//
// Each document is a JSON string. Writes run as Lua scripts so that the update,
// its version bump and the change notification are one atomic step.
// Subscribers receive versioned envelopes over pub/sub and skip stale ones.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"oreocam/native/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var mergeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local doc = {}
if cur then doc = cjson.decode(cur) end
for k, v in pairs(cjson.decode(ARGV[1])) do doc[k] = v end
local enc = cjson.encode(doc)
local ver = redis.call('INCR', KEYS[2])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('SET', KEYS[1], enc, 'PX', ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
else
  redis.call('SET', KEYS[1], enc)
end
redis.call('PUBLISH', KEYS[3], '{"v":' .. ver .. ',"exists":true,"data":' .. enc .. '}')
return ver
`)

var appendScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return redis.error_reply('NOTFOUND') end
local doc = cjson.decode(cur)
local arr = doc[ARGV[1]]
if arr == nil or arr == cjson.null then arr = {} end
if type(arr) ~= 'table' then return redis.error_reply('field is not an array') end
for _, v in ipairs(arr) do
  if v == ARGV[2] then return 0 end
end
table.insert(arr, ARGV[2])
doc[ARGV[1]] = arr
local enc = cjson.encode(doc)
local ver = redis.call('INCR', KEYS[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], enc, 'PX', ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
else
  redis.call('SET', KEYS[1], enc)
end
redis.call('PUBLISH', KEYS[3], '{"v":' .. ver .. ',"exists":true,"data":' .. enc .. '}')
return ver
`)

var deleteScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then return 0 end
local ver = redis.call('INCR', KEYS[2])
redis.call('PUBLISH', KEYS[3], '{"v":' .. ver .. ',"exists":false}')
return ver
`)

var getScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local ver = redis.call('GET', KEYS[2]) or '0'
if cur then return '{"v":' .. ver .. ',"exists":true,"data":' .. cur .. '}' end
return '{"v":' .. ver .. ',"exists":false}'
`)

// Options configures the store.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key and channel.
	Prefix string
	// TTL expires documents not written for that long. Zero keeps them.
	TTL time.Duration
}

// Store is a domain.Store on Redis.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ domain.Store = (*Store)(nil)

// Connect creates the client and checks the connection.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info().Str("module", "store").Str("addr", opts.Addr).Int("db", opts.DB).Msg("redis connected")
	return New(client, opts.Prefix, opts.TTL), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string, ttl time.Duration) *Store {
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) keys(path string) []string {
	return []string{
		s.prefix + "doc:" + path,
		s.prefix + "ver:" + path,
		s.prefix + "chan:" + path,
	}
}

func (s *Store) CreateOrMerge(ctx context.Context, path string, fields domain.Document) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: merge %s: %w", domain.ErrStoreWrite, path, err)
	}
	if err := mergeScript.Run(ctx, s.client, s.keys(path), string(encoded), s.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("%w: merge %s: %w", domain.ErrStoreWrite, path, err)
	}
	return nil
}

func (s *Store) AppendToArray(ctx context.Context, path, field, value string) error {
	err := appendScript.Run(ctx, s.client, s.keys(path), field, value, s.ttl.Milliseconds()).Err()
	switch {
	case err == nil:
		return nil
	case strings.Contains(err.Error(), "NOTFOUND"):
		return fmt.Errorf("%w: append %s: %w", domain.ErrStoreWrite, path, domain.ErrDocumentNotFound)
	default:
		return fmt.Errorf("%w: append %s.%s: %w", domain.ErrStoreWrite, path, field, err)
	}
}

// Delete removes the document. Deleting an absent document is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := deleteScript.Run(ctx, s.client, s.keys(path)).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %w", domain.ErrStoreWrite, path, err)
	}
	return nil
}

// Subscribe listens on the document channel, then reads the current state, so
// no change between the two is lost. Envelopes older than the last delivered
// version are dropped.
func (s *Store) Subscribe(ctx context.Context, path string, onChange func(domain.Snapshot)) (domain.Unsubscribe, error) {
	keys := s.keys(path)
	pubsub := s.client.Subscribe(ctx, keys[2])
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrStoreReadUnavailable, path, err)
	}

	raw, err := getScript.Run(ctx, s.client, keys).Text()
	if err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrStoreReadUnavailable, path, err)
	}
	initial, err := parseEnvelope(raw)
	if err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrStoreReadUnavailable, path, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	go func() {
		last := initial.Version
		onChange(initial.snapshot(path))

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					if subCtx.Err() == nil {
						onChange(domain.Snapshot{
							Path: path,
							Err:  fmt.Errorf("%w: %s: subscription closed", domain.ErrStoreReadUnavailable, path),
						})
					}
					return
				}
				env, err := parseEnvelope(msg.Payload)
				if err != nil {
					log.Warn().Err(err).Str("module", "store").Str("path", path).Msg("bad envelope")
					continue
				}
				if env.Version <= last {
					continue
				}
				last = env.Version
				if subCtx.Err() != nil {
					return
				}
				onChange(env.snapshot(path))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			pubsub.Close()
		})
	}, nil
}

type envelope struct {
	Version int64           `json:"v"`
	Exists  bool            `json:"exists"`
	Data    domain.Document `json:"data"`
}

func parseEnvelope(raw string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func (e envelope) snapshot(path string) domain.Snapshot {
	if !e.Exists {
		return domain.Snapshot{Path: path}
	}
	return domain.Snapshot{Path: path, Exists: true, Data: e.Data}
}
