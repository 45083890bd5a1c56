// Package redis implements session.Store on Redis.
//
// Each session owns three keys sharing a hash tag so multi-key scripts stay
// on one slot:
//
//   - <prefix>session:{id}:meta   hash with status and metadata
//   - <prefix>session:{id}:log    list of JSON records (the replay log)
//   - <prefix>session:{id}:stream stream of the same records (the fan-out log)
//
// Stream entries are written with explicit ids "0-<n>" where n is the list
// length after the push, so a fan-out id always names the replay position of
// its record. Thread pointers live under <prefix>thread:<threadID> and a
// sorted set <prefix>sessions indexes sessions by start time for sweeping.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/answerstream/runtime/session"
)

type (
	// Options configures the Redis store.
	Options struct {
		// Redis is the caller-owned client. Required.
		Redis *redis.Client
		// Prefix namespaces every key. Defaults to "answerstream:".
		Prefix string
		// TTL is the retention of session keys from their last write.
		// Defaults to session.DefaultTTL.
		TTL time.Duration
		// StreamMaxLen approximately caps each fan-out stream. Readers that
		// fall behind the cap back-fill from the replay log. Defaults to
		// 10000.
		StreamMaxLen int64
		// Now overrides the clock used for timestamps.
		Now func() time.Time
	}

	// Store is a session.Store backed by Redis.
	Store struct {
		rdb    *redis.Client
		prefix string
		ttl    time.Duration
		maxLen int64
		now    func() time.Time
	}
)

const (
	fieldID          = "id"
	fieldThread      = "thread_id"
	fieldMessage     = "message_id"
	fieldStatus      = "status"
	fieldStartedAt   = "started_at"
	fieldCompletedAt = "completed_at"
	fieldError       = "error"

	streamField = "op"
)

// appendScript pushes a record to the replay log and the fan-out stream and
// refreshes every TTL. Returns the new log length or -1 when the session
// does not exist.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local n = redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('XADD', KEYS[3], 'MAXLEN', '~', ARGV[3], '0-' .. n, 'op', ARGV[1])
for i = 1, 3 do
  redis.call('PEXPIRE', KEYS[i], ARGV[2])
end
return n
`)

// statusScript applies a status transition where the first terminal status
// wins. Returns {changed, field, value, ...} or {-1} when the session does
// not exist.
var statusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1}
end
local cur = redis.call('HGET', KEYS[1], 'status')
local changed = 0
if cur ~= 'done' and cur ~= 'error' and cur ~= ARGV[1] then
  redis.call('HSET', KEYS[1], 'status', ARGV[1])
  if ARGV[2] ~= '' then
    redis.call('HSET', KEYS[1], 'error', ARGV[2])
  end
  if (ARGV[1] == 'done' or ARGV[1] == 'error') and redis.call('HEXISTS', KEYS[1], 'completed_at') == 0 then
    redis.call('HSET', KEYS[1], 'completed_at', ARGV[3])
  end
  changed = 1
end
for i = 1, 3 do
  redis.call('PEXPIRE', KEYS[i], ARGV[4])
end
local meta = redis.call('HGETALL', KEYS[1])
table.insert(meta, 1, changed)
return meta
`)

// New returns a Redis-backed store.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = "answerstream:"
	}
	if opts.TTL <= 0 {
		opts.TTL = session.DefaultTTL
	}
	if opts.StreamMaxLen <= 0 {
		opts.StreamMaxLen = 10000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		rdb:    opts.Redis,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		maxLen: opts.StreamMaxLen,
		now:    opts.Now,
	}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "redis" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Init implements session.Store.
func (s *Store) Init(ctx context.Context, sess session.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	started := sess.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	meta, log, stream := s.keys(sess.ID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, meta, log, stream)
		pipe.HSet(ctx, meta,
			fieldID, sess.ID,
			fieldThread, sess.ThreadID,
			fieldMessage, sess.MessageID,
			fieldStatus, string(session.StatusStreaming),
			fieldStartedAt, formatTime(started),
		)
		pipe.PExpire(ctx, meta, s.ttl)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(started.UnixMilli()), Member: sess.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis init session %s: %w", sess.ID, err)
	}
	return nil
}

// Append implements session.Store.
func (s *Store) Append(ctx context.Context, id string, op session.Op) (session.Entry, error) {
	if err := op.Validate(); err != nil {
		return session.Entry{}, err
	}
	data, err := json.Marshal(op)
	if err != nil {
		return session.Entry{}, fmt.Errorf("encode record: %w", err)
	}
	meta, log, stream := s.keys(id)
	n, err := appendScript.Run(ctx, s.rdb, []string{meta, log, stream}, data, s.ttl.Milliseconds(), s.maxLen).Int()
	if err != nil {
		return session.Entry{}, fmt.Errorf("redis append session %s: %w", id, err)
	}
	if n < 0 {
		return session.Entry{}, session.ErrNotFound
	}
	seq := n - 1
	return session.Entry{Seq: seq, ID: session.EntryID(seq), Op: op}, nil
}

// ReadFrom implements session.Store.
func (s *Store) ReadFrom(ctx context.Context, id string, cursor int) ([]session.Entry, error) {
	if cursor < 0 {
		cursor = 0
	}
	meta, log, _ := s.keys(id)
	var (
		exists *redis.IntCmd
		items  *redis.StringSliceCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, meta)
		items = pipe.LRange(ctx, log, int64(cursor), -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis read session %s: %w", id, err)
	}
	if exists.Val() == 0 {
		return nil, session.ErrNotFound
	}
	out := make([]session.Entry, 0, len(items.Val()))
	for i, raw := range items.Val() {
		op, err := decodeOp(raw)
		if err != nil {
			return nil, fmt.Errorf("session %s entry %d: %w", id, cursor+i, err)
		}
		seq := cursor + i
		out = append(out, session.Entry{Seq: seq, ID: session.EntryID(seq), Op: op})
	}
	return out, nil
}

// SetStatus implements session.Store.
func (s *Store) SetStatus(ctx context.Context, id string, status session.Status, errMsg string) (session.Session, bool, error) {
	if !status.Valid() {
		return session.Session{}, false, fmt.Errorf("invalid session status %q", status)
	}
	meta, log, stream := s.keys(id)
	res, err := statusScript.Run(ctx, s.rdb, []string{meta, log, stream},
		string(status), errMsg, formatTime(s.now()), s.ttl.Milliseconds()).Slice()
	if err != nil {
		return session.Session{}, false, fmt.Errorf("redis set status of session %s: %w", id, err)
	}
	if len(res) == 0 {
		return session.Session{}, false, fmt.Errorf("redis set status of session %s: empty reply", id)
	}
	changed, _ := res[0].(int64)
	if changed < 0 {
		return session.Session{}, false, session.ErrNotFound
	}
	fields := make(map[string]string, (len(res)-1)/2)
	for i := 1; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	sess, err := parseMeta(fields)
	if err != nil {
		return session.Session{}, false, fmt.Errorf("session %s: %w", id, err)
	}
	return sess, changed == 1, nil
}

// Load implements session.Store.
func (s *Store) Load(ctx context.Context, id string) (session.Session, error) {
	meta, _, _ := s.keys(id)
	fields, err := s.rdb.HGetAll(ctx, meta).Result()
	if err != nil {
		return session.Session{}, fmt.Errorf("redis load session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return session.Session{}, session.ErrNotFound
	}
	sess, err := parseMeta(fields)
	if err != nil {
		return session.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	return sess, nil
}

// Len implements session.Store.
func (s *Store) Len(ctx context.Context, id string) (int, error) {
	meta, log, _ := s.keys(id)
	var (
		exists *redis.IntCmd
		n      *redis.IntCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, meta)
		n = pipe.LLen(ctx, log)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis count session %s: %w", id, err)
	}
	if exists.Val() == 0 {
		return 0, session.ErrNotFound
	}
	return int(n.Val()), nil
}

// Tail implements session.Store.
func (s *Store) Tail(ctx context.Context, id, afterID string, block time.Duration) ([]session.Entry, error) {
	if afterID == "" {
		afterID = "0-0"
	}
	if block <= 0 {
		block = time.Millisecond
	}
	_, _, stream := s.keys(id)
	res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, afterID},
		Count:   512,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis tail session %s: %w", id, err)
	}
	var out []session.Entry
	for _, st := range res {
		for _, msg := range st.Messages {
			seq, err := session.ParseEntryID(msg.ID)
			if err != nil {
				return nil, fmt.Errorf("session %s: %w", id, err)
			}
			raw, _ := msg.Values[streamField].(string)
			op, err := decodeOp(raw)
			if err != nil {
				return nil, fmt.Errorf("session %s entry %d: %w", id, seq, err)
			}
			out = append(out, session.Entry{Seq: seq, ID: msg.ID, Op: op})
		}
	}
	return out, nil
}

// SetActive implements session.Store.
func (s *Store) SetActive(ctx context.Context, threadID, sessionID string) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	if err := s.rdb.Set(ctx, s.threadKey(threadID), sessionID, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set thread %s pointer: %w", threadID, err)
	}
	return nil
}

// ActiveSession implements session.Store.
func (s *Store) ActiveSession(ctx context.Context, threadID string) (string, error) {
	id, err := s.rdb.Get(ctx, s.threadKey(threadID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", session.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get thread %s pointer: %w", threadID, err)
	}
	return id, nil
}

// List implements session.Store. Index members whose keys expired are
// pruned from the index.
func (s *Store) List(ctx context.Context) ([]session.Session, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			meta, _, _ := s.keys(id)
			cmds[i] = pipe.HGetAll(ctx, meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis load sessions: %w", err)
	}
	var (
		out   []session.Session
		stale []any
	)
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		sess, err := parseMeta(fields)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", ids[i], err)
		}
		out = append(out, sess)
	}
	if len(stale) > 0 {
		if err := s.rdb.ZRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			return out, fmt.Errorf("redis prune session index: %w", err)
		}
	}
	return out, nil
}

// Delete implements session.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	meta, log, stream := s.keys(id)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, meta, log, stream)
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete session %s: %w", id, err)
	}
	return nil
}

func (s *Store) keys(id string) (meta, log, stream string) {
	base := s.prefix + "session:{" + id + "}:"
	return base + "meta", base + "log", base + "stream"
}

func (s *Store) threadKey(threadID string) string {
	return s.prefix + "thread:" + threadID
}

func (s *Store) indexKey() string {
	return s.prefix + "sessions"
}

func decodeOp(raw string) (session.Op, error) {
	var op session.Op
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return session.Op{}, fmt.Errorf("decode record: %w", err)
	}
	return op, nil
}

func parseMeta(fields map[string]string) (session.Session, error) {
	started, err := parseTime(fields[fieldStartedAt])
	if err != nil {
		return session.Session{}, fmt.Errorf("started_at: %w", err)
	}
	sess := session.Session{
		ID:        fields[fieldID],
		ThreadID:  fields[fieldThread],
		MessageID: fields[fieldMessage],
		Status:    session.Status(fields[fieldStatus]),
		StartedAt: started,
		Error:     fields[fieldError],
	}
	if v := fields[fieldCompletedAt]; v != "" {
		completed, err := parseTime(v)
		if err != nil {
			return session.Session{}, fmt.Errorf("completed_at: %w", err)
		}
		sess.CompletedAt = &completed
	}
	return sess, nil
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
