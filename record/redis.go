package record

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/delve/types"
)

// Key layout. Executions live in one hash per row: the scalar fields that
// conditional writes compare and mutate (status, lease) are hash fields the
// Lua scripts can touch directly; everything else rides in a msgpack blob.
const (
	keySession   = "delve:session:%s:%s"   // tenant, session
	keyDocuments = "delve:docs:%s:%s"      // tenant, session
	keyExecution = "delve:exec:%s:%s"      // tenant, execution
	keyExecState = "delve:execstate:%s:%s" // tenant, execution
	keyCodeLog   = "delve:codelog:%s:%s"   // tenant, execution
	keyCodeSeq   = "delve:codelog:%s:%s:seq"
	keyRunnable  = "delve:runnable"
)

// runnableMember encodes one runnable-set member.
func runnableMember(tenant, execution string) string {
	return tenant + "|" + execution
}

// putExecutionScript writes the row blob and status, and maintains the
// runnable index.
var putExecutionScript = goredis.NewScript(`
redis.call('HSET', KEYS[1], 'row', ARGV[1], 'status', ARGV[2])
if ARGV[3] == '1' then
  redis.call('SADD', KEYS[2], ARGV[4])
else
  redis.call('SREM', KEYS[2], ARGV[4])
end
return 1
`)

// updateStatusScript applies a terminal transition iff the stored status
// equals the expected one.
var updateStatusScript = goredis.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'row') == 0 then
  return -1
end
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'answer', ARGV[3], 'citations', ARGV[4], 'failure', ARGV[5], 'completed_at', ARGV[6])
redis.call('SREM', KEYS[2], ARGV[7])
return 1
`)

// acquireLeaseScript takes the lease when absent, expired, or already owned.
var acquireLeaseScript = goredis.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'row') == 0 then
  return -1
end
local owner = redis.call('HGET', KEYS[1], 'lease_owner')
local expires = tonumber(redis.call('HGET', KEYS[1], 'lease_expires_at'))
local now = tonumber(ARGV[2])
if owner and expires and expires > now and owner ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'lease_owner', ARGV[1], 'lease_expires_at', ARGV[3], 'lease_updated_at', ARGV[2])
return 1
`)

// renewLeaseScript extends the lease only for its current owner.
var renewLeaseScript = goredis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'lease_owner')
if owner ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'lease_expires_at', ARGV[3], 'lease_updated_at', ARGV[2])
return 1
`)

// releaseLeaseScript drops the lease only for its current owner.
var releaseLeaseScript = goredis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'lease_owner')
if owner == ARGV[1] then
  redis.call('HDEL', KEYS[1], 'lease_owner', 'lease_expires_at', 'lease_updated_at')
end
return 1
`)

// RedisStore is the Redis-backed record store.
type RedisStore struct {
	rdb *goredis.Client
}

// NewRedisStore connects to the Redis at the given URL.
// Format: redis://[:password@]host:port[/db]
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("record: redis store requires a URL")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("record: invalid redis URL: %w", err)
	}
	return &RedisStore{rdb: goredis.NewClient(opts)}, nil
}

// NewRedisStoreWithClient wraps an existing client; tests pass miniredis.
func NewRedisStoreWithClient(rdb *goredis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) PutSession(ctx context.Context, row *types.SessionRow) error {
	body, err := msgpack.Marshal(row)
	if err != nil {
		return fmt.Errorf("record: marshal session: %w", err)
	}
	key := fmt.Sprintf(keySession, row.Tenant, row.Session)
	return s.rdb.Set(ctx, key, body, 0).Err()
}

func (s *RedisStore) GetSession(ctx context.Context, tenant, session string) (*types.SessionRow, error) {
	key := fmt.Sprintf(keySession, tenant, session)
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("session %s/%s: %w", tenant, session, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("record: get session: %w", err)
	}
	var row types.SessionRow
	if err := msgpack.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("record: decode session: %w", err)
	}
	return &row, nil
}

func (s *RedisStore) PutDocument(ctx context.Context, row *types.DocumentRow) error {
	body, err := msgpack.Marshal(row)
	if err != nil {
		return fmt.Errorf("record: marshal document: %w", err)
	}
	key := fmt.Sprintf(keyDocuments, row.Tenant, row.Session)
	return s.rdb.HSet(ctx, key, row.DocID, body).Err()
}

func (s *RedisStore) ListDocuments(ctx context.Context, tenant, session string) ([]types.DocumentRow, error) {
	key := fmt.Sprintf(keyDocuments, tenant, session)
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("record: list documents: %w", err)
	}
	docs := make([]types.DocumentRow, 0, len(raw))
	for _, body := range raw {
		var row types.DocumentRow
		if err := msgpack.Unmarshal([]byte(body), &row); err != nil {
			return nil, fmt.Errorf("record: decode document: %w", err)
		}
		docs = append(docs, row)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocIndex < docs[j].DocIndex })
	return docs, nil
}

func (s *RedisStore) PutExecution(ctx context.Context, row *types.ExecutionRow) error {
	body, err := msgpack.Marshal(row)
	if err != nil {
		return fmt.Errorf("record: marshal execution: %w", err)
	}
	key := fmt.Sprintf(keyExecution, row.Tenant, row.Execution)
	runnable := "0"
	if row.Status == types.ExecRunning && row.Mode == types.ModeAnswerer {
		runnable = "1"
	}
	return putExecutionScript.Run(ctx, s.rdb,
		[]string{key, keyRunnable},
		body, string(row.Status), runnable, runnableMember(row.Tenant, row.Execution),
	).Err()
}

func (s *RedisStore) GetExecution(ctx context.Context, tenant, execution string) (*types.ExecutionRow, error) {
	key := fmt.Sprintf(keyExecution, tenant, execution)
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("record: get execution: %w", err)
	}
	raw, ok := fields["row"]
	if !ok {
		return nil, fmt.Errorf("execution %s/%s: %w", tenant, execution, ErrNotFound)
	}
	var row types.ExecutionRow
	if err := msgpack.Unmarshal([]byte(raw), &row); err != nil {
		return nil, fmt.Errorf("record: decode execution: %w", err)
	}
	// Scalar hash fields are authoritative over the blob.
	if v, ok := fields["status"]; ok && v != "" {
		row.Status = types.ExecutionStatus(v)
	}
	if v, ok := fields["answer"]; ok && v != "" {
		row.Answer = v
	}
	if v, ok := fields["citations"]; ok && v != "" {
		if err := msgpack.Unmarshal([]byte(v), &row.Citations); err != nil {
			return nil, fmt.Errorf("record: decode citations: %w", err)
		}
	}
	if v, ok := fields["failure"]; ok && v != "" {
		row.Failure = &types.Error{}
		if err := msgpack.Unmarshal([]byte(v), row.Failure); err != nil {
			return nil, fmt.Errorf("record: decode failure: %w", err)
		}
	}
	if v, ok := fields["completed_at"]; ok && v != "" {
		row.CompletedAt, _ = strconv.ParseInt(v, 10, 64)
	}
	row.LeaseOwner = fields["lease_owner"]
	row.LeaseExpiresAt, _ = strconv.ParseInt(fields["lease_expires_at"], 10, 64)
	row.LeaseUpdatedAt, _ = strconv.ParseInt(fields["lease_updated_at"], 10, 64)
	return &row, nil
}

func (s *RedisStore) UpdateExecutionStatus(ctx context.Context, update StatusUpdate) (bool, error) {
	key := fmt.Sprintf(keyExecution, update.Tenant, update.Execution)

	citations := ""
	if len(update.Citations) > 0 {
		body, err := msgpack.Marshal(update.Citations)
		if err != nil {
			return false, fmt.Errorf("record: marshal citations: %w", err)
		}
		citations = string(body)
	}
	failure := ""
	if update.Failure != nil {
		body, err := msgpack.Marshal(update.Failure)
		if err != nil {
			return false, fmt.Errorf("record: marshal failure: %w", err)
		}
		failure = string(body)
	}

	res, err := updateStatusScript.Run(ctx, s.rdb,
		[]string{key, keyRunnable},
		string(update.Expected), string(update.Status),
		update.Answer, citations, failure,
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		runnableMember(update.Tenant, update.Execution),
	).Int()
	if err != nil {
		return false, fmt.Errorf("record: update status: %w", err)
	}
	if res == -1 {
		return false, fmt.Errorf("execution %s/%s: %w", update.Tenant, update.Execution, ErrNotFound)
	}
	return res == 1, nil
}

func (s *RedisStore) AcquireLease(ctx context.Context, tenant, execution, owner string, now time.Time, duration time.Duration) (bool, error) {
	return s.leaseWrite(ctx, acquireLeaseScript, tenant, execution, owner, now, duration)
}

func (s *RedisStore) RenewLease(ctx context.Context, tenant, execution, owner string, now time.Time, duration time.Duration) (bool, error) {
	return s.leaseWrite(ctx, renewLeaseScript, tenant, execution, owner, now, duration)
}

func (s *RedisStore) leaseWrite(ctx context.Context, script *goredis.Script, tenant, execution, owner string, now time.Time, duration time.Duration) (bool, error) {
	key := fmt.Sprintf(keyExecution, tenant, execution)
	res, err := script.Run(ctx, s.rdb, []string{key},
		owner,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(duration).UnixMilli(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("record: lease write: %w", err)
	}
	if res == -1 {
		return false, fmt.Errorf("execution %s/%s: %w", tenant, execution, ErrNotFound)
	}
	return res == 1, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, tenant, execution, owner string) error {
	key := fmt.Sprintf(keyExecution, tenant, execution)
	return releaseLeaseScript.Run(ctx, s.rdb, []string{key}, owner).Err()
}

func (s *RedisStore) PutExecutionState(ctx context.Context, row *types.ExecutionStateRow) error {
	body, err := msgpack.Marshal(row)
	if err != nil {
		return fmt.Errorf("record: marshal execution state: %w", err)
	}
	key := fmt.Sprintf(keyExecState, row.Tenant, row.Execution)
	return s.rdb.Set(ctx, key, body, 0).Err()
}

func (s *RedisStore) GetExecutionState(ctx context.Context, tenant, execution string) (*types.ExecutionStateRow, error) {
	key := fmt.Sprintf(keyExecState, tenant, execution)
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("execution state %s/%s: %w", tenant, execution, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("record: get execution state: %w", err)
	}
	var row types.ExecutionStateRow
	if err := msgpack.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("record: decode execution state: %w", err)
	}
	return &row, nil
}

func (s *RedisStore) AppendCodeLog(ctx context.Context, entry *types.CodeLogEntry) error {
	seqKey := fmt.Sprintf(keyCodeSeq, entry.Tenant, entry.Execution)
	seq, err := s.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("record: code log sequence: %w", err)
	}
	entry.Seq = seq
	body, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("record: marshal code log entry: %w", err)
	}
	key := fmt.Sprintf(keyCodeLog, entry.Tenant, entry.Execution)
	return s.rdb.RPush(ctx, key, body).Err()
}

func (s *RedisStore) ListCodeLog(ctx context.Context, tenant, execution string) ([]types.CodeLogEntry, error) {
	key := fmt.Sprintf(keyCodeLog, tenant, execution)
	raw, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("record: list code log: %w", err)
	}
	entries := make([]types.CodeLogEntry, 0, len(raw))
	for _, body := range raw {
		var entry types.CodeLogEntry
		if err := msgpack.Unmarshal([]byte(body), &entry); err != nil {
			return nil, fmt.Errorf("record: decode code log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) ScanRunnable(ctx context.Context) ([]types.ExecutionRow, error) {
	members, err := s.rdb.SMembers(ctx, keyRunnable).Result()
	if err != nil {
		return nil, fmt.Errorf("record: scan runnable: %w", err)
	}
	rows := make([]types.ExecutionRow, 0, len(members))
	for _, member := range members {
		tenant, execution, ok := splitRunnableMember(member)
		if !ok {
			continue
		}
		row, err := s.GetExecution(ctx, tenant, execution)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if row.Status != types.ExecRunning {
			continue
		}
		rows = append(rows, *row)
	}
	sortRunnable(rows)
	return rows, nil
}

func splitRunnableMember(member string) (tenant, execution string, ok bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == '|' {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

// sortRunnable orders executions by (session, execution) for stable
// scheduling across replicas.
func sortRunnable(rows []types.ExecutionRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Session != rows[j].Session {
			return rows[i].Session < rows[j].Session
		}
		return rows[i].Execution < rows[j].Execution
	})
}

var _ Store = (*RedisStore)(nil)
