package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/answerstream/runtime/chunk"
	"goa.design/answerstream/runtime/session"
	"goa.design/answerstream/runtime/session/sessiontest"
)

var (
	testRedis       *redis.Client
	redisContainer  testcontainers.Container
	skipIntegration bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		redisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()
	if containerErr == nil {
		containerErr = connect(ctx)
	}
	if containerErr != nil {
		fmt.Printf("redis integration tests skipped: %v\n", containerErr)
		skipIntegration = true
	}

	code := m.Run()

	if testRedis != nil {
		_ = testRedis.Close()
	}
	if redisContainer != nil {
		_ = redisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func connect(ctx context.Context) error {
	host, err := redisContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	testRedis = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	return testRedis.Ping(ctx).Err()
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if skipIntegration {
		t.Skip("docker not available")
	}
	require.NoError(t, testRedis.FlushDB(context.Background()).Err())
	opts.Redis = testRedis
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestStoreContract(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) session.Store { return newTestStore(t, Options{}) })
}

func TestStoreKeysExpire(t *testing.T) {
	store := newTestStore(t, Options{TTL: time.Second})
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, sessiontest.NewSession("s1", "t1")))
	_, err := store.Append(ctx, "s1", session.DoneOp())
	require.NoError(t, err)

	meta, log, stream := store.keys("s1")
	for _, key := range []string{meta, log, stream} {
		ttl, err := testRedis.PTTL(ctx, key).Result()
		require.NoError(t, err)
		require.Greater(t, ttl, time.Duration(0), key)
		require.LessOrEqual(t, ttl, time.Second, key)
	}

	require.Eventually(t, func() bool {
		_, err := store.Load(ctx, "s1")
		return errors.Is(err, session.ErrNotFound)
	}, 5*time.Second, 100*time.Millisecond)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
	n, err := testRedis.ZCard(ctx, store.indexKey()).Result()
	require.NoError(t, err)
	require.Zero(t, n, "expired sessions are pruned from the index")
}

func TestStreamIDsMatchReplayPosition(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, sessiontest.NewSession("s1", "t1")))

	for i := range 3 {
		op := session.UpdateOp(chunk.Add{Chunk: chunk.Chunk{ID: fmt.Sprintf("c%d", i), Type: chunk.TypeText, Text: "x"}})
		_, err := store.Append(ctx, "s1", op)
		require.NoError(t, err)
	}
	got, err := store.Tail(ctx, "s1", session.EntryID(0), 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 1, got[0].Seq)
	require.Equal(t, "0-2", got[0].ID)
	require.Equal(t, "c1", got[0].Op.Chunk.ID)
}

func TestStoreAppendRejectsInvalidRecord(t *testing.T) {
	store := newTestStore(t, Options{})
	require.NoError(t, store.Init(context.Background(), sessiontest.NewSession("s1", "t1")))
	_, err := store.Append(context.Background(), "s1", session.Op{Kind: "bogus"})
	require.Error(t, err)
}

func TestStorePing(t *testing.T) {
	store := newTestStore(t, Options{})
	require.Equal(t, "redis", store.Name())
	require.NoError(t, store.Ping(context.Background()))
}
