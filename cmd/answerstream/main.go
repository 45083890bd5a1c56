// Command answerstream serves resumable answer streams over HTTP.
//
// Answers are produced by an upstream agent reached over HTTP, persisted in
// Redis while they stream and delivered to callers as server-sent events.
// Callers that lose their connection resume from the last entry they saw.
//
// # Configuration
//
// An optional YAML file given with -config sets every option; environment
// variables listed on loadConfig override it.
//
// # Example
//
//	REDIS_URL=localhost:6379 AGENT_URL=http://localhost:8000 go run ./cmd/answerstream -debug
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/answerstream/features/agent/httpagent"
	convmongo "goa.design/answerstream/features/conversation/mongo"
	clientsmongo "goa.design/answerstream/features/conversation/mongo/clients/mongo"
	redisstore "goa.design/answerstream/features/session/redis"
	lifecycle "goa.design/answerstream/features/stream/pulse"
	clientspulse "goa.design/answerstream/features/stream/pulse/clients/pulse"
	"goa.design/answerstream/features/transport/sse"
	"goa.design/answerstream/runtime/session"
	"goa.design/answerstream/runtime/stream"
	"goa.design/answerstream/runtime/telemetry"
)

// threadWatcher adapts the Pulse subscriber to the events endpoint.
type threadWatcher struct {
	sub *lifecycle.Subscriber
}

func (w threadWatcher) Watch(ctx context.Context, threadID string) (<-chan stream.Lifecycle, <-chan error, context.CancelFunc, error) {
	return w.sub.Watch(ctx, threadID)
}

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs and the /debug endpoints")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if err := run(ctx, cfg, *dbgF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, cfg config, dbg bool) error {
	tel := telemetry.Clue()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	store, err := redisstore.New(redisstore.Options{Redis: rdb, Prefix: cfg.Redis.Prefix, TTL: cfg.Session.TTL})
	if err != nil {
		return fmt.Errorf("create session store: %w", err)
	}
	deps := []health.Pinger{store}

	var conversations stream.Conversations
	if cfg.Mongo.URI != "" {
		mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Errorf(ctx, err, "disconnect mongo")
			}
		}()
		cc, err := clientsmongo.New(clientsmongo.Options{
			Client:     mc,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			Timeout:    cfg.Mongo.Timeout,
		})
		if err != nil {
			return fmt.Errorf("create conversation client: %w", err)
		}
		conv, err := convmongo.NewConversations(cc)
		if err != nil {
			return err
		}
		conversations = conv
		deps = append(deps, cc)
	}

	var (
		notifier stream.Notifier
		watcher  sse.Watcher
		idle     func(context.Context, string) error
	)
	if cfg.Pulse.Enabled {
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.Pulse.StreamMaxLen})
		if err != nil {
			return fmt.Errorf("create pulse client: %w", err)
		}
		n, err := lifecycle.NewNotifier(lifecycle.Options{Client: pc})
		if err != nil {
			return fmt.Errorf("create notifier: %w", err)
		}
		defer func() {
			if err := n.Close(context.Background()); err != nil {
				log.Errorf(ctx, err, "close notifier")
			}
		}()
		sub, err := lifecycle.NewSubscriber(lifecycle.SubscriberOptions{Client: pc})
		if err != nil {
			return fmt.Errorf("create subscriber: %w", err)
		}
		notifier = n
		watcher = threadWatcher{sub: sub}
		idle = n.ForgetThread
	}

	connector, err := httpagent.New(httpagent.Options{
		BaseURL:    cfg.Agent.URL,
		HealthPath: cfg.Agent.HealthPath,
		AnswerPath: cfg.Agent.AnswerPath,
		SkipProbe:  cfg.Agent.SkipProbe,
		Logger:     tel.Logger,
	})
	if err != nil {
		return fmt.Errorf("create agent connector: %w", err)
	}
	producer, err := stream.NewProducer(stream.ProducerOptions{
		Store:         store,
		Connector:     connector,
		Conversations: conversations,
		Notifier:      notifier,
		Telemetry:     tel,
	})
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	resumer := stream.NewResumer(store, stream.ResumerOptions{Block: cfg.HTTP.TailBlock, Logger: tel.Logger})
	srv, err := sse.New(sse.Options{
		Producer:    producer,
		Resumer:     resumer,
		Watcher:     watcher,
		Buffer:      cfg.HTTP.Buffer,
		SendTimeout: cfg.HTTP.SendTimeout,
		Heartbeat:   cfg.HTTP.Heartbeat,
		Logger:      tel.Logger,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	sweeper := session.NewSweeper(store, session.SweeperOptions{
		Retention:        cfg.Session.TTL,
		Abandon:          cfg.Session.Abandon,
		DeletesPerSecond: cfg.Session.DeletesPerSecond,
		OnThreadIdle:     idle,
		Logger:           tel.Logger,
	})

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx, cfg.Session.SweepInterval)
	}()
	handleHTTPServer(ctx, cfg.HTTP.Addr, srv, health.NewChecker(deps...), &wg, errc, dbg)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()

	// Fail the answers still running so their sessions and resumers settle
	// before the stores close.
	sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := producer.Shutdown(sctx); err != nil {
		log.Errorf(ctx, err, "shutdown producer")
	}
	scancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}
