package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/skipon/matchmaker/internal/auth"
	"github.com/skipon/matchmaker/internal/ban"
	"github.com/skipon/matchmaker/internal/chat"
	"github.com/skipon/matchmaker/internal/config"
	"github.com/skipon/matchmaker/internal/httpapi"
	"github.com/skipon/matchmaker/internal/matching"
	"github.com/skipon/matchmaker/internal/messaging"
	"github.com/skipon/matchmaker/internal/metrics"
	"github.com/skipon/matchmaker/internal/moderation"
	"github.com/skipon/matchmaker/internal/ratelimit"
	"github.com/skipon/matchmaker/internal/relay"
	"github.com/skipon/matchmaker/internal/report"
	"github.com/skipon/matchmaker/internal/store"
	"github.com/skipon/matchmaker/internal/store/failover"
	"github.com/skipon/matchmaker/internal/store/mem"
	redisstore "github.com/skipon/matchmaker/internal/store/redis"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("matchserver: %v", err)
	}
}

func run(cfg config.Config) error {
	log.Println("Starting skipon matchserver...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis setup. An unreachable Redis at startup is not fatal: the
	// matchmaker runs on the in-process store instead.
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	redisErr := rdb.Ping(pingCtx).Err()
	cancel()

	fallback := mem.New(mem.Config{
		QueueTTL: cfg.Matching.QueueTTL,
		RoomTTL:  cfg.Matching.RoomTTL,
		ClaimTTL: cfg.Matching.ClaimTTL,
	})

	var primary store.Store
	if redisErr != nil {
		log.Printf("[store] redis %s unreachable: %v (starting on in-process store)", cfg.Redis.Address, redisErr)
		rdb.Close()
		rdb = nil
		metrics.StoreDegraded.Set(1)
	} else {
		primary = redisstore.New(rdb, redisstore.Config{
			Prefix:   cfg.Redis.Prefix,
			QueueTTL: cfg.Matching.QueueTTL,
			RoomTTL:  cfg.Matching.RoomTTL,
			ClaimTTL: cfg.Matching.ClaimTTL,
		})
	}
	st := failover.New(primary, fallback)
	st.OnDegrade(func(err error) {
		metrics.StoreDegraded.Set(1)
		log.Printf("[store] redis failed, switched to in-process store: %v", err)
	})
	defer st.Close()

	var (
		limiter *ratelimit.Limiter
		bans    *ban.Store
	)
	if rdb != nil && cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(rdb, cfg.Redis.Prefix)
	}
	if rdb != nil {
		bans = ban.NewStore(rdb, cfg.Redis.Prefix)
	}

	// NATS setup. Without NATS, match notifications and the room relay are
	// disabled; polling still works.
	var notifier matching.Notifier
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	if cfg.NATS.Name != "" {
		natsConfig.Name = cfg.NATS.Name
	}
	natsC, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Printf("[nats] %v (notifications and relay disabled)", err)
		natsC = nil
	} else {
		notifier = matching.NewPublisher(natsC)
		defer natsC.Close()
	}

	// Postgres setup for abuse reports.
	var reports *report.Store
	if cfg.Postgres.URL != "" {
		db, err := report.Open(cfg.Postgres.URL)
		if err != nil {
			log.Printf("[report] %v (reports disabled)", err)
		} else if err := report.Migrate(db); err != nil {
			log.Printf("[report] %v (reports disabled)", err)
			db.Close()
		} else {
			reports = report.NewStore(db)
			defer reports.Close()
		}
	}

	mm := matching.New(st, notifier, matching.Config{PollInterval: cfg.Matching.PollInterval})
	verifier := auth.NewVerifier(cfg.Auth.Secret)
	messages := chat.NewMessageBuffer()

	opts := httpapi.Options{
		Matchmaker:     mm,
		Verifier:       verifier,
		Messages:       messages,
		StoreMode:      st.Name,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}
	// Typed nils must not leak into the interface fields.
	if limiter != nil {
		opts.Limiter = limiter
	}
	if bans != nil {
		opts.Bans = bans
	}
	if reports != nil {
		opts.Reports = reports
	}

	var rl *relay.Relay
	if natsC != nil {
		ropts := relay.Options{
			Rooms:    mm,
			Bus:      natsC,
			Verifier: verifier,
			Filter:   moderation.NewFilter(),
			Messages: messages,
		}
		if limiter != nil {
			ropts.Limiter = limiter
		}
		rl = relay.New(ropts)
		opts.Relay = rl
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: httpapi.New(opts).Handler(),
	}

	log.Printf("skipon matchserver running")
	log.Printf("  http_addr:     %s", cfg.HTTP.Address)
	log.Printf("  store:         %s", st.Name())
	log.Printf("  nats:          %v", natsC != nil)
	log.Printf("  reports:       %v", reports != nil)
	log.Printf("  rate_limit:    %v", limiter != nil)
	log.Printf("  auth:          %v", verifier.Enabled())
	log.Printf("  poll_interval: %s", mm.PollInterval())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srv.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		log.Println("http server shutting down")
		if rl != nil {
			rl.Close()
		}
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		mm.StartCleanup(gctx, cfg.Matching.CleanupInterval)
		return nil
	})

	if rl != nil {
		g.Go(func() error {
			rl.StartHeartbeat(gctx, relay.DefaultHeartbeatConfig())
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Println("matchserver stopped")
	return nil
}
