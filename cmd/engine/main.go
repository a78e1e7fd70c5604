package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pledger/internal/campaign"
	"pledger/internal/donation"
	"pledger/internal/donor"
	"pledger/internal/escrow"
	"pledger/internal/fees"
	"pledger/internal/identity"
	"pledger/internal/ledger"
	"pledger/internal/notify"
	"pledger/internal/platform/config"
	"pledger/internal/platform/httpserver"
	"pledger/internal/platform/logger"
	"pledger/internal/platform/metrics"
	platformredis "pledger/internal/platform/redis"
	"pledger/internal/records"
	"pledger/internal/recurring"
	"pledger/internal/wallet"
)

// main wires dependencies and runs the background scheduler plus the ops
// listener. Business logic lives in the internal services.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// Stores: Postgres when a DSN is configured, in-memory dev mode
	// otherwise.
	var (
		recordStore   records.Store
		campaignStore campaign.Store
		donorStore    donor.Store
		escrowStore   escrow.Store
		feeStore      fees.RecordStore
	)
	if cfg.Postgres.DSN != "" {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			log.Fatalf("postgres ping: %v", err)
		}
		recordStore = records.NewPostgresStore(db)
		campaignStore = campaign.NewPostgresStore(db)
		donorStore = donor.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		feeStore = fees.NewPostgresRecordStore(db)
		log.Printf("stores: postgres")
	} else {
		recordStore = records.NewInMemoryStore()
		campaignStore = campaign.NewInMemoryStore()
		donorStore = donor.NewInMemoryStore()
		escrowStore = escrow.NewInMemoryStore()
		feeStore = fees.NewInMemoryRecordStore()
		log.Printf("stores: in-memory (no PLEDGER_POSTGRES_DSN)")
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var sink notify.Sink
	if len(cfg.Kafka.Brokers) > 0 {
		ks, err := notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("notify"))
		if err != nil {
			log.Fatalf("kafka sink: %v", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ks.Close(flushCtx); err != nil {
				log.Printf("kafka sink close: %v", err)
			}
		}()
		sink = ks
	} else {
		sink = &notify.LogSink{Log: logger.Named("notify")}
	}

	var wallets wallet.Store
	if cfg.Engine.WalletSealKey != "" {
		wallets, err = wallet.NewSealedStore(cfg.Engine.WalletSealKey)
		if err != nil {
			log.Fatalf("wallet store: %v", err)
		}
	} else {
		wallets = wallet.NewSealedStoreWithRandomKey()
		log.Printf("wallet: ephemeral seal key (no PLEDGER_WALLET_SEAL_KEY)")
	}

	horizon := ledger.NewHorizonClient(cfg.Horizon.URL, cfg.Horizon.Timeout)
	advisor := fees.NewAdvisor(horizon, redisClient, cfg.Engine.MinBaseFee, logger.Named("fees"))
	gateway := ledger.NewGateway(horizon, advisor, m, logger.Named("ledger"))

	roles := identity.NewStaticRoles()

	donations := donation.NewService(donation.Config{
		Records:       recordStore,
		FeeRecords:    feeStore,
		Campaigns:     campaignStore,
		Donors:        donorStore,
		Gateway:       gateway,
		Fees:          advisor,
		Sink:          sink,
		Metrics:       m,
		Log:           logger.Named("donation"),
		SubmitTimeout: cfg.Engine.SubmitTimeout,
	})

	escrows := escrow.NewService(escrow.Config{
		Escrows:    escrowStore,
		Campaigns:  campaignStore,
		Donors:     donorStore,
		Records:    recordStore,
		FeeRecords: feeStore,
		Wallets:    wallets,
		Roles:      roles,
		Gateway:    gateway,
		Fees:       advisor,
		Sink:       sink,
		Metrics:    m,
		Log:        logger.Named("escrow"),
	})

	var lease recurring.Lease = recurring.NopLease{}
	if redisClient != nil {
		lease = recurring.NewRedisLease(redisClient)
	}
	scheduler := recurring.NewScheduler(recurring.Config{
		Donors:      donorStore,
		Campaigns:   campaignStore,
		Records:     recordStore,
		Wallets:     wallets,
		Processor:   donations,
		Lease:       lease,
		Roles:       roles,
		Sink:        sink,
		Metrics:     m,
		Log:         logger.Named("recurring"),
		Parallelism: cfg.Engine.RecurringParallelism,
	})

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(runCtx, cfg.Engine.RecurringInterval)
	go escrows.Run(runCtx, cfg.Engine.RecurringInterval)

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := httpserver.New(cfg.Ops.Addr, router)
	log.Printf("starting pledger engine, ops listener on %s", cfg.Ops.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ops server error: %v", err)
		}
	}()

	<-runCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
}
