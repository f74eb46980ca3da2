package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgemesh-io/edgemesh/controlplane/audit"
	"github.com/edgemesh-io/edgemesh/controlplane/clock"
	"github.com/edgemesh-io/edgemesh/controlplane/coordination"
	"github.com/edgemesh-io/edgemesh/controlplane/eventbus"
	"github.com/edgemesh-io/edgemesh/controlplane/idempotency"
	"github.com/edgemesh-io/edgemesh/controlplane/middleware"
	"github.com/edgemesh-io/edgemesh/controlplane/resilience"
	"github.com/edgemesh-io/edgemesh/controlplane/scheduler"
	"github.com/edgemesh-io/edgemesh/controlplane/store"
)

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func nodeIdentity() string {
	hostname, _ := os.Hostname()
	return hostname + "-" + clock.IDMinter{}.NewNodeID()
}

func main() {
	var s store.Store
	var redisStore *store.RedisStore
	var err error

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		redisStore, err = store.NewRedisStore(redisAddr, os.Getenv("REDIS_PASSWORD"), envInt("REDIS_DB", 0))
		if err != nil {
			log.Fatalf("failed to connect to redis at %s: %v", redisAddr, err)
		}
		log.Printf("connected to redis at %s for storage and coordination", redisAddr)
		s = redisStore
	} else {
		log.Println("REDIS_ADDR not set, running single-process with an in-memory store")
		s = store.NewMemoryStore()
	}

	clk := clock.Real{}
	bus := eventbus.New(envInt("EVENT_BUS_CAPACITY", 2000))

	th := scheduler.DefaultFreshnessThresholds()
	policy := scheduler.DefaultRetryPolicy()
	claimTTL := scheduler.DefaultClaimTTL
	reaperInterval := scheduler.DefaultReaperInterval

	reconciler := NewReconciler(s, bus, clk, claimTTL, policy, th)
	reaper := NewReaper(s, bus, clk, policy, reaperInterval)
	admission := resilience.NewAdmissionController()

	ctx := context.Background()

	if dsn := os.Getenv("AUDIT_POSTGRES_DSN"); dsn != "" {
		sink, err := audit.NewPostgresSink(ctx, dsn)
		if err != nil {
			log.Printf("audit: postgres sink disabled, connect failed: %v", err)
		} else {
			defer sink.Close()
			go sink.Run(ctx, bus)
			log.Println("audit: streaming events to postgres")
		}
	}

	var elector *coordination.LeaderElector
	if redisStore != nil {
		elector = coordination.NewLeaderElector(redisStore, nodeIdentity(), 30*time.Second)
		janitor := coordination.NewLockJanitor(redisStore, elector, 60*time.Second)

		elector.SetCallbacks(
			func(ctx context.Context) {
				log.Println("elected leader, starting timeout reaper")
				reaper.Start(ctx)
			},
			func() {
				log.Println("lost leadership, timeout reaper stops on its own context cancellation")
			},
		)
		elector.Start(ctx)
		janitor.Start(ctx)
	} else {
		// Single-process mode: no lock to contend over, run the reaper directly.
		reaper.Start(ctx)
	}

	var idemStore *idempotency.Store
	if redisStore != nil {
		idemStore = idempotency.NewStore(redisStore)
		log.Println("using redis-backed idempotency store")
	} else {
		idemStore = idempotency.NewStore(nil)
		log.Println("using in-memory idempotency store")
	}

	api := NewAPI(s, reconciler, clk, th, elector, admission, bus, idemStore)
	go api.eventHub.Run(ctx)

	mux := api.Routes()
	mux.Handle("/metrics", promhttp.Handler())

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	fmt.Println("==================================================")
	fmt.Println("edgemesh control plane starting")
	fmt.Println("==================================================")
	fmt.Printf("listen:           %s\n", addr)
	fmt.Printf("store backend:    %s\n", storeBackendName(redisStore))
	fmt.Printf("claim ttl:        %s\n", claimTTL)
	fmt.Printf("reaper interval:  %s\n", reaperInterval)
	fmt.Printf("event bus cap:    %d\n", envInt("EVENT_BUS_CAPACITY", 2000))
	fmt.Println("==================================================")

	log.Printf("edgemesh control plane listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, middleware.CORSMiddleware(mux)))
}

func storeBackendName(redisStore *store.RedisStore) string {
	if redisStore != nil {
		return "redis"
	}
	return "memory"
}
