// Command server runs the federation gateway: discovery endpoints, signed
// inboxes, and the resolver and delivery services behind them. main wires
// dependencies and owns the process lifecycle; domain logic lives in the
// internal services.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"fedgate/internal/ap"
	"fedgate/internal/delivery/breaker"
	deliverymetrics "fedgate/internal/delivery/metrics"
	deliverysvc "fedgate/internal/delivery/service"
	"fedgate/internal/keys"
	"fedgate/internal/platform/config"
	"fedgate/internal/platform/httpserver"
	"fedgate/internal/platform/logger"
	"fedgate/internal/platform/postgres"
	platformredis "fedgate/internal/platform/redis"
	resolvermetrics "fedgate/internal/resolver/metrics"
	"fedgate/internal/resolver/models"
	resolversvc "fedgate/internal/resolver/service"
	actorstore "fedgate/internal/resolver/store/actor"
	failurestore "fedgate/internal/resolver/store/failure"
	instancestore "fedgate/internal/resolver/store/instance"
	keypairstore "fedgate/internal/resolver/store/keypair"
	httptransport "fedgate/internal/transport/http"
)

// instanceActorName is the username of the actor this server federates as.
const instanceActorName = "fedgate"

type actorStore interface {
	resolversvc.ActorStore
	CountLocal(ctx context.Context) (int, error)
}

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx := context.Background()

	var (
		actors    actorStore
		instances resolversvc.InstanceStore
		keypairs  resolversvc.KeypairStore
	)
	checks := map[string]httptransport.HealthCheck{}

	if cfg.PostgresURL != "" {
		db, err := postgres.Open(cfg.PostgresURL)
		if err != nil {
			log.Error("postgres connection failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		actorsPg := actorstore.NewPostgres(db)
		instancesPg := instancestore.NewPostgres(db)
		keypairsPg := keypairstore.NewPostgres(db)
		for name, ensure := range map[string]func(context.Context) error{
			"actors":    actorsPg.EnsureSchema,
			"instances": instancesPg.EnsureSchema,
			"keypairs":  keypairsPg.EnsureSchema,
		} {
			if err := ensure(ctx); err != nil {
				log.Error("schema setup failed", "store", name, "error", err)
				os.Exit(1)
			}
		}
		actors, instances, keypairs = actorsPg, instancesPg, keypairsPg
		checks["postgres"] = db.PingContext
		log.Info("using postgres stores")
	} else {
		actors = actorstore.NewInMemory()
		instances = instancestore.NewInMemory()
		keypairs = keypairstore.NewInMemory()
		log.Warn("no postgres configured, state will not survive restarts")
	}

	var failures resolversvc.FailureCache
	rdb, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
		failures = failurestore.NewRedis(rdb.Client)
		checks["redis"] = rdb.Health
		log.Info("using redis failure cache")
	} else {
		failures = failurestore.NewInMemory()
	}

	fetcher := resolversvc.NewClient(cfg.FetchTimeout)
	resolver := resolversvc.New(actors, instances, keypairs, failures, fetcher, cfg.Domain,
		resolversvc.WithLogger(log),
		resolversvc.WithMetrics(resolvermetrics.New()),
		resolversvc.WithRetryAfter(cfg.ResolutionRetryAfter),
		resolversvc.WithFetchTimeout(cfg.FetchTimeout),
		resolversvc.WithPageLimit(cfg.CollectionPageLimit),
	)

	delivery := deliverysvc.New(resolver, keypairs, resty.New().SetTimeout(cfg.FetchTimeout), cfg.Domain,
		deliverysvc.WithLogger(log),
		deliverysvc.WithMetrics(deliverymetrics.New()),
		deliverysvc.WithRetryPolicy(cfg.DeliveryMaxAttempts, cfg.DeliveryBackoffBase),
		deliverysvc.WithBreakers(breaker.NewRegistry()),
	)

	if err := ensureInstanceActor(ctx, cfg.Domain, actors, keypairs); err != nil {
		log.Error("instance actor setup failed", "error", err)
		os.Exit(1)
	}

	// Accepted activities are handed off here; what the application does
	// with them is outside the federation core.
	sink := httptransport.SinkFunc(func(ctx context.Context, actor string, act *ap.Activity) error {
		log.InfoContext(ctx, "inbound activity",
			"actor", actor,
			"type", act.Type,
			"activity_id", act.ID,
		)
		return nil
	})

	handler := httptransport.New(cfg.Domain, actors, resolver, sink, log)
	nodeinfo := httptransport.NewNodeinfo(cfg.Domain, cfg.SoftwareName, cfg.SoftwareVersion, actors)
	outbox := httptransport.NewOutbox(cfg.Domain, actors, delivery, log)
	router := httptransport.NewRouter(checks, handler, nodeinfo, outbox)

	srv := httpserver.New(cfg.Addr, router)

	go func() {
		log.Info("starting fedgate", "addr", cfg.Addr, "domain", cfg.Domain)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// ensureInstanceActor provisions the server's own actor and signing key on
// first start, so outbound fetches and deliveries can be signed immediately.
func ensureInstanceActor(ctx context.Context, domain string, actors actorStore, keypairs resolversvc.KeypairStore) error {
	id := fmt.Sprintf("https://%s/users/%s", domain, instanceActorName)

	kp, err := keys.NewInstanceKey(keypairs, id).Get(ctx)
	if err != nil {
		return fmt.Errorf("instance keypair: %w", err)
	}

	actor := &ap.Actor{
		Object: ap.Object{
			Context: ap.NewContext(ap.ActivityStreamsNS, ap.SecurityNS),
			ID:      id,
			Type:    "Service",
			Name:    "fedgate instance actor",
		},
		PreferredUsername: instanceActorName,
		Inbox:             id + "/inbox",
		Outbox:            id + "/outbox",
		Endpoints:         &ap.Endpoints{SharedInbox: fmt.Sprintf("https://%s/inbox", domain)},
		PublicKey: &ap.PublicKey{
			ID:           kp.KeyID,
			Owner:        id,
			PublicKeyPem: string(kp.PublicPEM),
		},
	}
	raw, err := ap.Encode(actor)
	if err != nil {
		return fmt.Errorf("encode instance actor: %w", err)
	}
	return actors.Upsert(ctx, &models.ActorRecord{
		Actor:     actor,
		Raw:       raw,
		Local:     true,
		FetchedAt: time.Now().UTC(),
	})
}
