package main

import (
	"context"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"bingohall/internal/cache"
	"bingohall/internal/config"
	"bingohall/internal/pubsub"
	"bingohall/internal/repository"
	"bingohall/internal/service"
	"bingohall/internal/transport/rest"
	"bingohall/internal/transport/ws"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	cfg := config.Load()
	ctx := context.Background()

	// MongoDB connection
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	defer mongoClient.Disconnect(ctx)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mongoClient.Ping(pingCtx, nil); err != nil {
		log.Fatal().Err(err).Msg("failed to ping MongoDB")
	}
	log.Info().Msg("connected to MongoDB")

	db := mongoClient.Database(cfg.MongoDB)

	// Redis connection
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping Redis")
	}
	log.Info().Msg("connected to Redis")

	clock := clockwork.NewRealClock()
	rng := rand.New(rand.NewSource(clock.Now().UnixNano()))

	sessionRepo := repository.NewSessionRepo(db, log)
	snapshots := cache.NewSnapshotCache(rdb)

	broadcaster := pubsub.NewRedisBroadcaster(rdb, log)
	subscriber := pubsub.NewSubscriber(rdb, log)

	sessionSvc := service.NewSessionService(sessionRepo, snapshots, broadcaster, clock, rng, cfg.SessionTTL, log)
	grantSvc := service.NewGrantService([]byte(cfg.JWTSecret), cfg.GrantTTL, clock)

	wsHub := ws.NewHub(subscriber, sessionSvc, log)

	router := rest.NewRouter(&rest.Container{
		SessionService: sessionSvc,
		GrantService:   grantSvc,
		WSHub:          wsHub,
		CORSOrigins:    cfg.CORSOrigins,
		Log:            log,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}

	log.Info().Msg("server exited")
}
