package main

import (
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync-api/api"
	"boardsync-api/broadcast"
	"boardsync-api/presence"
	"boardsync-api/router"
	"boardsync-api/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	storagePath := os.Getenv("STORAGE_PATH")
	if storagePath == "" {
		storagePath = "./boardsync.db"
	}
	store, err := storage.Open(storagePath)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	cacheTTL := 2 * time.Second
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			log.Fatalf("invalid CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}

	var taskService router.TaskService = store
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(parseRedisOptions(redisConn))
		taskService = storage.NewCache(store, rc, cacheTTL)
	}

	audit := newAuditPublisher()

	var dedupe *router.ReplayDeduper
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(parseRedisOptions(redisConn))
		ttl := 24 * time.Hour
		if v := os.Getenv("REPLAY_DEDUPE_TTL"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				log.Fatalf("invalid REPLAY_DEDUPE_TTL: %v", err)
			}
			ttl = d
		}
		dedupe = router.NewReplayDeduper(rc, ttl)
	}

	logger := log.StandardLogger()
	presenceRegistry := presence.NewRegistry()
	broadcaster := broadcast.NewBroadcaster()
	rtr := router.New(taskService, presenceRegistry, broadcaster, audit, dedupe, logger)
	srv := api.NewServer(rtr, broadcaster, presenceRegistry, taskService, logger)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))
	api.Register(e, srv)

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

// newAuditPublisher builds the best-effort audit sink from
// AZURE_STORAGE_CONNECTION_STRING, AUDIT_QUEUE_NAME and
// REBALANCE_AUDIT_TABLE. Audit becomes a no-op (a nil *AuditPublisher,
// which is safe to call) if any of the three is unset, matching
// SPEC_FULL.md §4.13's "audit is a no-op if unconfigured" contract.
func newAuditPublisher() *storage.AuditPublisher {
	connStr := os.Getenv("AZURE_STORAGE_CONNECTION_STRING")
	queueName := os.Getenv("AUDIT_QUEUE_NAME")
	tableName := os.Getenv("REBALANCE_AUDIT_TABLE")
	if connStr == "" || queueName == "" || tableName == "" {
		log.Info("audit publisher disabled: AZURE_STORAGE_CONNECTION_STRING, AUDIT_QUEUE_NAME and REBALANCE_AUDIT_TABLE must all be set")
		return nil
	}
	publisher, err := storage.NewAuditPublisher(connStr, queueName, tableName, storage.AuditPublisherConfig{})
	if err != nil {
		log.Fatalf("audit publisher: %v", err)
	}
	return publisher
}

// parseRedisOptions follows the teacher's own main.go fallback: try the
// standard redis:// URL form first, then fall back to a bare
// "host:port,password=...,ssl=true" string.
func parseRedisOptions(redisConn string) *redis.Options {
	if opts, err := redis.ParseURL(redisConn); err == nil {
		return opts
	}
	parts := strings.Split(redisConn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
