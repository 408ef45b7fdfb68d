package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/oklog/run"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard-api/api"
	"taskboard-api/session"
	"taskboard-api/storage"
)

func main() {
	_ = godotenv.Load()

	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTableName := os.Getenv("TASKS_TABLE")
	attachmentsContainer := os.Getenv("ATTACHMENTS_CONTAINER")
	cleanupQueueName := os.Getenv("CLEANUP_QUEUE")
	if connStr == "" || tasksTableName == "" || attachmentsContainer == "" || cleanupQueueName == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, tasksTableName, attachmentsContainer, cleanupQueueName)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(redisOptions(redisConn))

	feedChannel := os.Getenv("FEED_CHANNEL")
	if feedChannel == "" {
		feedChannel = "task-changes"
	}
	feed := storage.NewChangeFeed(rc, feedChannel)
	store.AttachFeed(feed)

	urlCacheTTL := 55 * time.Minute
	if v := os.Getenv("URL_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			log.Fatalf("invalid URL_CACHE_TTL: %v", err)
		}
		urlCacheTTL = d
	}
	cache := storage.NewURLCache(rc, urlCacheTTL)

	logger := log.New()
	janitor := storage.NewJanitor(store.CleanupQueue(), store, rc, logger)

	auth := buildAuth()

	baseCtx, stopSessions := context.WithCancel(context.Background())
	manager := session.NewManager(baseCtx, store, feed, cache, janitor, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(middleware.BodyLimit("8M"))
	e.Use(api.GzipRequestMiddleware(8 << 20))
	api.Register(e, manager, auth, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	var g run.Group
	g.Add(func() error {
		return e.Start(listenAddr)
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("server shutdown: %v", err)
		}
	})

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	g.Add(func() error {
		return janitor.Run(janitorCtx)
	}, func(error) {
		stopJanitor()
	})

	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()
	stopSessions()
	manager.Close()
	if err != nil {
		var sigErr run.SignalError
		if errors.As(err, &sigErr) {
			logger.Infof("shutting down: %v", err)
			return
		}
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		logger.Fatalf("run: %v", err)
	}
}

// redisOptions parses either a redis URL or the comma-separated
// host,key=value form used by managed cache connection strings.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
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

func buildAuth() *api.Auth {
	if os.Getenv("LOCAL_AUTH_MODE") != "" {
		return api.NewAuth(nil, "", "")
	}
	audience := os.Getenv("AUTH0_AUDIENCE")
	domain := os.Getenv("AUTH0_DOMAIN")
	if audience == "" || domain == "" {
		log.Fatal("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(jwks, audience, "https://"+domain+"/")
}
