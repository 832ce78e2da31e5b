package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"supportdesk/server/chat/api"
	"supportdesk/server/chat/repository"
	"supportdesk/server/chat/service"
	commonauth "supportdesk/server/common/auth"
	"supportdesk/server/common/infra/cache"
	"supportdesk/server/common/infra/db"
	"supportdesk/server/common/infra/mq"
	"supportdesk/server/common/infra/object"
	commonlog "supportdesk/server/common/log"
)

type Server struct {
	HTTPServer *http.Server
	Hub        *service.Hub
	Chat       *service.ChatService
	Redis      *redis.Client
	DB         *pgxpool.Pool
	MQConn     *amqp.Connection
	Publisher  service.Publisher
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := &Server{Publisher: service.NopPublisher{}}
	ok := false
	defer func() {
		if !ok {
			srv.closeBackends()
		}
	}()

	srv.Redis = cache.NewClient(cfg.RedisAddr)
	if err := cache.Ping(ctx, srv.Redis); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	var store repository.Store = repository.NewMemoryStore()
	if cfg.PostgresDSN != "" {
		pool, err := db.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres: %w", err)
		}
		srv.DB = pool
		pg := repository.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure chat schema: %w", err)
		}
		store = pg
	} else {
		commonlog.Warnf("event=livechat_server action=init store=memory detail=POSTGRES_DSN_unset")
	}

	if cfg.UseMQ {
		conn, err := mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		srv.MQConn = conn
		publisher, err := service.NewAMQPPublisher(conn)
		if err != nil {
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
		srv.Publisher = publisher
	}

	metrics := service.NewMetrics()
	opts := []service.Option{service.WithPublisher(srv.Publisher), service.WithMetrics(metrics)}
	if cfg.Archive.Enabled() {
		client, err := object.NewClient(cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("initialize minio: %w", err)
		}
		if err := object.EnsureBucket(ctx, client, cfg.Archive.Bucket); err != nil {
			return nil, fmt.Errorf("ensure transcript bucket: %w", err)
		}
		opts = append(opts, service.WithArchiver(service.NewMinioArchiver(client, cfg.Archive.Bucket)))
	}

	accounts, err := service.ParseAccounts(cfg.AgentAccounts)
	if err != nil {
		return nil, err
	}
	if accounts.Len() == 0 {
		commonlog.Warnf("event=livechat_server action=init status=no_agent_accounts detail=AGENT_ACCOUNTS_unset")
	}

	srv.Hub = service.NewHub(metrics)
	if srv.Redis != nil {
		srv.Hub.UseRedis(srv.Redis)
		if err := srv.Hub.StartRedisSubscriber(context.Background()); err != nil {
			return nil, fmt.Errorf("start hub subscriber: %w", err)
		}
	}
	presence := service.NewPresenceRegistry(srv.Redis, cfg.PresenceTTL, nil)
	auth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	srv.Chat = service.NewChatService(store, srv.Hub, opts...)
	realtime := service.NewRealtimeService(srv.Chat, srv.Hub, auth, presence, metrics)
	realtime.SetHandshakeTimeout(cfg.HandshakeTimeout)

	h := api.NewHandler(api.Deps{
		Chat:     srv.Chat,
		Realtime: realtime,
		Hub:      srv.Hub,
		Auth:     auth,
		Accounts: accounts,
		Presence: presence,
		Metrics:  metrics,
	})
	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	h.RegisterRoutes(r)

	srv.HTTPServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	ok = true
	return srv, nil
}

func (s *Server) closeBackends() {
	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	s.closeBackends()
	return err
}
