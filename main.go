package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"miniim/global/config"
	"miniim/logger"
	"miniim/service/auth"
	"miniim/service/cluster"
	"miniim/service/filter"
	"miniim/service/gateway"
	"miniim/service/kafka"
	"miniim/service/pipeline"
	"miniim/service/storage"
	"miniim/service/store"
	"miniim/tools/ids"
	"miniim/tools/safe"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)
	ids.SetNodeID(cfg.Instance.NodeID)

	if err := storage.InitRedis(cfg.Redis); err != nil {
		logger.Errorf("init redis: %v", err)
		os.Exit(1)
	}
	rdb := storage.GetRedis()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Mongo)
	if err != nil {
		logger.Errorf("open store: %v", err)
		os.Exit(1)
	}

	bus, err := cluster.Connect(cfg.Nats.URL, cfg.Instance.ID)
	if err != nil {
		logger.Errorf("connect cluster bus: %v", err)
		os.Exit(1)
	}

	var sanitize filter.Sanitizer = filter.Noop{}
	if len(cfg.Gateway.ForbiddenWords) > 0 {
		sanitize = filter.NewWordFilter(cfg.Gateway.ForbiddenWords)
	}

	gw := gateway.New(gateway.Deps{
		Cfg:      cfg,
		Routes:   storage.NewRouteStore(rdb, cfg.Gateway.RouteTTL, cfg.Gateway.RouteFailFast),
		Idem:     storage.NewIdempotency(rdb, cfg.Gateway.IdemLocalTTL, cfg.Gateway.IdemRedisTTL, cfg.Gateway.IdemFailFast),
		Redis:    rdb,
		Store:    st,
		SessVers: auth.NewSessionVersions(rdb),
		Bus:      bus,
		Sanitize: sanitize,
	})

	if cfg.Gateway.TwoPhase.Enabled {
		pl, err := buildPipeline(cfg, st, gw, rdb)
		if err != nil {
			logger.Errorf("build two-phase pipeline: %v", err)
			os.Exit(1)
		}
		gw.SetProducer(pl)
		safe.Go("twophase-pipeline", func() {
			if err := pl.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("two-phase pipeline stopped: %v", err)
			}
		})
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if err := gw.Register(r); err != nil {
		logger.Errorf("register gateway: %v", err)
		os.Exit(1)
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	safe.Go("http-server", func() {
		logger.Infof("gateway %s listening on %s", cfg.Instance.ID, cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server: %v", err)
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	gw.Shutdown()
	bus.Close()
	kafka.Close()
	_ = st.Close(shutdownCtx)
	_ = storage.CloseRedis()
}

// buildPipeline wires the two-phase stages back into the gateway: delivery
// and the saved ACK both go through PushToUser so cross-instance senders and
// recipients are reached the same way as direct sends.
func buildPipeline(cfg *config.AppConfig, st *store.Store, gw *gateway.Gateway, rdb *redis.Client) (*pipeline.Pipeline, error) {
	hooks := pipeline.Hooks{
		Deliver: func(ctx context.Context, m pipeline.Accepted, seq int64) {
			env := &gateway.Envelope{
				Type:        gateway.TypeSingleChat,
				ServerMsgID: m.ServerMsgID,
				From:        m.From,
				To:          m.To,
				Body:        m.Body,
				MsgType:     m.MsgType,
				MsgSeq:      seq,
				Ts:          m.SendTs,
			}
			gw.PushToUser(ctx, m.To, env.Encode())
		},
		AckSaved: func(ctx context.Context, m pipeline.Accepted, seq int64) {
			ack := &gateway.Envelope{
				Type:        gateway.TypeAck,
				AckType:     gateway.AckSaved,
				ClientMsgID: m.ClientMsgID,
				ServerMsgID: m.ServerMsgID,
				MsgSeq:      seq,
				Ts:          time.Now().UnixMilli(),
			}
			gw.PushToUser(ctx, m.From, ack.Encode())
		},
	}

	if cfg.Gateway.TwoPhase.Mode == "kafka" {
		if err := kafka.InitClient(cfg.Kafka); err != nil {
			return nil, err
		}
		if err := kafka.InitSyncProducerFromClient(); err != nil {
			return nil, err
		}
		lease := storage.NewLeaderLease(rdb, "im:gw:twophase:deliver:leader", cfg.Instance.ID, 10*time.Second)
		return pipeline.NewKafka(cfg.Gateway.TwoPhase, cfg.Kafka, cfg.Instance.ID, st, hooks, lease), nil
	}
	return pipeline.NewLocal(cfg.Gateway.TwoPhase, cfg.Instance.ID, st, hooks), nil
}
