package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatgate/global"
	"chatgate/global/config"
	"chatgate/logger"
	mid "chatgate/middleware"
	midsec "chatgate/middleware/security"
	"chatgate/module/chat"
	"chatgate/service/backend"
	"chatgate/service/nacos"
	"chatgate/service/notify"
	"chatgate/service/realtime"
	"chatgate/service/rpc"
	"chatgate/service/session"
	"chatgate/service/storage"
	redis "chatgate/service/storage/redis"
	"chatgate/tools/errs"
	"chatgate/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHATGATE_CONFIG"), "path to the YAML config file")
	flag.Parse() // glog 的 -v / -logtostderr 也在这里解析

	code := 0
	cfg, err := config.Load(*configPath)
	if err == nil {
		err = run(cfg)
	}
	if err != nil {
		logger.Errorf("[Boot] %v", err)
		code = 1
	}
	logger.Sync()
	glog.Flush()
	os.Exit(code)
}

func run(cfg *config.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global.ConfigLogger(cfg.Log)
	gwID := cfg.Nats.GatewayID
	global.ConfigIds(gwID)

	// 1) 推送连接 + 缓冲
	conns := realtime.NewConnManager(realtime.ManagerConf{
		AuthTTL:   cfg.Push.AuthTimeout,
		SendQueue: cfg.Push.SendQueue,
	}, gwID)
	defer conns.Close()

	rdb, err := global.ConfigRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = redis.CloseRedis() }()

	var (
		buf      realtime.Buffer = realtime.NewMemoryBuffer(0)
		presence *storage.RedisPresence
		fanOpts  = []realtime.FanoutOption{realtime.WithFlushOnAttach(cfg.Push.FlushOnAttach)}
		relay    *realtime.NatsRelay
		srvOpts  []realtime.ServerOption
	)
	if rdb != nil {
		buf = storage.NewRedisBuffer(rdb, 0)
		presence = storage.NewRedisPresence(rdb)
		srvOpts = append(srvOpts, realtime.WithPresence(presence))
	}

	// 2) 跨网关转发，需要 presence
	bus, err := global.ConfigNats(cfg.Nats)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()
	if bus != nil {
		if presence == nil {
			logger.Warnf("[Boot] nats configured without redis; relay disabled")
		} else if relay, err = realtime.NewNatsRelay(bus, presence, gwID); err != nil {
			return err
		} else {
			fanOpts = append(fanOpts, realtime.WithRelay(relay))
		}
	}

	archive, err := global.ConfigKafka(cfg.Kafka)
	if err != nil {
		return err
	}
	if archive != nil {
		defer func() { _ = archive.Close() }()
		fanOpts = append(fanOpts, realtime.WithArchiver(archive))
	}

	fanout := realtime.NewFanout(conns, buf, fanOpts...)
	if relay != nil {
		if err := relay.Serve(fanout); err != nil {
			return err
		}
	}
	demux := notify.New(fanout)

	// 3) 后端绑定
	var (
		be       backend.Backend
		timeouts nacos.TimeoutSetter
	)
	switch cfg.Backend.Mode {
	case config.BackendModeRPC:
		mgr := rpc.NewManager(rpc.Config{
			Target:         cfg.Backend.RPCTarget,
			DialTimeout:    cfg.Backend.DialTimeout,
			RetryInterval:  cfg.Backend.RPCRetryInterval,
			RequestTimeout: cfg.Backend.RequestTimeout,
		})
		mgr.Start()
		be = backend.NewRPC(mgr, demux)
	default:
		line := backend.NewLine(session.Config{
			Addr:             cfg.Backend.Addr,
			DialTimeout:      cfg.Backend.DialTimeout,
			HandshakeTimeout: cfg.Backend.HandshakeTimeout,
			IdleTimeout:      cfg.Backend.IdleTimeout,
			RequestTimeout:   cfg.Backend.RequestTimeout,
			MaxLineBytes:     cfg.Backend.MaxLineBytes,
		}, demux)
		be, timeouts = line, line.Registry()
	}
	demux.UseResolver(be)

	// 4) 音频存储
	blobs, closeBlobs, err := global.ConfigAudioStore(ctx, cfg.Audio)
	if err != nil {
		return err
	}
	defer closeBlobs()

	// 5) 鉴权
	authOpts := midsec.DefaultOptions([]byte(cfg.Auth.Secret))
	authOpts.Enabled = cfg.Auth.Enabled
	authOpts.JWT.TTL = cfg.Auth.TTL
	var (
		gwOpts  []chat.GatewayOption
		authMid gin.HandlerFunc
	)
	if cfg.Auth.Enabled {
		gwOpts = append(gwOpts, chat.WithTokens(authOpts.JWT))
		authMid = midsec.Middleware(authOpts)
		srvOpts = append(srvOpts, realtime.WithAuthenticator(func(username, token string) error {
			sub, err := security.Verify(authOpts.JWT, token)
			if err != nil {
				return errs.ErrUnauthorized.WrapMsg(err.Error())
			}
			if sub != username {
				return errs.ErrForbidden.Wrap()
			}
			return nil
		}))
	}

	// 6) HTTP + WebSocket
	ws := realtime.NewServer(conns, fanout, realtime.ServerConf{
		PingInterval: cfg.Push.PingInterval,
		CheckOrigin: func(r *http.Request) bool {
			return mid.AllowOrigin(cfg.Server.AllowedOrigins)(r.Header.Get("Origin"))
		},
	}, srvOpts...)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	mids := mid.NewManager()
	mids.Add(mid.Recovery(), mid.AccessLog(), mid.CORS(cfg.Server.AllowedOrigins))
	mids.Apply(engine)
	chat.RegisterRoutes(engine, chat.NewHandler(chat.NewGateway(be, fanout, blobs, gwOpts...)), authMid, ws.HandleWS)

	deregister, err := global.ConfigNacos(ctx, cfg.Nacos, timeouts, gwID)
	if err != nil {
		return err
	}
	defer deregister()

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[HTTP] listening on %s (backend=%s gw=%s)", cfg.Server.Addr, cfg.Backend.Mode, gwID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Infof("[Boot] shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("[HTTP] shutdown: %v", err)
	}
	if err := be.Close(shutdownCtx); err != nil {
		logger.Warnf("[Boot] close backend: %v", err)
	}
	return nil
}
