package global

import (
	"context"
	"strings"

	"chatgate/data/database/mgo/mongoutil"
	"chatgate/global/config"
	"chatgate/logger"
	ka "chatgate/service/kafka"
	mgoSrv "chatgate/service/mgo"
	"chatgate/service/nacos"
	"chatgate/service/natsx"
	"chatgate/service/storage"
	redis "chatgate/service/storage/redis"
	"chatgate/tools/errs"
	ids "chatgate/tools/ids"

	goredis "github.com/redis/go-redis/v9"
)

// ConfigIds 节点号由网关 id 派生，多网关的连接 id 不会撞
func ConfigIds(gatewayID string) {
	ids.SetNodeID(ids.NodeIDFromName(gatewayID))
}

func ConfigLogger(c config.LogConfig) {
	if err := logger.SetLevel(c.Level); err != nil {
		logger.Warnf("[Boot] %v, keep %s", err, logger.Level())
	}
}

// ConfigRedis 未配置地址时返回 nil，调用方退回内存实现
func ConfigRedis(c config.RedisConfig) (*goredis.Client, error) {
	if c.Addr == "" {
		return nil, nil
	}
	if err := redis.InitRedis(redis.Config{
		Addr: c.Addr, Password: c.Password, DB: c.DB, PoolSize: c.PoolSize,
	}); err != nil {
		return nil, err
	}
	logger.Infof("[Boot] redis ready addr=%s", c.Addr)
	return redis.GetRedis(), nil
}

// ConfigMgo 异步连接，不阻塞启动
func ConfigMgo(ctx context.Context, c config.AudioConfig) *mgoSrv.MongoManager {
	m := mgoSrv.NewManager(&mongoutil.Config{
		Uri:         c.MongoURI,
		Database:    c.MongoDB,
		MaxPoolSize: 20,
	})
	m.StartAsync(ctx)
	return m
}

// ConfigAudioStore picks the blob backend. The returned func releases it.
func ConfigAudioStore(ctx context.Context, c config.AudioConfig) (storage.BlobStore, func(), error) {
	switch strings.ToLower(c.Store) {
	case config.AudioStoreMongo:
		if c.MongoURI == "" {
			return nil, nil, errs.ErrArgs.WrapMsg("audio.mongo_uri is required")
		}
		mctx, cancel := context.WithCancel(ctx)
		return storage.NewMongoBlobStore(ConfigMgo(mctx, c)), cancel, nil
	case config.AudioStorePostgres:
		s, err := storage.NewPgBlobStore(ctx, c.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := storage.NewFileStore(c.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

// ConfigKafka 未配置 brokers 时不启用归档
func ConfigKafka(c config.KafkaConfig) (*ka.Archive, error) {
	if len(c.Brokers) == 0 {
		return nil, nil
	}
	a, err := ka.NewArchive(ka.ArchiveConfig{Brokers: c.Brokers, Topic: c.Topic, EnsureTopic: true})
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka archive", "brokers", strings.Join(c.Brokers, ","))
	}
	logger.Infof("[Boot] kafka archive topic=%s", c.Topic)
	return a, nil
}

func ConfigNats(c config.NatsConfig) (*natsx.NatsManager, error) {
	if len(c.Servers) == 0 {
		return nil, nil
	}
	m, err := natsx.NewNatsManager(natsx.NatsxConfig{
		Servers: c.Servers,
		Name:    "chatgate-" + c.GatewayID,
	}, natsx.NatsxRecover("relay"), natsx.NatsxLogErrors)
	if err != nil {
		return nil, err
	}
	logger.Infof("[Boot] nats connected servers=%v", c.Servers)
	return m, nil
}

// ConfigNacos starts the config watcher and, with an advertise address, the
// instance registration. The returned func deregisters.
func ConfigNacos(ctx context.Context, c config.NacosConfig, ts nacos.TimeoutSetter, gatewayID string) (func(), error) {
	if c.Addr == "" {
		return func() {}, nil
	}
	opts := nacos.ClientOptions{Addr: c.Addr, Namespace: c.Namespace, Username: c.Username, Password: c.Password}
	cc, err := nacos.NewConfigClient(opts)
	if err != nil {
		return nil, err
	}
	w := nacos.NewWatcher(cc, c.DataID, c.Group, nacos.ApplyDynamic(ts))
	if err := w.Start(ctx); err != nil {
		// 配置中心不可用不影响启动
		logger.Warnf("[Nacos] watch %s/%s failed: %v", c.Group, c.DataID, err)
	}
	if c.AdvertiseAddr == "" {
		return func() {}, nil
	}
	nc, err := nacos.NewNamingClient(opts)
	if err != nil {
		return nil, err
	}
	reg, err := nacos.NewRegistry(nc, c.Service, c.AdvertiseAddr, gatewayID)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(); err != nil {
		logger.Warnf("[Nacos] %v", err)
		return func() {}, nil
	}
	return reg.Deregister, nil
}
