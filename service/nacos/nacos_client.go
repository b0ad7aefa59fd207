package nacos

import (
	"net"
	"strconv"

	"chatgate/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

type ClientOptions struct {
	Addr      string // host:port
	Namespace string
	Username  string
	Password  string
	LogLevel  string
}

func NewConfigClient(o ClientOptions) (config_client.IConfigClient, error) {
	param, err := clientParam(o)
	if err != nil {
		return nil, err
	}
	client, err := clients.NewConfigClient(param)
	if err != nil {
		return nil, errs.WrapMsg(err, "create nacos config client", "addr", o.Addr)
	}
	return client, nil
}

func NewNamingClient(o ClientOptions) (naming_client.INamingClient, error) {
	param, err := clientParam(o)
	if err != nil {
		return nil, err
	}
	client, err := clients.NewNamingClient(param)
	if err != nil {
		return nil, errs.WrapMsg(err, "create nacos naming client", "addr", o.Addr)
	}
	return client, nil
}

func clientParam(o ClientOptions) (vo.NacosClientParam, error) {
	host, port, err := splitHostPort(o.Addr)
	if err != nil {
		return vo.NacosClientParam{}, err
	}
	if o.LogLevel == "" {
		o.LogLevel = "warn"
	}
	return vo.NacosClientParam{
		ClientConfig: constant.NewClientConfig(
			constant.WithNamespaceId(o.Namespace),
			constant.WithTimeoutMs(5000),
			constant.WithNotLoadCacheAtStart(true),
			constant.WithLogLevel(o.LogLevel),
			constant.WithCacheDir("nacos/cache"),
			constant.WithLogDir("nacos/log"),
			constant.WithUsername(o.Username),
			constant.WithPassword(o.Password),
		),
		ServerConfigs: []constant.ServerConfig{
			*constant.NewServerConfig(host, port),
		},
	}, nil
}

func splitHostPort(addr string) (string, uint64, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errs.ErrArgs.WrapMsg("bad nacos addr", "addr", addr)
	}
	port, err := strconv.ParseUint(p, 10, 64)
	if err != nil || port == 0 {
		return "", 0, errs.ErrArgs.WrapMsg("bad nacos port", "addr", addr)
	}
	return host, port, nil
}
