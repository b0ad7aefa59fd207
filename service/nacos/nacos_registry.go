package nacos

import (
	"net"
	"strconv"

	"chatgate/logger"
	"chatgate/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// Instancer is the part of the nacos naming client the registry uses.
type Instancer interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
}

// Registry advertises this gateway so load balancers can find it.
type Registry struct {
	ServiceName string
	IP          string
	Port        uint64
	Group       string
	GatewayID   string

	client Instancer
}

func NewRegistry(client Instancer, serviceName, advertiseAddr, gatewayID string) (*Registry, error) {
	host, p, err := net.SplitHostPort(advertiseAddr)
	if err != nil || host == "" {
		return nil, errs.ErrArgs.WrapMsg("bad advertise addr", "addr", advertiseAddr)
	}
	port, err := strconv.ParseUint(p, 10, 64)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg("bad advertise port", "addr", advertiseAddr)
	}
	return &Registry{
		ServiceName: serviceName,
		IP:          host,
		Port:        port,
		Group:       "DEFAULT_GROUP",
		GatewayID:   gatewayID,
		client:      client,
	}, nil
}

func (r *Registry) Register() error {
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata: map[string]string{
			"protocol":   "http",
			"push":       "/ws",
			"gateway_id": r.GatewayID,
		},
	})
	if err != nil {
		return errs.WrapMsg(err, "register failed", "service", r.ServiceName)
	}
	if !ok {
		return errs.New("register failed: returned false", "service", r.ServiceName)
	}
	logger.Infof("[Nacos] registered %s at %s:%d gw=%s", r.ServiceName, r.IP, r.Port, r.GatewayID)
	return nil
}

func (r *Registry) Deregister() {
	ok, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil {
		logger.Warnf("[Nacos] deregister failed: %v", err)
		return
	}
	if !ok {
		logger.Warnf("[Nacos] instance not found or already gone")
	}
}
