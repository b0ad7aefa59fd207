package realtime

import (
	"context"
	"encoding/json"

	"chatgate/logger"
	"chatgate/service/natsx"
	"chatgate/service/wire"
	"chatgate/tools/errs"
	"chatgate/tools/ids"
)

// 跨网关推送：subject chat.push.<gatewayID>
const (
	RelayBiz     = "push_relay"
	RelaySubject = "chat.push.%s"
)

// PresenceLookup finds the gateway currently holding user's subscriber.
type PresenceLookup interface {
	Lookup(ctx context.Context, user string) (gatewayID string, online bool, err error)
}

// RelayBus is the slice of the NATS manager the relay needs.
type RelayBus interface {
	RegisterRoute(r natsx.NatsxRoute) error
	Publish(ctx context.Context, biz, key string, data []byte, hdr map[string]string) error
	Subscribe(biz, key string, h natsx.NatsxHandler) error
}

type relayEnvelope struct {
	ID     string     `json:"id"`
	User   string     `json:"user"`
	Origin string     `json:"origin"`
	Event  wire.Event `json:"event"`
}

// NatsRelay forwards events for users whose subscriber lives on another
// gateway and delivers events forwarded to this one.
type NatsRelay struct {
	bus       RelayBus
	presence  PresenceLookup
	gatewayID string
}

func NewNatsRelay(bus RelayBus, presence PresenceLookup, gatewayID string) (*NatsRelay, error) {
	if err := bus.RegisterRoute(natsx.NatsxRoute{Biz: RelayBiz, Subject: RelaySubject}); err != nil {
		return nil, err
	}
	return &NatsRelay{bus: bus, presence: presence, gatewayID: gatewayID}, nil
}

func (r *NatsRelay) Forward(ctx context.Context, user string, ev wire.Event) (bool, error) {
	gw, online, err := r.presence.Lookup(ctx, user)
	if err != nil {
		return false, err
	}
	if !online || gw == "" || gw == r.gatewayID {
		return false, nil
	}
	id := ids.GenerateString()
	data, err := json.Marshal(relayEnvelope{ID: id, User: user, Origin: r.gatewayID, Event: ev})
	if err != nil {
		return false, errs.Wrap(err)
	}
	if err := r.bus.Publish(ctx, RelayBiz, gw, data, map[string]string{"origin": r.gatewayID, "msg_id": id}); err != nil {
		return false, err
	}
	logger.Debugf("[Relay] user=%s %s forwarded to %s id=%s", user, ev.Type, gw, id)
	return true, nil
}

// Serve subscribes to this gateway's subject and hands relayed events to
// local delivery.
func (r *NatsRelay) Serve(f *Fanout) error {
	return r.bus.Subscribe(RelayBiz, r.gatewayID, func(ctx context.Context, msg natsx.NatsxMessage) error {
		var env relayEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return errs.ErrMalformed.WrapMsg(err.Error(), "subject", msg.Subject)
		}
		if env.User == "" {
			return errs.ErrMalformed.WrapMsg("relay envelope without user", "subject", msg.Subject)
		}
		o, err := f.DeliverLocal(ctx, env.User, env.Event)
		if err != nil {
			return err
		}
		logger.Debugf("[Relay] user=%s from %s id=%s: %s", env.User, env.Origin, env.ID, o)
		return nil
	})
}
