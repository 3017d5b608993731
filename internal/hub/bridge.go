package hub

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/broly1009a/studymate-rtc/internal/proto"
)

// bridgeSubject carries room envelopes between hub instances. A single
// wildcard subscription suffices; membership filtering happens locally.
const bridgeSubject = "rtc.rooms"

// bridgeFrame wraps an envelope with the originating instance ID so a hub
// can ignore its own publishes.
type bridgeFrame struct {
	Origin string          `json:"origin"`
	Env    *proto.Envelope `json:"env"`
}

type bridge struct {
	nc     *nats.Conn
	origin string
	sub    *nats.Subscription
}

func newBridge(url, origin string) (*bridge, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("bridge disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Infof("bridge reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &bridge{nc: nc, origin: origin}, nil
}

// start subscribes to peer-instance traffic and hands foreign envelopes to
// deliver.
func (b *bridge) start(deliver func(*proto.Envelope)) error {
	sub, err := b.nc.Subscribe(bridgeSubject, func(msg *nats.Msg) {
		var frame bridgeFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			log.Warnf("bridge frame decode: %v", err)
			return
		}
		if frame.Origin == b.origin || frame.Env == nil {
			return
		}
		deliver(frame.Env)
	})
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

func (b *bridge) publish(env *proto.Envelope) {
	data, err := json.Marshal(bridgeFrame{Origin: b.origin, Env: env})
	if err != nil {
		return
	}
	if err := b.nc.Publish(bridgeSubject, data); err != nil {
		log.Warnf("bridge publish: %v", err)
	}
}

func (b *bridge) close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	b.nc.Close()
}
