// Package events pushes fleet state changes to the MQTT broker so
// dashboards and automations can react without polling the API.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"

	"minerhub/internal/model"
	"minerhub/internal/mqtt"
)

// Topic layout. The latest snapshot per device is retained so a freshly
// attached consumer sees fleet state immediately.
const (
	topicSnapshotPrefix = "minerhub/fleet/snapshot/"
	topicDevicePrefix   = "minerhub/fleet/device/"
	topicActionPrefix   = "minerhub/fleet/action/"
)

const queueSize = 256

type queuedEvent struct {
	topic   string
	payload []byte
	retain  bool
}

// Publisher implements the supervisor's event sink over MQTT. Events are
// handed to a single broker goroutine through a bounded queue, so a slow or
// wedged broker never stalls a poll cycle; when the queue is full the event
// is dropped and logged. The broker is an observer, never a dependency of
// the poll loop.
type Publisher struct {
	cli   mqtt.ClientAPI
	queue chan queuedEvent
	stop  chan struct{}
	once  sync.Once
}

func NewPublisher(cli mqtt.ClientAPI) *Publisher {
	p := &Publisher{
		cli:   cli,
		queue: make(chan queuedEvent, queueSize),
		stop:  make(chan struct{}),
	}
	go p.run()
	return p
}

// Close stops the broker goroutine. Events emitted afterwards are dropped.
func (p *Publisher) Close() {
	p.once.Do(func() { close(p.stop) })
}

func (p *Publisher) run() {
	for {
		select {
		case <-p.stop:
			return
		case ev := <-p.queue:
			if err := p.cli.PublishWith(ev.topic, ev.payload, ev.retain); err != nil {
				slog.Warn("event publish failed", "topic", ev.topic, "error", err)
			}
		}
	}
}

func (p *Publisher) DeviceUpdated(dev *model.Device) {
	p.emit(topicDevicePrefix+dev.ID, dev, true)
}

func (p *Publisher) SnapshotRecorded(snap *model.Snapshot) {
	p.emit(topicSnapshotPrefix+snap.DeviceID, snap, true)
}

func (p *Publisher) ActionRaised(a *model.WatchdogAction) {
	p.emit(topicActionPrefix+a.DeviceID, a, false)
}

func (p *Publisher) emit(topic string, v any, retain bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("event marshal failed", "topic", topic, "error", err)
		return
	}
	select {
	case p.queue <- queuedEvent{topic: topic, payload: payload, retain: retain}:
	default:
		slog.Warn("event queue full, dropping", "topic", topic)
	}
}
