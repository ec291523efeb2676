package throttle

import (
	"strings"

	"github.com/trackside/speedcal/internal/monitoring"
)

// Events publishes bench telemetry on {prefix}/speed-cal/{bench}/{suffix}
// topics. Publishing is fire-and-forget; a dropped event is not worth
// stalling the control loop for.
type Events struct {
	client Client
	root   string
}

// NewEvents builds a publisher over an existing MQTT client, usually the
// relay's via MQTTClient.
func NewEvents(client Client, prefix, benchName string) *Events {
	prefix = strings.TrimSuffix(prefix, "/")
	if benchName == "" {
		benchName = "bench"
	}
	return &Events{
		client: client,
		root:   prefix + "/speed-cal/" + benchName + "/",
	}
}

// MQTTClient exposes the relay's connection for event publishing.
func (r *Relay) MQTTClient() Client { return r.client }

func (e *Events) publish(suffix string, payload []byte) {
	if e == nil || e.client == nil || !e.client.IsConnected() {
		return
	}
	e.client.Publish(e.root+suffix, 0, false, payload)
}

// PublishResult ships a completed pass or pull test as JSON.
func (e *Events) PublishResult(payload []byte) { e.publish("result", payload) }

// PublishStatus ships a bench status snapshot as JSON.
func (e *Events) PublishStatus(payload []byte) { e.publish("status", payload) }

// PublishError ships an error report as JSON.
func (e *Events) PublishError(payload []byte) { e.publish("error", payload) }

// PublishLoad ships a load cell reading as JSON.
func (e *Events) PublishLoad(payload []byte) { e.publish("load", payload) }

// PublishLog implements monitoring.Publisher, shipping diagnostic lines on
// the log topic.
func (e *Events) PublishLog(line string) { e.publish("log", []byte(line)) }

var _ monitoring.Publisher = (*Events)(nil)
