// Package throttle commands a locomotive throttle held by JMRI, relayed
// over MQTT. The bridge on the JMRI side subscribes to the command topics
// and reports throttle state on the status topic.
package throttle

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trackside/speedcal/internal/monitoring"
)

// DefaultTopicPrefix is the command topic root the JMRI bridge listens on.
const DefaultTopicPrefix = "/cova/speed-cal/throttle/"

// Client is the subset of the MQTT client the relay uses. Satisfied by
// mqtt.Client; tests substitute a fake.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Config holds the MQTT connection parameters for the relay.
type Config struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string

	// CommandTimeout bounds each publish. Zero means 5 s.
	CommandTimeout time.Duration
}

func (c *Config) normalise() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	if !strings.HasSuffix(c.TopicPrefix, "/") {
		c.TopicPrefix += "/"
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = "speedcal-bench"
	}
}

// Relay publishes throttle commands and tracks the bridge's status replies.
type Relay struct {
	cfg    Config
	client Client

	mu         sync.Mutex
	acquired   bool
	address    int
	lastStatus string
}

// NewRelay builds a relay over its own MQTT connection.
func NewRelay(cfg Config) *Relay {
	cfg.normalise()
	r := &Relay{cfg: cfg}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		monitoring.Logf("throttle: connected to %s", cfg.BrokerURL)
		c.Subscribe(r.cfg.TopicPrefix+"status", 0, r.onStatus)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		monitoring.Logf("throttle: connection lost: %v", err)
		r.mu.Lock()
		r.acquired = false
		r.mu.Unlock()
	})

	r.client = mqtt.NewClient(opts)
	return r
}

// NewRelayWithClient builds a relay over an existing client. The caller is
// responsible for the status subscription wiring; used by tests.
func NewRelayWithClient(cfg Config, client Client) *Relay {
	cfg.normalise()
	return &Relay{cfg: cfg, client: client}
}

// Connect establishes the MQTT session. With retry enabled the first token
// only fails on unrecoverable option errors.
func (r *Relay) Connect() error {
	token := r.client.Connect()
	if !token.WaitTimeout(r.cfg.CommandTimeout) {
		return fmt.Errorf("throttle: connect timed out after %s", r.cfg.CommandTimeout)
	}
	return token.Error()
}

// Close releases any held throttle and drops the connection.
func (r *Relay) Close() {
	if r.Acquired() {
		if err := r.Release(); err != nil {
			monitoring.Logf("throttle: release on close failed: %v", err)
		}
	}
	r.client.Disconnect(250)
}

func (r *Relay) publish(suffix, payload string) error {
	if !r.client.IsConnected() {
		return fmt.Errorf("throttle: not connected")
	}
	token := r.client.Publish(r.cfg.TopicPrefix+suffix, 0, false, payload)
	if !token.WaitTimeout(r.cfg.CommandTimeout) {
		return fmt.Errorf("throttle: publish %s timed out", suffix)
	}
	return token.Error()
}

// onStatus tracks the bridge's state reports.
func (r *Relay) onStatus(_ mqtt.Client, msg mqtt.Message) {
	status := strings.TrimSpace(string(msg.Payload()))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastStatus = status

	switch {
	case strings.HasPrefix(status, "ACQUIRED"):
		r.acquired = true
		if fields := strings.Fields(status); len(fields) == 2 {
			if addr, err := strconv.Atoi(fields[1]); err == nil {
				r.address = addr
			}
		}
	case strings.HasPrefix(status, "RELEASED"),
		strings.HasPrefix(status, "ERROR no throttle"):
		r.acquired = false
		r.address = 0
	}
}

// Acquire requests a throttle for the given DCC address.
func (r *Relay) Acquire(address int, long bool) error {
	kind := "S"
	if long {
		kind = "L"
	}
	return r.publish("acquire", fmt.Sprintf("%d %s", address, kind))
}

// SetSpeed commands a speed fraction, "0.000" to "1.000".
func (r *Relay) SetSpeed(fraction string) error {
	return r.publish("speed", fraction)
}

// SetDirection sets the travel direction.
func (r *Relay) SetDirection(forward bool) error {
	dir := "REVERSE"
	if forward {
		dir = "FORWARD"
	}
	return r.publish("direction", dir)
}

// Stop brings the locomotive to a normal stop.
func (r *Relay) Stop() error {
	return r.publish("stop", "")
}

// EStop issues an emergency stop.
func (r *Relay) EStop() error {
	return r.publish("estop", "")
}

// SetFunction switches a decoder function output.
func (r *Relay) SetFunction(num int, on bool) error {
	state := "OFF"
	if on {
		state = "ON"
	}
	return r.publish("function", fmt.Sprintf("%d %s", num, state))
}

// Release gives the throttle back to JMRI.
func (r *Relay) Release() error {
	return r.publish("release", "")
}

// Acquired reports whether the bridge currently holds a throttle for us.
func (r *Relay) Acquired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquired
}

// Address returns the DCC address of the held throttle, 0 when none.
func (r *Relay) Address() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.address
}

// LastStatus returns the most recent raw status line from the bridge.
func (r *Relay) LastStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStatus
}
