package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ericogr/sensorlink/pkg/command"
	"github.com/ericogr/sensorlink/pkg/config"
	"github.com/ericogr/sensorlink/pkg/output"
)

const (
	DefaultServer         = "tcp://localhost:1883"
	defaultClientIDPrefix = "sensorlink-"
	defaultConnectTimeout = 10 * time.Second
	commandQueueDepth     = 16
	disconnectQuiesceMs   = 250

	broadcastDevice = "all"
	statusOnline    = "online"

	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	stateClassMeasurement  = "measurement"
)

var errNotConnected = errors.New("mqtt client not connected")

// deviceClasses maps metric names to Home Assistant device classes.
var deviceClasses = map[string]string{
	"temperature":  "temperature",
	"humidity":     "humidity",
	"co2":          "carbon_dioxide",
	"battery":      "voltage",
	"moisture":     "moisture",
	"air_velocity": "wind_speed",
}

// Metric is a telemetry channel announced through discovery.
type Metric struct {
	DeviceID string
	Name     string
	Unit     string
}

// client is the part of paho's Client used here.
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

type Options struct {
	DeviceID   string
	Dispatcher command.Dispatcher
	// Capabilities are announced in status messages.
	Capabilities []string
	// Metrics are announced once per connection when discovery is enabled.
	Metrics []Metric
	Clock   clock.Clock
	Logger  *zap.SugaredLogger
}

// MQTTOutput publishes telemetry and status, and relays commands from the
// broker to a dispatcher. Commands received on paho's goroutine are queued
// and executed by Poll on the caller's goroutine.
type MQTTOutput struct {
	client   client
	cfg      config.MQTTConfig
	opts     Options
	commands chan mqtt.Message
	timeout  time.Duration
}

// New connects to the broker and subscribes to the command topics. The
// subscriptions are renewed on every reconnect.
func New(cfg config.MQTTConfig, o Options) (*MQTTOutput, error) {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientIDPrefix + uuid.NewString()
	}
	m := newOutput(nil, cfg, o)

	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(m.timeout)
	opts.SetOnConnectHandler(func(mqtt.Client) { m.onConnect() })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.opts.Logger.Warnw("mqtt connection lost", "error", err)
	})
	c := mqtt.NewClient(opts)
	m.client = c

	token := c.Connect()
	if !token.WaitTimeout(m.timeout) {
		return nil, output.Unreachable(fmt.Errorf("mqtt connect to %s: timed out after %s", cfg.Server, m.timeout))
	}
	if err := token.Error(); err != nil {
		return nil, output.Unreachable(fmt.Errorf("mqtt connect: %w", err))
	}
	return m, nil
}

// NewWithClient wraps an already connected client and subscribes.
func NewWithClient(c client, cfg config.MQTTConfig, o Options) *MQTTOutput {
	m := newOutput(c, cfg, o)
	m.onConnect()
	return m
}

func newOutput(c client, cfg config.MQTTConfig, o Options) *MQTTOutput {
	if cfg.Topic == "" {
		cfg.Topic = config.DefaultMQTTPrefix
	}
	cfg.Topic = strings.TrimSuffix(cfg.Topic, "/")
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	timeout := defaultConnectTimeout
	if cfg.ConnectTimeoutMs > 0 {
		timeout = time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond
	}
	return &MQTTOutput{
		client:   c,
		cfg:      cfg,
		opts:     o,
		commands: make(chan mqtt.Message, commandQueueDepth),
		timeout:  timeout,
	}
}

func (m *MQTTOutput) Name() string { return "mqtt" }

// Topic returns <prefix>/<device>/<kind>.
func (m *MQTTOutput) Topic(device, kind string) string {
	return m.cfg.Topic + "/" + device + "/" + kind
}

// Publish sends telemetry with QoS 0 and does not wait for delivery.
func (m *MQTTOutput) Publish(ctx context.Context, p output.Payload) output.Result {
	b, err := json.Marshal(p)
	if err != nil {
		return output.Failed(output.Serialization(err))
	}
	if err := m.publish(m.Topic(p.DeviceID, "telemetry"), false, b); err != nil {
		return output.Failed(err)
	}
	return output.OK(0)
}

// PublishStatus announces the device as online with its capabilities.
func (m *MQTTOutput) PublishStatus(ctx context.Context) output.Result {
	caps := m.opts.Capabilities
	if caps == nil {
		caps = []string{}
	}
	st := command.Status{
		DeviceID:     m.opts.DeviceID,
		Status:       statusOnline,
		Capabilities: caps,
		Timestamp:    m.opts.Clock.Now().Unix(),
	}
	b, err := json.Marshal(st)
	if err != nil {
		return output.Failed(output.Serialization(err))
	}
	if err := m.publish(m.Topic(m.opts.DeviceID, "status"), false, b); err != nil {
		return output.Failed(err)
	}
	return output.OK(0)
}

// StatusInterval is how often the loop should call PublishStatus.
func (m *MQTTOutput) StatusInterval() time.Duration {
	return time.Duration(m.cfg.StatusIntervalMs) * time.Millisecond
}

// Poll executes queued commands and publishes their acks.
func (m *MQTTOutput) Poll(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.commands:
			m.handleCommand(ctx, msg)
		default:
			return nil
		}
	}
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(disconnectQuiesceMs)
	}
	return nil
}

func (m *MQTTOutput) onConnect() {
	log := m.opts.Logger
	for _, topic := range []string{m.Topic(m.opts.DeviceID, "commands"), m.Topic(broadcastDevice, "commands")} {
		token := m.client.Subscribe(topic, 0, m.enqueue)
		if !token.WaitTimeout(m.timeout) || token.Error() != nil {
			log.Warnw("mqtt subscribe failed", "topic", topic, "error", token.Error())
			continue
		}
		log.Infow("mqtt subscribed", "topic", topic)
	}
	if m.cfg.DiscoveryTopic != "" {
		m.publishDiscovery()
	}
	if res := m.PublishStatus(context.Background()); !res.Success {
		log.Warnw("mqtt status publish failed", "error", res.Err)
	}
}

// enqueue runs on paho's goroutine.
func (m *MQTTOutput) enqueue(_ mqtt.Client, msg mqtt.Message) {
	select {
	case m.commands <- msg:
	default:
		m.opts.Logger.Warnw("mqtt command queue full, dropping", "topic", msg.Topic())
	}
}

func (m *MQTTOutput) handleCommand(ctx context.Context, msg mqtt.Message) {
	log := m.opts.Logger
	cmd, err := command.Decode(msg.Payload())
	if err != nil {
		log.Warnw("mqtt command rejected", "topic", msg.Topic(), "error", err)
		return
	}
	ok, text := false, "Unknown command"
	if m.opts.Dispatcher != nil {
		ok, text = m.opts.Dispatcher.Dispatch(ctx, cmd)
	}
	log.Infow("mqtt command", "id", cmd.ID, "component", cmd.Component, "action", cmd.Action, "value", cmd.Value, "success", ok)
	b, err := json.Marshal(command.NewAck(cmd, ok, text, m.opts.Clock.Now()))
	if err != nil {
		log.Errorw("mqtt ack encode", "error", err)
		return
	}
	if err := m.publish(m.Topic(m.opts.DeviceID, "ack"), false, b); err != nil {
		log.Warnw("mqtt ack publish failed", "id", cmd.ID, "error", err)
	}
}

func (m *MQTTOutput) publishDiscovery() {
	for _, mt := range m.opts.Metrics {
		uid := mt.DeviceID + "_" + mt.Name
		topic := m.cfg.DiscoveryTopic
		if strings.Contains(topic, "%s") {
			topic = fmt.Sprintf(topic, uid)
		}
		payload := discoveryPayload(mt, m.Topic(mt.DeviceID, "telemetry"), uid)
		if err := m.publishJSON(topic, true, payload); err != nil {
			m.opts.Logger.Warnw("mqtt discovery publish error", "topic", topic, "error", err)
		}
	}
}

// publish sends b at QoS 0. A token already failed is reported; an
// in-flight one is not waited on.
func (m *MQTTOutput) publish(topic string, retained bool, b []byte) error {
	if m.client == nil || !m.client.IsConnected() {
		return output.Unreachable(errNotConnected)
	}
	token := m.client.Publish(topic, 0, retained, b)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return output.Unreachable(err)
		}
	default:
	}
	return nil
}

func (m *MQTTOutput) publishJSON(topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return output.Serialization(err)
	}
	return m.publish(topic, retained, b)
}

// discoveryPayload builds the Home Assistant config entry for one metric.
func discoveryPayload(mt Metric, stateTopic, uniqueID string) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                mt.DeviceID + " " + mt.Name,
		keyStateTopic:          stateTopic,
		keyUnitOfMeasurement:   mt.Unit,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       fmt.Sprintf("{{ value_json.sensors.%s.value }}", mt.Name),
		keyJSONAttributesTopic: stateTopic,
		keyUniqueID:            uniqueID,
	}
	if dc, ok := deviceClasses[mt.Name]; ok {
		payload[keyDeviceClass] = dc
	}
	return payload
}
