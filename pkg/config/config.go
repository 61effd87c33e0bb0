package config

import (
	"encoding/json"
	"flag"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
)

// Sensor types.
const (
	SensorFS3000   = "fs3000"
	SensorSCD41    = "scd41"
	SensorAS7341   = "as7341"
	SensorMoisture = "moisture"
	SensorBLE      = "ble"
)

// Output types.
const (
	OutputConsole = "console"
	OutputREST    = "rest"
	OutputMQTT    = "mqtt"
)

const (
	ModeReal       = "real"
	ModeSimulation = "simulation"

	DefaultMQTTPrefix = "ycstation/devices"
)

type MQTTConfig struct {
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
	// Topic is the prefix of every device topic.
	Topic string `json:"topic"`
	// DiscoveryTopic enables retained Home Assistant discovery messages;
	// "%s" is replaced by <device>_<metric>.
	DiscoveryTopic   string `json:"discovery_topic,omitempty"`
	StatusIntervalMs int    `json:"status_interval_ms,omitempty"`
	ConnectTimeoutMs int    `json:"connect_timeout_ms,omitempty"`
}

type RESTConfig struct {
	URL       string            `json:"url"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

type OutputConfig struct {
	Type string      `json:"type"`
	MQTT *MQTTConfig `json:"mqtt,omitempty"`
	REST *RESTConfig `json:"rest,omitempty"`
}

type I2CConfig struct {
	Bus          string `json:"bus"`
	SpeedHz      int    `json:"speed_hz,omitempty"`
	Retries      int    `json:"retries"`
	RetryDelayMs int    `json:"retry_delay_ms"`
}

// SensorConfig describes one driver. Fields not used by Type are ignored.
type SensorConfig struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	// DeviceID overrides the top-level device id for this sensor's payloads.
	DeviceID   string `json:"device_id,omitempty"`
	Address    Hex    `json:"address,omitempty"`
	IntervalMs int    `json:"interval_ms,omitempty"`

	// fs3000
	Variant      string `json:"variant,omitempty"`
	LittleEndian bool   `json:"little_endian,omitempty"`

	// scd41
	IgnoreCRC bool `json:"ignore_crc,omitempty"`
	WarmupMs  int  `json:"warmup_ms,omitempty"`

	// as7341
	ATime         int  `json:"atime,omitempty"`
	Gain          int  `json:"gain,omitempty"`
	IntegrationMs int  `json:"integration_ms,omitempty"`
	LED           bool `json:"led,omitempty"`
	LEDCurrent    int  `json:"led_current,omitempty"`

	// moisture
	ADC        string `json:"adc,omitempty"`
	Channel    int    `json:"channel,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Pin        string `json:"pin,omitempty"`
	RawMin     int    `json:"raw_min,omitempty"`
	RawMax     int    `json:"raw_max,omitempty"`

	// ble
	MAC string `json:"mac,omitempty"`
}

type CacheConfig struct {
	StaleAfter   int `json:"stale_after,omitempty"`
	ResetAfter   int `json:"reset_after,omitempty"`
	RestartAfter int `json:"restart_after,omitempty"`
}

type HealthConfig struct {
	// LEDPin is a host GPIO name; empty logs the pattern instead.
	LEDPin string `json:"led_pin,omitempty"`
}

type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Maintenance holds one-shot SCD41 operations requested on the command
// line. They run instead of the acquisition loop.
type Maintenance struct {
	ForceCalibrationPPM int
	ASC                 string
	AltitudeM           int
	FactoryReset        bool
}

func (m Maintenance) Requested() bool {
	return m.ForceCalibrationPPM > 0 || m.ASC != "" || m.AltitudeM >= 0 || m.FactoryReset
}

type Config struct {
	DeviceID    string         `json:"device_id"`
	I2C         I2CConfig      `json:"i2c"`
	SensorType  string         `json:"sensor_type"`
	IntervalMs  int            `json:"interval_ms"`
	Sensors     []SensorConfig `json:"sensors"`
	Outputs     []OutputConfig `json:"outputs"`
	Cache       CacheConfig    `json:"cache"`
	Health      HealthConfig   `json:"health"`
	MetricsAddr string         `json:"metrics_addr,omitempty"`
	Log         LogConfig      `json:"log"`

	Maintenance Maintenance `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		DeviceID:   "sensorlink",
		I2C:        I2CConfig{Bus: "1", Retries: 3, RetryDelayMs: 200},
		SensorType: ModeReal,
		IntervalMs: 2000,
		Log:        LogConfig{Level: "info"},
		Maintenance: Maintenance{
			AltitudeM: -1,
		},
	}
}

// Interval returns the sensor's poll interval, falling back to def.
func (s SensorConfig) Interval(def time.Duration) time.Duration {
	if s.IntervalMs > 0 {
		return time.Duration(s.IntervalMs) * time.Millisecond
	}
	return def
}

// Load reads the optional JSON file named by -config, expands ${VAR}
// references in it, then applies flag overrides.
func Load(args []string, stderr io.Writer) (Config, error) {
	fs := flag.NewFlagSet("sensorlink", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "Path to JSON config file")
	flagDeviceID := fs.String("device-id", "", "Device id sent with every payload")
	flagI2CBus := fs.String("i2c-bus", "", "I2C bus (e.g., '1' -> /dev/i2c-1)")
	flagI2CSpeed := fs.Int("i2c-speed", -1, "I2C clock in Hz")
	flagRetries := fs.Int("i2c-retries", -1, "Attempts per bus transaction")
	flagSensorType := fs.String("sensor-type", "", "sensor type: real|simulation")
	flagSensors := fs.String("sensors", "", "Comma-separated sensors e.g. fs3000,scd41=0x62")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,rest,mqtt)")
	flagInterval := fs.Int("interval-ms", -1, "Poll interval in ms")
	flagRESTURL := fs.String("rest-url", "", "Collector endpoint for the rest output")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := fs.String("mqtt-topic", "", "MQTT topic prefix")
	flagLEDPin := fs.String("led-pin", "", "GPIO for the health LED")
	flagMetrics := fs.String("metrics-addr", "", "Listen address for /metrics")
	flagLogLevel := fs.String("log-level", "", "debug|info|warn|error")
	flagFRC := fs.Int("scd41-frc", 0, "Run SCD41 forced recalibration to this ppm and exit")
	flagASC := fs.String("scd41-asc", "", "Set SCD41 automatic self-calibration on|off and exit")
	flagAltitude := fs.Int("scd41-altitude", -1, "Set SCD41 altitude compensation in meters and exit")
	flagFactoryReset := fs.Bool("scd41-factory-reset", false, "Factory reset the SCD41 and exit")

	cfg := DefaultConfig()
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *cfgPath != "" {
		b, err := os.ReadFile(*cfgPath)
		if err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
		if err := Parse(b, &cfg); err != nil {
			return cfg, err
		}
	}

	if *flagDeviceID != "" {
		cfg.DeviceID = *flagDeviceID
	}
	if *flagI2CBus != "" {
		cfg.I2C.Bus = *flagI2CBus
	}
	if *flagI2CSpeed != -1 {
		cfg.I2C.SpeedHz = *flagI2CSpeed
	}
	if *flagRetries != -1 {
		cfg.I2C.Retries = *flagRetries
	}
	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if *flagSensors != "" {
		ss, err := parseSensors(*flagSensors)
		if err != nil {
			return cfg, err
		}
		cfg.Sensors = ss
	}
	if *flagOutputs != "" {
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: strings.ToLower(p)})
		}
		cfg.Outputs = outs
	}
	if *flagInterval != -1 {
		cfg.IntervalMs = *flagInterval
	}
	if *flagRESTURL != "" {
		o := cfg.output(OutputREST)
		if o.REST == nil {
			o.REST = &RESTConfig{}
		}
		o.REST.URL = *flagRESTURL
	}
	// map mqtt flags into the mqtt output (create if missing)
	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" || *flagTopic != "" {
		o := cfg.output(OutputMQTT)
		if o.MQTT == nil {
			o.MQTT = &MQTTConfig{}
		}
		if *flagMQTTServer != "" {
			o.MQTT.Server = *flagMQTTServer
		}
		if *flagMQTTUser != "" {
			o.MQTT.Username = *flagMQTTUser
		}
		if *flagMQTTPass != "" {
			o.MQTT.Password = *flagMQTTPass
		}
		if *flagClientID != "" {
			o.MQTT.ClientID = *flagClientID
		}
		if *flagTopic != "" {
			o.MQTT.Topic = *flagTopic
		}
	}
	if *flagLEDPin != "" {
		cfg.Health.LEDPin = *flagLEDPin
	}
	if *flagMetrics != "" {
		cfg.MetricsAddr = *flagMetrics
	}
	if *flagLogLevel != "" {
		cfg.Log.Level = *flagLogLevel
	}
	cfg.Maintenance = Maintenance{
		ForceCalibrationPPM: *flagFRC,
		ASC:                 strings.ToLower(*flagASC),
		AltitudeM:           *flagAltitude,
		FactoryReset:        *flagFactoryReset,
	}

	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// Parse decodes a JSON config over cfg after expanding environment
// references such as ${MQTT_PASSWORD}.
func Parse(b []byte, cfg *Config) error {
	expanded, err := envsubst.Bytes(b)
	if err != nil {
		return errors.Wrap(err, "expand config")
	}
	if err := json.Unmarshal(expanded, cfg); err != nil {
		return errors.Wrap(err, "parse config")
	}
	return nil
}

// output returns the first output of type t, appending one if missing.
func (c *Config) output(t string) *OutputConfig {
	for i := range c.Outputs {
		if strings.EqualFold(c.Outputs[i].Type, t) {
			return &c.Outputs[i]
		}
	}
	c.Outputs = append(c.Outputs, OutputConfig{Type: t})
	return &c.Outputs[len(c.Outputs)-1]
}

// applyDefaults fills the sensor and output lists, which DefaultConfig
// leaves empty so JSON arrays never merge into default elements.
func (c *Config) applyDefaults() {
	if len(c.Sensors) == 0 {
		c.Sensors = []SensorConfig{{Type: SensorFS3000}}
	}
	if len(c.Outputs) == 0 {
		c.Outputs = []OutputConfig{{Type: OutputConsole}}
	}
	for i := range c.Outputs {
		o := &c.Outputs[i]
		o.Type = strings.ToLower(o.Type)
		if o.Type == OutputMQTT {
			if o.MQTT == nil {
				o.MQTT = &MQTTConfig{}
			}
			if o.MQTT.Topic == "" {
				o.MQTT.Topic = DefaultMQTTPrefix
			}
			if o.MQTT.StatusIntervalMs == 0 {
				o.MQTT.StatusIntervalMs = 60000
			}
		}
	}
	for i := range c.Sensors {
		s := &c.Sensors[i]
		s.Type = strings.ToLower(s.Type)
		if s.ID == "" {
			s.ID = s.Type
			if s.Type == SensorMoisture && s.Channel > 0 {
				s.ID += strconv.Itoa(s.Channel)
			}
		}
	}
}

// Validate reports the first configuration error.
func (c Config) Validate() error {
	if c.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if c.IntervalMs <= 0 {
		return errors.New("interval_ms must be > 0")
	}
	if c.I2C.Retries <= 0 {
		return errors.New("i2c.retries must be > 0")
	}
	if c.I2C.RetryDelayMs < 0 {
		return errors.New("i2c.retry_delay_ms must be >= 0")
	}
	switch c.SensorType {
	case ModeReal, ModeSimulation:
	default:
		return errors.Errorf("unknown sensor_type %q", c.SensorType)
	}
	if len(c.Sensors) == 0 {
		return errors.New("at least one sensor is required")
	}
	seen := map[string]bool{}
	for i, s := range c.Sensors {
		if seen[s.ID] {
			return errors.Errorf("sensors[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if err := s.validate(); err != nil {
			return errors.Wrapf(err, "sensors[%d] (%s)", i, s.ID)
		}
	}
	if len(c.Outputs) == 0 {
		return errors.New("at least one output is required")
	}
	for i, o := range c.Outputs {
		switch o.Type {
		case OutputConsole:
		case OutputREST:
			if o.REST == nil || o.REST.URL == "" {
				return errors.Errorf("outputs[%d]: rest.url is required", i)
			}
		case OutputMQTT:
			if o.MQTT == nil || o.MQTT.Server == "" {
				return errors.Errorf("outputs[%d]: mqtt.server is required", i)
			}
		default:
			return errors.Errorf("outputs[%d]: unknown type %q", i, o.Type)
		}
	}
	m := c.Maintenance
	if m.ASC != "" && m.ASC != "on" && m.ASC != "off" {
		return errors.Errorf("scd41-asc must be on or off, got %q", m.ASC)
	}
	if m.ForceCalibrationPPM < 0 || m.ForceCalibrationPPM > 0xFFFF || m.AltitudeM > 0xFFFF {
		return errors.New("scd41 maintenance value out of range")
	}
	return nil
}

func (s SensorConfig) validate() error {
	switch s.Type {
	case SensorFS3000:
		switch s.Variant {
		case "", "1005", "1015":
		default:
			return errors.Errorf("unknown fs3000 variant %q", s.Variant)
		}
	case SensorSCD41:
	case SensorAS7341:
		if s.LEDCurrent < 0 || s.LEDCurrent > 255 {
			return errors.New("led_current must be 0..255")
		}
	case SensorMoisture:
		switch s.ADC {
		case "", "ads1115":
			if s.Channel < 0 || s.Channel > 3 {
				return errors.New("channel must be 0..3")
			}
		case "pin":
			if s.Pin == "" {
				return errors.New("pin is required for adc=pin")
			}
		default:
			return errors.Errorf("unknown adc %q", s.ADC)
		}
		if (s.RawMin != 0 || s.RawMax != 0) && s.RawMax <= s.RawMin {
			return errors.New("raw_max must be above raw_min")
		}
		if s.RawMin < 0 || s.RawMax > 0xFFFF {
			return errors.New("raw_min/raw_max must be 0..65535")
		}
	case SensorBLE:
		if s.MAC == "" {
			return errors.New("mac is required")
		}
	default:
		return errors.Errorf("unknown sensor type %q", s.Type)
	}
	return nil
}

// Hex is an integer that also accepts "0x"-prefixed strings in JSON.
type Hex int

func (h *Hex) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*h = Hex(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Errorf("address must be a number or string, got %s", b)
	}
	v, err := parseIntOrHex(s)
	if err != nil {
		return errors.Wrapf(err, "address %q", s)
	}
	*h = Hex(v)
	return nil
}

// parseSensors parses "type[=address]" entries.
func parseSensors(s string) ([]SensorConfig, error) {
	parts := parseCSV(s)
	out := make([]SensorConfig, 0, len(parts))
	for _, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		sc := SensorConfig{Type: strings.ToLower(strings.TrimSpace(kv[0]))}
		if len(kv) == 2 {
			v, err := parseIntOrHex(strings.TrimSpace(kv[1]))
			if err != nil {
				return nil, errors.Wrapf(err, "invalid sensor address '%s'", p)
			}
			sc.Address = Hex(v)
		}
		out = append(out, sc)
	}
	return out, nil
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
