// Package config loads the urlbridge service configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glimte/urlbridge/bridge"
	"github.com/glimte/urlbridge/localservice"
)

// Transport kinds
const (
	TransportMQTT = "mqtt"
	TransportAMQP = "amqp"
)

// Local service kinds
const (
	LocalServiceDBus      = "dbus"
	LocalServiceInProcess = "inprocess"
)

// Default names of the exposed local service
const (
	DefaultBusName     = "com.binsentry.CommercialBin"
	DefaultManagerPath = "/com/binsentry/CommercialBin"
	DefaultInterface   = "com.binsentry.CommercialBin.S3PresignedURL.SensorReading"
	DefaultObjectPath  = "/com/binsentry/CommercialBin/S3PresignedURL/SensorReadingHDF5"
)

// Config is the full service configuration
type Config struct {
	ThingName    string             `yaml:"thingName"`
	Stage        string             `yaml:"stage"`
	Resources    []ResourceConfig   `yaml:"resources"`
	Transport    TransportConfig    `yaml:"transport"`
	LocalService LocalServiceConfig `yaml:"localService"`
	Timeouts     TimeoutConfig      `yaml:"timeouts"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Log          LogConfig          `yaml:"log"`
}

// ResourceConfig describes one bridged resource kind
type ResourceConfig struct {
	// Name is the resource segment of the topics, e.g. hdf5
	Name string `yaml:"name"`
	// ObjectPath of the local service object
	ObjectPath string `yaml:"objectPath"`
}

// TransportConfig selects and addresses the broker
type TransportConfig struct {
	Kind           string        `yaml:"kind"`
	URL            string        `yaml:"url"`
	ClientID       string        `yaml:"clientId"`
	Exchange       string        `yaml:"exchange"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// LocalServiceConfig selects and names the local IPC service
type LocalServiceConfig struct {
	Kind        string `yaml:"kind"`
	Bus         string `yaml:"bus"`
	BusName     string `yaml:"busName"`
	ManagerPath string `yaml:"managerPath"`
	Interface   string `yaml:"interface"`
}

// TimeoutConfig holds the request and subscribe timing
type TimeoutConfig struct {
	Request          time.Duration `yaml:"request"`
	StartupSubscribe time.Duration `yaml:"startupSubscribe"`
	StartupRetries   int           `yaml:"startupRetries"`
	LazySubscribe    time.Duration `yaml:"lazySubscribe"`
	LazyRetries      int           `yaml:"lazyRetries"`
	Backoff          time.Duration `yaml:"backoff"`
}

// MetricsConfig configures the HTTP listener for /metrics and health
type MetricsConfig struct {
	// Listen address, empty disables the listener
	Listen string `yaml:"listen"`
}

// LogConfig configures the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the configuration used when no file is given
func Defaults() Config {
	return Config{
		Stage: "p",
		Resources: []ResourceConfig{
			{Name: "hdf5", ObjectPath: DefaultObjectPath},
		},
		Transport: TransportConfig{
			Kind:           TransportMQTT,
			ConnectTimeout: 30 * time.Second,
		},
		LocalService: LocalServiceConfig{
			Kind:        LocalServiceDBus,
			Bus:         "system",
			BusName:     DefaultBusName,
			ManagerPath: DefaultManagerPath,
			Interface:   DefaultInterface,
		},
		Timeouts: TimeoutConfig{
			Request:          bridge.DefaultRequestTimeout,
			StartupSubscribe: bridge.DefaultStartupSubscribeTimeout,
			StartupRetries:   bridge.DefaultStartupSubscribeRetries,
			LazySubscribe:    bridge.DefaultLazySubscribeTimeout,
			LazyRetries:      bridge.DefaultLazySubscribeRetries,
			Backoff:          bridge.DefaultSubscribeBackoff,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. The result is not validated so that
// command line overrides can be applied first; call Validate afterwards.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return Config{}, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := decode(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode applies a single strict YAML document onto cfg
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("config file contains multiple documents or trailing content")
	}
	return nil
}

// Validate reports every configuration problem found
func (c Config) Validate() error {
	var errs []error

	if strings.Contains(c.Stage, "/") || c.Stage == "" {
		errs = append(errs, fmt.Errorf("stage %q must be a single non-empty topic segment", c.Stage))
	}
	if c.ThingName == "" || strings.ContainsAny(c.ThingName, "/+#") {
		errs = append(errs, fmt.Errorf("thingName %q must be a single non-empty topic segment", c.ThingName))
	}
	if len(c.Resources) == 0 {
		errs = append(errs, errors.New("at least one resource is required"))
	}
	seen := make(map[string]bool)
	for i, r := range c.Resources {
		if r.Name == "" || strings.Contains(r.Name, "/") {
			errs = append(errs, fmt.Errorf("resources[%d]: name %q must be a single non-empty topic segment", i, r.Name))
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("resources[%d]: duplicate resource %q", i, r.Name))
		}
		seen[r.Name] = true
		if err := c.ServiceName(r).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("resources[%d]: %w", i, err))
		}
	}

	switch c.Transport.Kind {
	case TransportMQTT, TransportAMQP:
	default:
		errs = append(errs, fmt.Errorf("transport.kind %q must be %q or %q", c.Transport.Kind, TransportMQTT, TransportAMQP))
	}
	if c.Transport.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("transport.connectTimeout must be positive"))
	}

	switch c.LocalService.Kind {
	case LocalServiceInProcess:
	case LocalServiceDBus:
		if c.LocalService.Bus != "system" && c.LocalService.Bus != "session" {
			errs = append(errs, fmt.Errorf("localService.bus %q must be system or session", c.LocalService.Bus))
		}
	default:
		errs = append(errs, fmt.Errorf("localService.kind %q must be %q or %q", c.LocalService.Kind, LocalServiceDBus, LocalServiceInProcess))
	}

	t := c.Timeouts
	if t.Request <= 0 || t.StartupSubscribe <= 0 || t.LazySubscribe <= 0 {
		errs = append(errs, errors.New("timeouts.request, timeouts.startupSubscribe and timeouts.lazySubscribe must be positive"))
	}
	if t.StartupRetries < 0 || t.LazyRetries < 0 {
		errs = append(errs, errors.New("retry counts must not be negative"))
	}
	if t.Backoff < 0 {
		errs = append(errs, errors.New("timeouts.backoff must not be negative"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ServiceName builds the local service name of r
func (c Config) ServiceName(r ResourceConfig) localservice.ServiceName {
	return localservice.ServiceName{
		BusName:     c.LocalService.BusName,
		ManagerPath: c.LocalService.ManagerPath,
		ObjectPath:  r.ObjectPath,
		Interface:   c.LocalService.Interface,
		Label:       r.Name,
	}
}

// Topics builds the topic pair of r
func (c Config) Topics(r ResourceConfig) bridge.Topics {
	return bridge.NewTopics(c.ThingName, c.Stage, r.Name)
}

// BridgeOptions translates the timeouts into bridge options
func (c Config) BridgeOptions() []bridge.BridgeOption {
	t := c.Timeouts
	return []bridge.BridgeOption{
		bridge.WithRequestTimeout(t.Request),
		bridge.WithSubscribeBackoff(t.Backoff),
		bridge.WithStartupSubscribe(t.StartupSubscribe, t.StartupRetries),
		bridge.WithLazySubscribe(t.LazySubscribe, t.LazyRetries),
	}
}
