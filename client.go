// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package urlbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/urlbridge/bridge"
	"github.com/glimte/urlbridge/config"
	"github.com/glimte/urlbridge/health"
	"github.com/glimte/urlbridge/internal/rabbitmq"
	"github.com/glimte/urlbridge/internal/reliability"
	"github.com/glimte/urlbridge/localservice"
	"github.com/glimte/urlbridge/localservice/dbus"
	"github.com/glimte/urlbridge/messaging"
	"github.com/glimte/urlbridge/monitor"
	"github.com/glimte/urlbridge/transports/mqtt"
	rabbitmqTransport "github.com/glimte/urlbridge/transports/rabbitmq"
)

// Transport is a broker connection usable by the bridges
type Transport interface {
	messaging.Transport
	messaging.Connector
}

// Client runs one presigned URL bridge per configured resource on a shared
// transport and local service registrar.
type Client struct {
	cfg       config.Config
	logger    *slog.Logger
	transport Transport
	registrar localservice.Registrar
	bridges   []*bridge.ResourceBridge
	health    *health.Registry

	ownsTransport bool
	ownsRegistrar bool

	// ctx lives until Close and bounds reconnect attempts
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	started      bool
	reconnecting bool
}

// minReconnectDelay applies when the configured backoff is zero
const minReconnectDelay = time.Second

// New creates a client for cfg. The transport is not connected until Start.
func New(cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(opts)
	}

	c := &Client{
		cfg:       cfg,
		logger:    opts.logger,
		transport: opts.transport,
		registrar: opts.registrar,
		health:    health.NewRegistry(),
	}

	if c.transport == nil {
		transport, err := newTransport(cfg.Transport, c.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		c.transport = transport
		c.ownsTransport = true
	}

	if c.registrar == nil {
		registrar, err := newRegistrar(cfg.LocalService, c.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create local service registrar: %w", err)
		}
		c.registrar = registrar
		c.ownsRegistrar = true
	}

	var metrics bridge.MetricsCollector = bridge.NoOpMetricsCollector{}
	if opts.registerer != nil {
		metrics = monitor.NewPrometheusCollector(opts.registerer)
	}

	c.health.SetMetadata("thingName", cfg.ThingName)
	c.health.SetMetadata("stage", cfg.Stage)
	c.health.Register(health.NewConnectionChecker("transport", c.transport))
	if rt, ok := c.transport.(*rabbitmqTransport.Transport); ok {
		c.health.Register(health.NewRabbitMQChecker(rt.Manager(), exchangeOrDefault(cfg.Transport.Exchange)))
	}

	for _, r := range cfg.Resources {
		bridgeOpts := append(cfg.BridgeOptions(),
			bridge.WithResource(r.Name),
			bridge.WithLogger(c.logger),
			bridge.WithMetrics(metrics),
		)
		if opts.notifier != nil {
			bridgeOpts = append(bridgeOpts, bridge.WithNotifier(opts.notifier))
		}

		b, err := bridge.NewResourceBridge(c.transport, c.registrar, cfg.Topics(r), cfg.ServiceName(r), bridgeOpts...)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.Name, err)
		}
		c.bridges = append(c.bridges, b)
		c.health.Register(health.NewBridgeChecker(b))
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.transport.OnConnectionLost(c.connectionLost)
	return c, nil
}

// connectionLost marks every response subscription lost and reconnects the
// transport in the background once the client has started
func (c *Client) connectionLost(err error) {
	for _, b := range c.bridges {
		b.ConnectionLost(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.started || c.reconnecting {
		return
	}
	c.reconnecting = true
	c.wg.Add(1)
	go c.reconnect()
}

func (c *Client) reconnect() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.cfg.Timeouts.Backoff
	if delay <= 0 {
		delay = minReconnectDelay
	}

	err := reliability.Retry(c.ctx, reliability.NewFixedDelay(delay, math.MaxInt32), func(attempt int) error {
		if c.transport.IsConnected() {
			return nil
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Transport.ConnectTimeout)
		defer cancel()
		if err := c.transport.Connect(ctx); err != nil {
			c.logger.Warn("transport reconnect failed", "attempt", attempt+1, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		c.logger.Debug("transport reconnect abandoned", "error", err)
		return
	}
	c.logger.Info("transport reconnected, subscriptions resume on the next request")
}

func newTransport(cfg config.TransportConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Kind {
	case config.TransportAMQP:
		return rabbitmqTransport.NewTransport(cfg.URL,
			rabbitmqTransport.WithExchange(exchangeOrDefault(cfg.Exchange)),
			rabbitmqTransport.WithLogger(logger),
			rabbitmqTransport.WithConnectionOptions(
				rabbitmq.WithLogger(logger),
				rabbitmq.WithConnectTimeout(cfg.ConnectTimeout),
			),
		)
	case config.TransportMQTT:
		opts := []mqtt.TransportOption{
			mqtt.WithLogger(logger),
			mqtt.WithConnectTimeout(cfg.ConnectTimeout),
		}
		if cfg.ClientID != "" {
			opts = append(opts, mqtt.WithClientID(cfg.ClientID))
		}
		return mqtt.NewTransport(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

func newRegistrar(cfg config.LocalServiceConfig, logger *slog.Logger) (localservice.Registrar, error) {
	switch cfg.Kind {
	case config.LocalServiceInProcess:
		return localservice.NewInProcess(), nil
	case config.LocalServiceDBus:
		return dbus.NewRegistrar(dbus.Bus(cfg.Bus), dbus.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown local service kind %q", cfg.Kind)
	}
}

func exchangeOrDefault(exchange string) string {
	if exchange == "" {
		return rabbitmq.DefaultExchange
	}
	return exchange
}

// Start connects the transport and starts every bridge. Bridges start
// concurrently; each one blocks until its startup subscription settles.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("client is closed")
	}

	if !c.transport.IsConnected() {
		if err := c.transport.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect transport: %w", err)
		}
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range c.bridges {
		b := b
		g.Go(func() error {
			return b.Start(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.logger.Info("urlbridge started", "thingName", c.cfg.ThingName, "resources", len(c.bridges))
	return nil
}

// Stop stops every bridge. The transport stays connected.
func (c *Client) Stop(ctx context.Context) error {
	var errs []error
	for i := len(c.bridges) - 1; i >= 0; i-- {
		if err := c.bridges[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.bridges[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the bridges and closes the transport and registrar the client
// created itself
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	errs := []error{c.Stop(context.Background())}
	if c.ownsRegistrar {
		if closer, ok := c.registrar.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	if c.ownsTransport {
		errs = append(errs, c.transport.Close())
	}
	return errors.Join(errs...)
}

// Bridges returns the bridges in configuration order
func (c *Client) Bridges() []*bridge.ResourceBridge {
	return append([]*bridge.ResourceBridge(nil), c.bridges...)
}

// Bridge returns the bridge of resource
func (c *Client) Bridge(resource string) (*bridge.ResourceBridge, bool) {
	for i, r := range c.cfg.Resources {
		if r.Name == resource {
			return c.bridges[i], true
		}
	}
	return nil, false
}

// Transport returns the underlying transport
func (c *Client) Transport() Transport {
	return c.transport
}

// Health returns the health registry covering transport and bridges
func (c *Client) Health() *health.Registry {
	return c.health
}

// ClientOption configures a Client
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger     *slog.Logger
	transport  Transport
	registrar  localservice.Registrar
	registerer prometheus.Registerer
	notifier   bridge.Notifier
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTransport uses transport instead of building one from the config.
// The client does not close an injected transport.
func WithTransport(transport Transport) ClientOption {
	return func(c *clientConfig) {
		c.transport = transport
	}
}

// WithRegistrar uses registrar instead of building one from the config
func WithRegistrar(registrar localservice.Registrar) ClientOption {
	return func(c *clientConfig) {
		c.registrar = registrar
	}
}

// WithRegisterer enables Prometheus metrics on reg
func WithRegisterer(reg prometheus.Registerer) ClientOption {
	return func(c *clientConfig) {
		c.registerer = reg
	}
}

// WithNotifier receives feature started and stopped notifications
func WithNotifier(notifier bridge.Notifier) ClientOption {
	return func(c *clientConfig) {
		c.notifier = notifier
	}
}
