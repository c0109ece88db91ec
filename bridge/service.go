package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/urlbridge/contracts"
	"github.com/glimte/urlbridge/localservice"
)

// Publisher is the publish operation the local service delegates to
type Publisher interface {
	Publish(ctx context.Context, id contracts.RequestID, timeout time.Duration) contracts.ResultCode
}

// LocalServiceBridge owns the lifetime of the locally exposed service.
// Registration, teardown, emission and IsRegistered are serialized by one mutex.
type LocalServiceBridge struct {
	registrar localservice.Registrar
	name      localservice.ServiceName
	publisher Publisher
	config    *BridgeConfig
	logger    *slog.Logger

	mu     sync.Mutex
	handle localservice.Handle
}

// NewLocalServiceBridge creates an unregistered service bridge
func NewLocalServiceBridge(registrar localservice.Registrar, name localservice.ServiceName, publisher Publisher, opts ...BridgeOption) *LocalServiceBridge {
	return newLocalServiceBridge(registrar, name, publisher, newBridgeConfig(opts))
}

func newLocalServiceBridge(registrar localservice.Registrar, name localservice.ServiceName, publisher Publisher, cfg *BridgeConfig) *LocalServiceBridge {
	return &LocalServiceBridge{
		registrar: registrar,
		name:      name,
		publisher: publisher,
		config:    cfg,
		logger:    cfg.Logger.With("component", "localservice", "objectPath", name.ObjectPath),
	}
}

// Setup registers the service. It is a no-op when already registered or when
// abort reports true under the registration lock.
func (s *LocalServiceBridge) Setup(abort func() bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return nil
	}
	if abort != nil && abort() {
		s.logger.Debug("skipping registration, stop requested")
		return nil
	}

	handle, err := s.registrar.Register(s.name, localservice.Handlers{
		RequestResource: s.RequestResource,
		Version:         localservice.ServiceVersion,
	})
	if err != nil {
		return contracts.NewBridgeError("register", contracts.ErrLocalRegistration, err)
	}

	s.handle = handle
	s.config.Metrics.SetRegistered(s.config.Resource, true)
	s.logger.Info("local service registered", "busName", s.name.BusName, "interface", s.name.Interface)
	return nil
}

// Cleanup releases the registration. Calling it without a registration is a no-op.
func (s *LocalServiceBridge) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return nil
	}

	handle := s.handle
	s.handle = nil
	s.config.Metrics.SetRegistered(s.config.Resource, false)

	if err := s.registrar.Unregister(handle); err != nil {
		return contracts.NewBridgeError("unregister", contracts.ErrLocalRegistration, err)
	}
	s.logger.Info("local service unregistered")
	return nil
}

// IsRegistered reports whether the service is currently exposed
func (s *LocalServiceBridge) IsRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// RequestResource backs the local RequestResource call
func (s *LocalServiceBridge) RequestResource(requestID uint16) int32 {
	code := s.publisher.Publish(context.Background(), contracts.RequestID(requestID), s.config.RequestTimeout)
	return int32(code)
}

// Emit forwards a decoded response to local consumers. Malformed responses
// and responses arriving while unregistered are dropped.
func (s *LocalServiceBridge) Emit(resp DecodedResponse) bool {
	if !resp.Emittable() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		s.logger.Debug("dropping response, service not registered", "requestId", uint16(resp.RequestID))
		return false
	}

	err := s.handle.EmitResourceResponse(localservice.ResourceResponse{
		RequestID:  uint16(resp.RequestID),
		ResultCode: int32(resp.ResultCode),
		Payload:    resp.Payload(),
	})
	if err != nil {
		s.logger.Warn("failed to emit resource response", "requestId", uint16(resp.RequestID), "error", err)
		return false
	}
	return true
}
