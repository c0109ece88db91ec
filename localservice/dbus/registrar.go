// Package dbus exposes bridge services on the D-Bus.
//
// Each registered resource becomes an object carrying the RequestResource
// method, the ResourceResponse signal and the read-only Version property,
// plus the standard Introspectable and Properties interfaces. Objects that
// share a manager path are announced through an ObjectManager at that path.
package dbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/glimte/urlbridge/localservice"
)

const (
	MethodRequestResource  = "RequestResource"
	SignalResourceResponse = "ResourceResponse"
	PropertyVersion        = "Version"

	objectManagerInterface  = "org.freedesktop.DBus.ObjectManager"
	introspectableInterface = "org.freedesktop.DBus.Introspectable"
	propertiesInterface     = "org.freedesktop.DBus.Properties"
)

// Bus selects the message bus to connect to
type Bus string

const (
	SessionBus Bus = "session"
	SystemBus  Bus = "system"
)

// Dialer opens a bus connection
type Dialer func() (*godbus.Conn, error)

// Registrar registers services on one shared bus connection. The connection
// is opened by the first registration and closed after the last one is gone.
type Registrar struct {
	dial   Dialer
	logger *slog.Logger

	mu       sync.Mutex
	conn     *godbus.Conn
	names    map[string]int
	managers map[string]int

	objectsMu sync.RWMutex
	objects   map[godbus.ObjectPath]*handle
}

// RegistrarOption configures the registrar
type RegistrarOption func(*Registrar)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) RegistrarOption {
	return func(r *Registrar) {
		r.logger = logger
	}
}

// WithDialer replaces the bus dialer
func WithDialer(dial Dialer) RegistrarOption {
	return func(r *Registrar) {
		r.dial = dial
	}
}

// NewRegistrar creates a registrar for the given bus
func NewRegistrar(bus Bus, options ...RegistrarOption) (*Registrar, error) {
	r := &Registrar{
		logger:   slog.Default(),
		names:    make(map[string]int),
		managers: make(map[string]int),
		objects:  make(map[godbus.ObjectPath]*handle),
	}

	switch bus {
	case SessionBus, "":
		r.dial = func() (*godbus.Conn, error) { return godbus.ConnectSessionBus() }
	case SystemBus:
		r.dial = func() (*godbus.Conn, error) { return godbus.ConnectSystemBus() }
	default:
		return nil, fmt.Errorf("unsupported bus %q", bus)
	}

	for _, opt := range options {
		opt(r)
	}

	return r, nil
}

type handle struct {
	name     localservice.ServiceName
	handlers localservice.Handlers
	conn     *godbus.Conn
	released atomic.Bool
}

func (h *handle) Name() localservice.ServiceName {
	return h.name
}

func (h *handle) EmitResourceResponse(resp localservice.ResourceResponse) error {
	if h.released.Load() {
		return fmt.Errorf("%w: %s", localservice.ErrNotRegistered, h.name.ObjectPath)
	}
	return h.conn.Emit(
		godbus.ObjectPath(h.name.ObjectPath),
		h.name.Interface+"."+SignalResourceResponse,
		resp.RequestID, resp.ResultCode, resp.Payload,
	)
}

// Register implements localservice.Registrar
func (r *Registrar) Register(name localservice.ServiceName, handlers localservice.Handlers) (localservice.Handle, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}
	path := godbus.ObjectPath(name.ObjectPath)
	if !path.IsValid() {
		return nil, fmt.Errorf("%w: invalid object path %q", localservice.ErrInvalidServiceName, name.ObjectPath)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.objectsMu.RLock()
	_, taken := r.objects[path]
	r.objectsMu.RUnlock()
	if taken {
		return nil, fmt.Errorf("%w: %s", localservice.ErrNameTaken, name.ObjectPath)
	}

	conn, err := r.connectLocked()
	if err != nil {
		return nil, err
	}

	if err := r.acquireNameLocked(name.BusName); err != nil {
		r.closeIfIdleLocked()
		return nil, err
	}

	h := &handle{name: name, handlers: handlers, conn: conn}
	if err := exportObject(conn, h); err != nil {
		unexportObject(conn, h)
		r.releaseNameLocked(name.BusName)
		r.closeIfIdleLocked()
		return nil, fmt.Errorf("export %s: %w", name.ObjectPath, err)
	}

	r.objectsMu.Lock()
	r.objects[path] = h
	r.objectsMu.Unlock()

	if name.ManagerPath != "" {
		if err := r.acquireManagerLocked(name.ManagerPath); err != nil {
			r.logger.Warn("object manager export failed", "path", name.ManagerPath, "error", err)
		} else {
			r.emitInterfacesAdded(h)
		}
	}

	r.logger.Info("registered D-Bus service",
		"busName", name.BusName,
		"path", name.ObjectPath,
		"interface", name.Interface)

	return h, nil
}

// Unregister implements localservice.Registrar
func (r *Registrar) Unregister(lh localservice.Handle) error {
	h, ok := lh.(*handle)
	if !ok {
		return localservice.ErrUnknownHandle
	}
	path := godbus.ObjectPath(h.name.ObjectPath)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.objectsMu.Lock()
	current, exists := r.objects[path]
	if !exists || current != h {
		r.objectsMu.Unlock()
		return fmt.Errorf("%w: %s", localservice.ErrNotRegistered, h.name.ObjectPath)
	}
	delete(r.objects, path)
	r.objectsMu.Unlock()

	h.released.Store(true)

	var errs []error
	if h.name.ManagerPath != "" {
		r.emitInterfacesRemoved(h)
		errs = append(errs, r.releaseManagerLocked(h.name.ManagerPath))
	}
	errs = append(errs, unexportObject(h.conn, h))
	errs = append(errs, r.releaseNameLocked(h.name.BusName))
	errs = append(errs, r.closeIfIdleLocked())

	r.logger.Info("unregistered D-Bus service", "path", h.name.ObjectPath)
	return errors.Join(errs...)
}

// Close unregisters every remaining service
func (r *Registrar) Close() error {
	r.objectsMu.RLock()
	handles := make([]*handle, 0, len(r.objects))
	for _, h := range r.objects {
		handles = append(handles, h)
	}
	r.objectsMu.RUnlock()

	var errs []error
	for _, h := range handles {
		if err := r.Unregister(h); err != nil && !errors.Is(err, localservice.ErrNotRegistered) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registrar) connectLocked() (*godbus.Conn, error) {
	if r.conn != nil && r.conn.Connected() {
		return r.conn, nil
	}
	conn, err := r.dial()
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}
	r.conn = conn
	return conn, nil
}

func (r *Registrar) acquireNameLocked(busName string) error {
	if r.names[busName] > 0 {
		r.names[busName]++
		return nil
	}

	reply, err := r.conn.RequestName(busName, godbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %w", busName, err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner && reply != godbus.RequestNameReplyAlreadyOwner {
		return fmt.Errorf("%w: %s", localservice.ErrNameTaken, busName)
	}
	r.names[busName] = 1
	return nil
}

func (r *Registrar) releaseNameLocked(busName string) error {
	if r.names[busName] == 0 {
		return nil
	}
	r.names[busName]--
	if r.names[busName] > 0 {
		return nil
	}
	delete(r.names, busName)

	if _, err := r.conn.ReleaseName(busName); err != nil {
		return fmt.Errorf("release name %s: %w", busName, err)
	}
	return nil
}

func (r *Registrar) acquireManagerLocked(managerPath string) error {
	if r.managers[managerPath] == 0 {
		methods := map[string]interface{}{
			"GetManagedObjects": func() (map[godbus.ObjectPath]map[string]map[string]godbus.Variant, *godbus.Error) {
				return r.managedObjects(managerPath), nil
			},
		}
		if err := r.conn.ExportMethodTable(methods, godbus.ObjectPath(managerPath), objectManagerInterface); err != nil {
			return err
		}
	}
	r.managers[managerPath]++
	return nil
}

func (r *Registrar) releaseManagerLocked(managerPath string) error {
	if r.managers[managerPath] == 0 {
		return nil
	}
	r.managers[managerPath]--
	if r.managers[managerPath] > 0 {
		return nil
	}
	delete(r.managers, managerPath)
	return r.conn.ExportMethodTable(nil, godbus.ObjectPath(managerPath), objectManagerInterface)
}

func (r *Registrar) closeIfIdleLocked() error {
	r.objectsMu.RLock()
	idle := len(r.objects) == 0
	r.objectsMu.RUnlock()

	if !idle || r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// managedObjects answers GetManagedObjects for one manager path
func (r *Registrar) managedObjects(managerPath string) map[godbus.ObjectPath]map[string]map[string]godbus.Variant {
	r.objectsMu.RLock()
	defer r.objectsMu.RUnlock()

	out := make(map[godbus.ObjectPath]map[string]map[string]godbus.Variant)
	for path, h := range r.objects {
		if h.name.ManagerPath != managerPath {
			continue
		}
		out[path] = interfaceProperties(h)
	}
	return out
}

func (r *Registrar) emitInterfacesAdded(h *handle) {
	err := h.conn.Emit(
		godbus.ObjectPath(h.name.ManagerPath),
		objectManagerInterface+".InterfacesAdded",
		godbus.ObjectPath(h.name.ObjectPath),
		interfaceProperties(h),
	)
	if err != nil {
		r.logger.Warn("InterfacesAdded emit failed", "path", h.name.ObjectPath, "error", err)
	}
}

func (r *Registrar) emitInterfacesRemoved(h *handle) {
	err := h.conn.Emit(
		godbus.ObjectPath(h.name.ManagerPath),
		objectManagerInterface+".InterfacesRemoved",
		godbus.ObjectPath(h.name.ObjectPath),
		[]string{h.name.Interface},
	)
	if err != nil {
		r.logger.Warn("InterfacesRemoved emit failed", "path", h.name.ObjectPath, "error", err)
	}
}

func interfaceProperties(h *handle) map[string]map[string]godbus.Variant {
	return map[string]map[string]godbus.Variant{
		h.name.Interface: {
			PropertyVersion: godbus.MakeVariant(h.handlers.Version),
		},
	}
}

func exportObject(conn *godbus.Conn, h *handle) error {
	path := godbus.ObjectPath(h.name.ObjectPath)

	methods := map[string]interface{}{
		MethodRequestResource: func(requestID uint16) (int32, *godbus.Error) {
			if h.handlers.RequestResource == nil {
				return -1, nil
			}
			return h.handlers.RequestResource(requestID), nil
		},
	}
	if err := conn.ExportMethodTable(methods, path, h.name.Interface); err != nil {
		return err
	}

	props := prop.Map{
		h.name.Interface: {
			PropertyVersion: {
				Value:    h.handlers.Version,
				Writable: false,
				Emit:     prop.EmitConst,
			},
		},
	}
	if _, err := prop.Export(conn, path, props); err != nil {
		return err
	}

	return conn.Export(introspect.NewIntrospectable(introspectNode(h.name)), path, introspectableInterface)
}

func unexportObject(conn *godbus.Conn, h *handle) error {
	path := godbus.ObjectPath(h.name.ObjectPath)
	return errors.Join(
		conn.ExportMethodTable(nil, path, h.name.Interface),
		conn.Export(nil, path, propertiesInterface),
		conn.Export(nil, path, introspectableInterface),
	)
}

func introspectNode(name localservice.ServiceName) *introspect.Node {
	return &introspect.Node{
		Name: name.ObjectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: name.Interface,
				Methods: []introspect.Method{
					{
						Name: MethodRequestResource,
						Args: []introspect.Arg{
							{Name: "RequestId", Type: "q", Direction: "in"},
							{Name: "ReturnCode", Type: "i", Direction: "out"},
						},
					},
				},
				Signals: []introspect.Signal{
					{
						Name: SignalResourceResponse,
						Args: []introspect.Arg{
							{Name: "RequestId", Type: "q"},
							{Name: "ReturnCode", Type: "i"},
							{Name: "Payload", Type: "s"},
						},
					},
				},
				Properties: []introspect.Property{
					{Name: PropertyVersion, Type: "q", Access: "read"},
				},
			},
		},
	}
}
