package localservice

import (
	"errors"
	"fmt"
	"strings"
)

// ServiceVersion is the value of the read-only Version property
const ServiceVersion uint16 = 1

var (
	// ErrNameTaken is returned when the bus name or object path is owned by someone else
	ErrNameTaken = errors.New("localservice: name already taken")
	// ErrNotRegistered is returned for calls against an unknown object
	ErrNotRegistered = errors.New("localservice: service not registered")
	// ErrUnknownHandle is returned when unregistering a handle from another registrar
	ErrUnknownHandle = errors.New("localservice: unknown handle")
	// ErrInvalidServiceName is returned by ServiceName.Validate
	ErrInvalidServiceName = errors.New("localservice: invalid service name")
)

// ServiceName locates one exposed service object
type ServiceName struct {
	BusName     string // Well-known bus name, e.g. com.binsentry.CommercialBin
	ManagerPath string // Object manager path, parent of ObjectPath
	ObjectPath  string // Path of the resource object
	Interface   string // Interface carrying the resource members
	Label       string // Short resource label, e.g. hdf5
}

// Validate checks that the name can be registered
func (n ServiceName) Validate() error {
	if n.BusName == "" {
		return fmt.Errorf("%w: bus name is required", ErrInvalidServiceName)
	}
	if n.Interface == "" {
		return fmt.Errorf("%w: interface is required", ErrInvalidServiceName)
	}
	if !strings.HasPrefix(n.ObjectPath, "/") {
		return fmt.Errorf("%w: object path %q must be absolute", ErrInvalidServiceName, n.ObjectPath)
	}
	if n.ManagerPath != "" && !strings.HasPrefix(n.ObjectPath, strings.TrimSuffix(n.ManagerPath, "/")+"/") {
		return fmt.Errorf("%w: object path %q is not below manager path %q", ErrInvalidServiceName, n.ObjectPath, n.ManagerPath)
	}
	return nil
}

// Handlers is the member table of a registered service
type Handlers struct {
	// RequestResource backs the RequestResource call
	RequestResource func(requestID uint16) int32
	// Version backs the read-only Version property
	Version uint16
}

// ResourceResponse is the payload of the ResourceResponse event
type ResourceResponse struct {
	RequestID  uint16
	ResultCode int32
	Payload    string
}

// Handle is a live registration
type Handle interface {
	// Name returns the name the service was registered under
	Name() ServiceName
	// EmitResourceResponse sends the ResourceResponse event to local consumers
	EmitResourceResponse(resp ResourceResponse) error
}

// Registrar registers and unregisters service objects
type Registrar interface {
	Register(name ServiceName, handlers Handlers) (Handle, error)
	Unregister(handle Handle) error
}
