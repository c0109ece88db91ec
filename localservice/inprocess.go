package localservice

import (
	"fmt"
	"sync"
)

// InProcess is a Registrar whose consumers live in the same process.
// Consumers invoke Call and receive events through Subscribe.
type InProcess struct {
	mu          sync.RWMutex
	services    map[string]*inProcessHandle
	subscribers map[string]map[int]chan ResourceResponse
	nextSubID   int
}

// NewInProcess creates an empty in-process registrar
func NewInProcess() *InProcess {
	return &InProcess{
		services:    make(map[string]*inProcessHandle),
		subscribers: make(map[string]map[int]chan ResourceResponse),
	}
}

type inProcessHandle struct {
	registrar *InProcess
	name      ServiceName
	handlers  Handlers
}

func (h *inProcessHandle) Name() ServiceName {
	return h.name
}

func (h *inProcessHandle) EmitResourceResponse(resp ResourceResponse) error {
	return h.registrar.emit(h, resp)
}

// Register implements Registrar
func (r *InProcess) Register(name ServiceName, handlers Handlers) (Handle, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[name.ObjectPath]; exists {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name.ObjectPath)
	}

	h := &inProcessHandle{registrar: r, name: name, handlers: handlers}
	r.services[name.ObjectPath] = h
	return h, nil
}

// Unregister implements Registrar
func (r *InProcess) Unregister(handle Handle) error {
	h, ok := handle.(*inProcessHandle)
	if !ok || h.registrar != r {
		return ErrUnknownHandle
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.services[h.name.ObjectPath]; !exists || current != h {
		return fmt.Errorf("%w: %s", ErrNotRegistered, h.name.ObjectPath)
	}
	delete(r.services, h.name.ObjectPath)
	return nil
}

// IsRegistered reports whether an object is registered at path
func (r *InProcess) IsRegistered(objectPath string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.services[objectPath]
	return exists
}

// Call invokes RequestResource on the object at path
func (r *InProcess) Call(objectPath string, requestID uint16) (int32, error) {
	r.mu.RLock()
	h, exists := r.services[objectPath]
	r.mu.RUnlock()

	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrNotRegistered, objectPath)
	}
	if h.handlers.RequestResource == nil {
		return -1, nil
	}
	return h.handlers.RequestResource(requestID), nil
}

// Version reads the Version property of the object at path
func (r *InProcess) Version(objectPath string) (uint16, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, exists := r.services[objectPath]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrNotRegistered, objectPath)
	}
	return h.handlers.Version, nil
}

// Subscribe returns a channel receiving ResourceResponse events emitted at
// path. Events are dropped when the channel buffer is full. The returned
// function cancels the subscription and closes the channel.
func (r *InProcess) Subscribe(objectPath string, buffer int) (<-chan ResourceResponse, func()) {
	ch := make(chan ResourceResponse, buffer)

	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	if r.subscribers[objectPath] == nil {
		r.subscribers[objectPath] = make(map[int]chan ResourceResponse)
	}
	r.subscribers[objectPath][id] = ch
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subscribers[objectPath], id)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (r *InProcess) emit(h *inProcessHandle, resp ResourceResponse) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if current, exists := r.services[h.name.ObjectPath]; !exists || current != h {
		return fmt.Errorf("%w: %s", ErrNotRegistered, h.name.ObjectPath)
	}

	for _, ch := range r.subscribers[h.name.ObjectPath] {
		select {
		case ch <- resp:
		default:
		}
	}
	return nil
}
