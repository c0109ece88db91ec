package localservice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServiceName() ServiceName {
	return ServiceName{
		BusName:     "com.example.Bridge",
		ManagerPath: "/com/example/Bridge",
		ObjectPath:  "/com/example/Bridge/URL/HDF5",
		Interface:   "com.example.Bridge.URL",
		Label:       "hdf5",
	}
}

func TestServiceName_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(n *ServiceName)
		wantErr bool
	}{
		{"valid", func(n *ServiceName) {}, false},
		{"no manager path", func(n *ServiceName) { n.ManagerPath = "" }, false},
		{"missing bus name", func(n *ServiceName) { n.BusName = "" }, true},
		{"missing interface", func(n *ServiceName) { n.Interface = "" }, true},
		{"relative path", func(n *ServiceName) { n.ObjectPath = "com/example" }, true},
		{"outside manager", func(n *ServiceName) { n.ObjectPath = "/org/other/HDF5" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := testServiceName()
			tt.mutate(&n)
			err := n.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidServiceName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInProcess(t *testing.T) {
	t.Run("Register exposes call and version", func(t *testing.T) {
		r := NewInProcess()
		name := testServiceName()

		var got uint16
		h, err := r.Register(name, Handlers{
			RequestResource: func(id uint16) int32 {
				got = id
				return 0
			},
			Version: ServiceVersion,
		})
		require.NoError(t, err)
		assert.Equal(t, name, h.Name())
		assert.True(t, r.IsRegistered(name.ObjectPath))

		code, err := r.Call(name.ObjectPath, 42)
		require.NoError(t, err)
		assert.Equal(t, int32(0), code)
		assert.Equal(t, uint16(42), got)

		version, err := r.Version(name.ObjectPath)
		require.NoError(t, err)
		assert.Equal(t, uint16(1), version)
	})

	t.Run("Register rejects a taken path", func(t *testing.T) {
		r := NewInProcess()
		_, err := r.Register(testServiceName(), Handlers{})
		require.NoError(t, err)

		_, err = r.Register(testServiceName(), Handlers{})
		assert.ErrorIs(t, err, ErrNameTaken)
	})

	t.Run("Call without handler returns sentinel", func(t *testing.T) {
		r := NewInProcess()
		_, err := r.Register(testServiceName(), Handlers{})
		require.NoError(t, err)

		code, err := r.Call(testServiceName().ObjectPath, 1)
		require.NoError(t, err)
		assert.Equal(t, int32(-1), code)
	})

	t.Run("Unregister removes service and rejects repeats", func(t *testing.T) {
		r := NewInProcess()
		h, err := r.Register(testServiceName(), Handlers{})
		require.NoError(t, err)

		require.NoError(t, r.Unregister(h))
		assert.False(t, r.IsRegistered(testServiceName().ObjectPath))
		assert.ErrorIs(t, r.Unregister(h), ErrNotRegistered)

		_, err = r.Call(testServiceName().ObjectPath, 1)
		assert.ErrorIs(t, err, ErrNotRegistered)
	})

	t.Run("Unregister rejects foreign handles", func(t *testing.T) {
		a, b := NewInProcess(), NewInProcess()
		h, err := a.Register(testServiceName(), Handlers{})
		require.NoError(t, err)

		assert.ErrorIs(t, b.Unregister(h), ErrUnknownHandle)
	})

	t.Run("events reach subscribers until cancelled", func(t *testing.T) {
		r := NewInProcess()
		name := testServiceName()
		events, cancel := r.Subscribe(name.ObjectPath, 4)

		h, err := r.Register(name, Handlers{})
		require.NoError(t, err)

		resp := ResourceResponse{RequestID: 7, ResultCode: 0, Payload: "https://x"}
		require.NoError(t, h.EmitResourceResponse(resp))
		assert.Equal(t, resp, <-events)

		cancel()
		cancel()
		_, open := <-events
		assert.False(t, open)
		assert.NoError(t, h.EmitResourceResponse(resp))
	})

	t.Run("emit after unregister fails", func(t *testing.T) {
		r := NewInProcess()
		h, err := r.Register(testServiceName(), Handlers{})
		require.NoError(t, err)
		require.NoError(t, r.Unregister(h))

		err = h.EmitResourceResponse(ResourceResponse{RequestID: 1})
		assert.ErrorIs(t, err, ErrNotRegistered)
	})

	t.Run("full subscriber buffers drop events", func(t *testing.T) {
		r := NewInProcess()
		events, cancel := r.Subscribe(testServiceName().ObjectPath, 1)
		defer cancel()

		h, err := r.Register(testServiceName(), Handlers{})
		require.NoError(t, err)

		require.NoError(t, h.EmitResourceResponse(ResourceResponse{RequestID: 1}))
		require.NoError(t, h.EmitResourceResponse(ResourceResponse{RequestID: 2}))
		assert.Equal(t, uint16(1), (<-events).RequestID)
		assert.Len(t, events, 0)
	})
}
