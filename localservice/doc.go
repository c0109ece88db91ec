// Package localservice abstracts how the bridge exposes its call/event surface
// to processes on the same machine.
//
// A Registrar registers a service object under a well-known name and returns
// a Handle used to emit ResourceResponse events. Unregistering a handle tears
// the object down again. Implementations:
//   - InProcess: Go-level calls and channels, for embedding and tests
//   - dbus.Registrar (subpackage dbus): the session or system D-Bus
package localservice
