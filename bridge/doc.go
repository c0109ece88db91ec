// Package bridge correlates local resource URL requests with responses on a
// publish/subscribe transport.
//
// A ResourceBridge owns one resource kind. It subscribes to the response
// topic, exposes RequestResource/ResourceResponse/Version through a
// localservice.Registrar, publishes {"requestId": n} for every local call and
// forwards decoded responses to local consumers as events.
//
// The call path and the event path are decoupled: RequestResource only reports
// whether the broker acknowledged the publish; the URL (or remote error)
// arrives later through ResourceResponse.
//
// Basic usage:
//
//	b, err := bridge.NewResourceBridge(transport, registrar,
//	    bridge.NewTopics("thing-1", "p", "hdf5"), serviceName,
//	    bridge.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	_ = b.Start(ctx) // never fails; problems are logged and retried lazily
//	defer b.Stop(ctx)
package bridge
