// Package contracts defines the wire contracts of the presigned URL bridge.
//
// Two message shapes cross the transport:
//   - URLRequest: published by the bridge, {"requestId": <n>}
//   - URLResponse: received on the "/accepted" topic, carrying either a
//     presigned URL or an error object
//
// The package also defines the numeric result codes returned to local callers
// and the error kinds used when logging transport and protocol failures.
package contracts
