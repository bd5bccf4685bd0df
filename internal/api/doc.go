// Package api implements the client-facing gateway of the bridge.
//
// Clients submit commands, undo requests and instrumented scripts over
// HTTP/JSON or a WebSocket, and follow acknowledgements, state reports and
// telemetry through Server-Sent Events or the same WebSocket. Every HTTP
// response uses the envelope in response.go.
package api
