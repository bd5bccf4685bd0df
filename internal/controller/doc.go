// Package controller holds what the robot-facing channels share: the
// normalized error taxonomy, interpreter response parsing and a dialer
// that keeps retrying until the controller accepts the connection.
//
// The controller exposes three TCP endpoints used by this module:
//   - dashboard (29999): one line in, one line out
//   - secondary (30002): fire-and-forget URScript, used to enter interpreter mode
//   - interpreter (30020): "<code>: <message>" replies, no framing
package controller
