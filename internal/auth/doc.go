// Package auth verifies bearer tokens and enforces scopes on the bridge API.
//
// Tokens are JWTs signed with HS256 (shared secret) or RS256 (PEM public
// key). Claims carry a subject, roles and scopes:
//   - read: history, variables, robot status and event streams
//   - control: submit, undo and dashboard passthrough
//   - telemetry: event streams only
package auth
