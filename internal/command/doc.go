// Package command implements the orchestrator that sits between web
// clients and the robot.
//
// The orchestrator records each submitted command in the history, sends it
// through the recovery machine, tells the robot to report when it has
// finished, and publishes acknowledgements, state reports and undo results
// to the notification hub. It also runs the periodic variable read loop and
// writes the audit trail and command journal.
package command
