// Package audit writes an append-only JSONL record of every operator
// action: command submissions, undos, recoveries and dashboard commands.
// Each line names the caller, the command, the outcome and its latency.
package audit
