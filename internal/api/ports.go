package api

import (
	"context"
	"net/http"

	"github.com/robot-control/rbc/internal/command"
	"github.com/robot-control/rbc/internal/notify"
)

// OrchestratorPort defines the interface the API needs from the orchestrator.
type OrchestratorPort = command.OrchestratorPort

// EventsPort defines the interface the API needs from the notification hub.
type EventsPort interface {
	Subscribe(ctx context.Context, lastEventID int64) (*notify.Subscriber, []notify.Event)
	Unsubscribe(id string)
	ServeSSE(w http.ResponseWriter, r *http.Request)
}

// Compile-time assertions for port conformance
var _ OrchestratorPort = (*command.Orchestrator)(nil)
var _ EventsPort = (*notify.Hub)(nil)
