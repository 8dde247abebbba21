package api

import (
	"context"
	"net/http"

	"github.com/cardano-escrow/orchestrator/internal/dispatcher"
	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/reconciler"
)

// MonitoringHandlers serves /api/v1/monitoring* -- operator visibility
// into, and manual control of, the Reconciler and Dispatcher loops.
type MonitoringHandlers struct {
	recon      *reconciler.Reconciler
	dispatch   *dispatcher.Dispatcher
	runCtx     context.Context
}

func NewMonitoringHandlers(runCtx context.Context, recon *reconciler.Reconciler, dispatch *dispatcher.Dispatcher) *MonitoringHandlers {
	return &MonitoringHandlers{runCtx: runCtx, recon: recon, dispatch: dispatch}
}

type monitoringStatus struct {
	ReconcilerRunning bool                  `json:"reconcilerRunning"`
	ReconcilerStats   reconciler.Stats       `json:"reconcilerStats"`
	DispatcherRunning bool                  `json:"dispatcherRunning"`
}

// HandleStatus serves GET /monitoring.
func (h *MonitoringHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, monitoringStatus{
		ReconcilerRunning: h.recon.IsRunning(),
		ReconcilerStats:   h.recon.Stats(),
		DispatcherRunning: h.dispatch.IsRunning(),
	})
}

// HandleTriggerCycle serves POST /monitoring/trigger-cycle: runs one
// Reconciler batch synchronously, independent of its normal poll loop.
func (h *MonitoringHandlers) HandleTriggerCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	if err := h.recon.RunOnce(r.Context()); err != nil {
		writeError(w, ierr.Internalf("trigger-cycle: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, h.recon.Stats())
}

// HandleStart serves POST /monitoring/start: starts both long-lived loops.
func (h *MonitoringHandlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	h.recon.Start(h.runCtx)
	h.dispatch.Start(h.runCtx)
	writeJSON(w, http.StatusOK, nil)
}

// HandleStop serves POST /monitoring/stop: drains and stops both loops.
func (h *MonitoringHandlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ierr.New(ierr.Unsupported, "method not allowed"))
		return
	}
	h.recon.Stop()
	h.dispatch.Stop()
	writeJSON(w, http.StatusOK, nil)
}
