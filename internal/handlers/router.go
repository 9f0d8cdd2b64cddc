package handlers

import (
	"net/http"
	"time"

	"github.com/Rorqualx/chatfilter-go/internal/types"
)

// commands maps every API command to its handler.
var commands = map[string]func(h *Handler, w http.ResponseWriter, r *http.Request, req *types.Request, startTime time.Time){
	types.CmdWatchCreate: func(h *Handler, w http.ResponseWriter, r *http.Request, req *types.Request, startTime time.Time) {
		h.handleWatchCreate(w, r.Context(), req, startTime)
	},
	types.CmdWatchList: func(h *Handler, w http.ResponseWriter, _ *http.Request, req *types.Request, startTime time.Time) {
		h.handleWatchList(w, req, startTime)
	},
	types.CmdWatchDestroy: func(h *Handler, w http.ResponseWriter, _ *http.Request, req *types.Request, startTime time.Time) {
		h.handleWatchDestroy(w, req, startTime)
	},
	types.CmdRulesGet: func(h *Handler, w http.ResponseWriter, _ *http.Request, req *types.Request, startTime time.Time) {
		h.handleRulesGet(w, req, startTime)
	},
	types.CmdStatsGet: func(h *Handler, w http.ResponseWriter, _ *http.Request, req *types.Request, startTime time.Time) {
		h.handleStatsGet(w, req, startTime)
	},
}

// commandLabel bounds the metrics label to known commands.
func commandLabel(cmd string) string {
	if _, ok := commands[cmd]; ok {
		return cmd
	}
	return "unknown"
}

// routeCommand dispatches a validated request to its command handler.
func (h *Handler) routeCommand(w http.ResponseWriter, r *http.Request, req *types.Request, startTime time.Time) {
	handle, ok := commands[req.Cmd]
	if !ok {
		h.writeCommandError(w, commandLabel(req.Cmd), "Unknown command", http.StatusBadRequest, startTime)
		return
	}
	handle(h, w, r, req, startTime)
}
