package handler

import (
	"net/http"

	"taskpool/internal"
)

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data := map[string]interface{}{
		"pool":                h.Pool.Stats(),
		"hardwareConcurrency": h.Pool.HardwareConcurrency(),
	}
	if err := h.Pool.LastError(); err != nil {
		data["lastError"] = err.Error()
	}
	if usage, err := internal.ProcessUsage(); err == nil {
		data["process"] = usage
	}
	if h.Scheduler != nil {
		data["daemons"] = h.Scheduler.Daemons()
		data["crontabs"] = h.Scheduler.Crontabs()
	}
	toSuccess(w, data)
}
