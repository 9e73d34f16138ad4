package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"signin-bots/internal/plugin"
)

const report_api_write = "api.write"

func (h *Host) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(value)
	if err != nil {
		h.tel.ReportWarning(report_api_write, err)
	}
}

func (h *Host) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrUnsupported), errors.Is(err, plugin.ErrBadCommand):
		status = http.StatusBadRequest
	case errors.Is(err, ErrDisabled):
		status = http.StatusConflict
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

type commandRequest struct {
	Args []string `json:"args"`
}

type commandResponse struct {
	Output string `json:"output"`
}

// Handler returns the JSON api, plugin routes are collected when it is called.
func (h *Host) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /plugins", func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusOK, h.Plugins())
	})

	mux.HandleFunc("GET /plugins/{id}/page", func(w http.ResponseWriter, r *http.Request) {
		page, err := h.Page(r.Context(), r.PathValue("id"))
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, page)
	})

	mux.HandleFunc("GET /plugins/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
				return
			}
			limit = parsed
		}
		runs, err := h.Runs(r.Context(), r.PathValue("id"), limit)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, runs)
	})

	mux.HandleFunc("POST /plugins/{id}/run", func(w http.ResponseWriter, r *http.Request) {
		err := h.Trigger(r.Context(), r.PathValue("id"), plugin.TriggerManual)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /plugins/{id}/command", func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("decode request: %s", err)})
			return
		}
		out, err := h.Command(r.Context(), r.PathValue("id"), req.Args)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, commandResponse{Output: out})
	})

	h.mutex.Lock()
	for _, id := range h.order {
		provider, ok := h.plugins[id].plugin.(plugin.RouteProvider)
		if !ok {
			continue
		}
		for _, route := range provider.Routes() {
			pattern := fmt.Sprintf("%s /plugins/%s/%s", route.Method, id, strings.TrimPrefix(route.Path, "/"))
			mux.HandleFunc(pattern, route.Handler)
		}
	}
	h.mutex.Unlock()

	return mux
}
