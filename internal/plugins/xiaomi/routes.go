package xiaomi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"signin-bots/internal/plugin"
)

const report_route = "route"

type addRequest struct {
	Name  string `json:"name"`
	Proto string `json:"proto"`
	Sport int    `json:"sport"`
	IP    string `json:"ip"`
	Dport int    `json:"dport"`
}

type deleteRequest struct {
	Port int `json:"port"`
	// Proto is looked up from the current list when empty.
	Proto string `json:"proto"`
}

func (p *Plugin) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(value)
	if err != nil {
		p.tel.ReportWarning(report_route, err)
	}
}

func (p *Plugin) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, plugin.ErrBadCommand):
		status = http.StatusBadRequest
	case errors.Is(err, plugin.ErrMissingCredential):
		status = http.StatusConflict
	}
	p.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Routes exposes the port forward list and changes over http.
func (p *Plugin) Routes() []plugin.Route {
	return []plugin.Route{
		{
			Method:  http.MethodGet,
			Path:    "/pf/list",
			Summary: "list port forwards",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				var forwards []PortForward
				err := p.locked(r.Context(), func() (err error) {
					forwards, err = p.client.PortForwards(r.Context())
					return err
				})
				if err != nil {
					p.writeError(w, err)
					return
				}
				if forwards == nil {
					forwards = []PortForward{}
				}
				p.writeJSON(w, http.StatusOK, forwards)
			},
		},
		{
			Method:  http.MethodPost,
			Path:    "/pf/add",
			Summary: "add a port forward",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				var req addRequest
				err := json.NewDecoder(r.Body).Decode(&req)
				if err != nil {
					p.writeError(w, fmt.Errorf("%w: decode request: %s", plugin.ErrBadCommand, err))
					return
				}
				rule := Rule{Name: req.Name, Proto: req.Proto, SrcPort: req.Sport, IP: req.IP, DestPort: req.Dport}.PortForward()
				if !rule.Valid() {
					p.writeError(w, badCommand("name, sport, ip and dport are required"))
					return
				}
				err = p.locked(r.Context(), func() error {
					return p.client.AddPortForward(r.Context(), rule)
				})
				if err != nil {
					p.writeError(w, err)
					return
				}
				p.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			},
		},
		{
			Method:  http.MethodPost,
			Path:    "/pf/del",
			Summary: "delete a port forward",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				var req deleteRequest
				err := json.NewDecoder(r.Body).Decode(&req)
				if err != nil {
					p.writeError(w, fmt.Errorf("%w: decode request: %s", plugin.ErrBadCommand, err))
					return
				}
				if req.Port <= 0 {
					p.writeError(w, badCommand("port is required"))
					return
				}
				err = p.locked(r.Context(), func() error {
					if req.Proto != "" {
						return p.client.DeletePortForward(r.Context(), req.Port, ParseProto(req.Proto))
					}
					_, err := p.deletePort(r.Context(), req.Port)
					return err
				})
				if err != nil {
					p.writeError(w, err)
					return
				}
				p.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			},
		},
	}
}
