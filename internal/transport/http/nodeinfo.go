package httptransport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fedgate/pkg/httputil"
)

const nodeinfoRel = "http://nodeinfo.diaspora.software/ns/schema/2.0"

// NodeinfoHandler serves the server metadata documents peers use to identify
// this instance's software and scale.
type NodeinfoHandler struct {
	domain          string
	softwareName    string
	softwareVersion string
	actors          ActorSource
}

func NewNodeinfo(domain, softwareName, softwareVersion string, actors ActorSource) *NodeinfoHandler {
	return &NodeinfoHandler{
		domain:          domain,
		softwareName:    softwareName,
		softwareVersion: softwareVersion,
		actors:          actors,
	}
}

// Register mounts the discovery document and the schema endpoint.
func (h *NodeinfoHandler) Register(r chi.Router) {
	r.Get("/.well-known/nodeinfo", h.HandleDiscovery)
	r.Get("/nodeinfo/2.0", h.HandleNodeinfo)
}

// HandleDiscovery handles GET /.well-known/nodeinfo.
func (h *NodeinfoHandler) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"links": []map[string]string{
			{
				"rel":  nodeinfoRel,
				"href": fmt.Sprintf("https://%s/nodeinfo/2.0", h.domain),
			},
		},
	})
}

// HandleNodeinfo handles GET /nodeinfo/2.0.
func (h *NodeinfoHandler) HandleNodeinfo(w http.ResponseWriter, r *http.Request) {
	users := 0
	if n, err := h.actors.CountLocal(r.Context()); err == nil {
		users = n
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"version": "2.0",
		"software": map[string]string{
			"name":    h.softwareName,
			"version": h.softwareVersion,
		},
		"protocols": []string{"activitypub"},
		"services":  map[string]any{"inbound": []string{}, "outbound": []string{}},
		"usage": map[string]any{
			"users": map[string]int{"total": users},
		},
		"openRegistrations": false,
		"metadata":          map[string]any{},
	})
}
