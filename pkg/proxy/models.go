package proxy

import (
	"net/http"

	"github.com/lkarlslund/zimageproxy/pkg/upstream"
	"github.com/lkarlslund/zimageproxy/pkg/version"
)

type ModelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}

type HealthResponse struct {
	Status    string                   `json:"status"`
	Version   string                   `json:"version"`
	Timestamp int64                    `json:"timestamp"`
	Upstream  *upstream.HealthSnapshot `json:"upstream,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	created := s.now().Unix()
	cards := make([]ModelCard, 0, len(s.cfg.Models))
	for _, id := range s.cfg.Models {
		cards = append(cards, ModelCard{ID: id, Object: "model", Created: created, OwnedBy: s.cfg.OwnedBy})
	}
	writeJSON(w, http.StatusOK, ModelList{Object: "list", Data: cards})
}

// handleHealth reports the gateway as healthy whenever it can answer; the
// upstream block only reflects the last observed call.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Version:   version.String(),
		Timestamp: s.now().Unix(),
	}
	if snap := s.health.Snapshot(); snap.Status != upstream.HealthUnknown {
		resp.Upstream = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}
