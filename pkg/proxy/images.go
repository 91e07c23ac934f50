package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/zimageproxy/pkg/identity"
	"github.com/lkarlslund/zimageproxy/pkg/poll"
	"github.com/lkarlslund/zimageproxy/pkg/upstream"
)

var sizePattern = regexp.MustCompile(`^[1-9][0-9]{1,4}x[1-9][0-9]{1,4}$`)

// flexInt decodes a JSON number or a numeric string. Browser forms send both.
type flexInt int64

var _ json.Unmarshaler = (*flexInt)(nil)

func (n *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := strings.TrimSpace(strings.Trim(string(b), `"`))
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("not an integer: %s", b)
		}
		v = int64(f)
	}
	*n = flexInt(v)
	return nil
}

type imageRequest struct {
	Prompt         string   `json:"prompt"`
	Model          string   `json:"model,omitempty"`
	N              int      `json:"n,omitempty"`
	Size           string   `json:"size,omitempty"`
	Steps          *flexInt `json:"steps,omitempty"`
	NSteps         *flexInt `json:"n_steps,omitempty"`
	Seed           *flexInt `json:"seed,omitempty"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	ClientPoll     bool     `json:"client_poll,omitempty"`
}

// params validates the request. A zero seed means "pick one", matching what
// the browser panel sends when the seed box is left at 0.
func (req imageRequest) params() (upstream.Params, error) {
	var p upstream.Params
	if strings.TrimSpace(req.Prompt) == "" {
		return p, fmt.Errorf("%w: prompt is required", errInvalidRequest)
	}
	p.Size = strings.ToLower(strings.TrimSpace(req.Size))
	if p.Size != "" && !sizePattern.MatchString(p.Size) {
		return p, fmt.Errorf("%w: size %q must look like 1024x1024", errInvalidRequest, req.Size)
	}
	steps := req.Steps
	if steps == nil || *steps == 0 {
		steps = req.NSteps
	}
	if steps != nil {
		if *steps < 0 || *steps > 100 {
			return p, fmt.Errorf("%w: steps must be between 0 and 100, 0 uses the default", errInvalidRequest)
		}
		p.Steps = int(*steps)
	}
	if req.Seed != nil && *req.Seed != 0 {
		if *req.Seed < 0 {
			return p, fmt.Errorf("%w: seed must not be negative", errInvalidRequest)
		}
		seed := int64(*req.Seed)
		p.Seed = &seed
	}
	p.NegativePrompt = strings.TrimSpace(req.NegativePrompt)
	return p, nil
}

type imageSubmitted struct {
	Status      string `json:"status"`
	TaskID      string `json:"task_id"`
	AuthContext string `json:"auth_context"`
}

type imageData struct {
	URL           string `json:"url"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type imageResponse struct {
	Created int64       `json:"created"`
	Data    []imageData `json:"data"`
}

func (s *Server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	params, err := req.params()
	if err != nil {
		writeErr(w, err)
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	mode := modeImages
	if req.ClientPoll {
		mode = modeImagesPoll
	}
	finish := s.metrics.track(mode)

	task, err := s.upstream.SubmitTask(r.Context(), prompt, params)
	if err != nil {
		finish(err)
		slog.Warn("image submit failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeErr(w, err)
		return
	}
	slog.Debug("image task submitted", "request_id", middleware.GetReqID(r.Context()), "task_id", task.ID, "client_poll", req.ClientPoll)

	if req.ClientPoll {
		finish(nil)
		writeJSON(w, http.StatusOK, imageSubmitted{
			Status:      "submitted",
			TaskID:      task.ID,
			AuthContext: identity.Encode(task.Identity),
		})
		return
	}

	url, err := s.poller.Wait(r.Context(), task.ID, task.Identity, poll.Options{
		Timeout:  s.cfg.PollTimeout(),
		Interval: s.cfg.PollInterval(),
	})
	finish(err)
	if err != nil {
		slog.Warn("image generation failed", "request_id", middleware.GetReqID(r.Context()), "task_id", task.ID, "error", err)
		writeErr(w, err)
		return
	}
	data := imageData{URL: url}
	if task.Prompt != prompt {
		data.RevisedPrompt = task.Prompt
	}
	writeJSON(w, http.StatusOK, imageResponse{Created: s.now().Unix(), Data: []imageData{data}})
}
