// Package upstream talks to the asynchronous task API of the image service.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/lkarlslund/zimageproxy/pkg/identity"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultTaskType    = "text2img-z-image"
	DefaultSize        = "1024x1024"
	DefaultSteps       = 8
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second

	negativePromptDelimiter = " --no "
	maxSeed                 = 1000000
	maxResponseBytes        = 1 << 20
)

var (
	// ErrRejected is returned when the upstream refuses a task: a 4xx, an
	// unreadable reply, or HTTP 200 with success=false.
	ErrRejected = errors.New("upstream rejected task")
	// ErrUnavailable is returned once every submit attempt failed on the network or with a 5xx.
	ErrUnavailable = errors.New("upstream unavailable")
)

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

type Options struct {
	URL          string
	TaskType     string
	DefaultSize  string
	DefaultSteps int
	Timeout      time.Duration
	MaxAttempts  int
	Backoff      time.Duration
}

type Params struct {
	Size           string
	Steps          int
	Seed           *int64
	NegativePrompt string
}

// Task is an accepted upstream job. Identity must be reused for every query of it.
type Task struct {
	ID         string
	Prompt     string
	Size       string
	Steps      int
	Seed       int64
	Randomized bool
	Identity   identity.Identity
}

type Client struct {
	opts   Options
	forge  *identity.Forge
	health *Health
	http   *http.Client
	now    func() time.Time
}

func NewClient(opts Options, forge *identity.Forge, health *Health) *Client {
	if strings.TrimSpace(opts.TaskType) == "" {
		opts.TaskType = DefaultTaskType
	}
	if strings.TrimSpace(opts.DefaultSize) == "" {
		opts.DefaultSize = DefaultSize
	}
	if opts.DefaultSteps <= 0 {
		opts.DefaultSteps = DefaultSteps
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	if forge == nil {
		forge = identity.NewForge(identity.Profile{})
	}
	return &Client{
		opts:   opts,
		forge:  forge,
		health: health,
		http:   &http.Client{Timeout: opts.Timeout},
		now:    time.Now,
	}
}

type createRequest struct {
	Action   string   `json:"action"`
	TaskID   string   `json:"task_id"`
	TaskType string   `json:"task_type"`
	TaskData taskData `json:"task_data"`
	Status   int      `json:"status"`
}

type taskData struct {
	Prompt     string `json:"prompt"`
	Size       string `json:"size"`
	Seed       int64  `json:"seed"`
	Steps      int    `json:"steps"`
	Randomized bool   `json:"randomized"`
}

type queryRequest struct {
	Action  string   `json:"action"`
	TaskIDs []string `json:"task_ids"`
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    struct {
		Tasks []taskState `json:"tasks"`
	} `json:"data"`
}

type taskState struct {
	Status  looseInt        `json:"status"`
	ResData json.RawMessage `json:"res_data,omitempty"`
}

// imageURL tolerates res_data being an empty array, which is how the
// upstream encodes "no result yet".
func (t taskState) imageURL() string {
	raw := bytes.TrimSpace(t.ResData)
	if len(raw) == 0 || raw[0] != '{' {
		return ""
	}
	var rd struct {
		ImageURL string `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &rd); err != nil {
		return ""
	}
	return rd.ImageURL
}

// BuildPrompt applies the upstream's textual negative prompt convention.
func BuildPrompt(prompt, negative string) string {
	negative = strings.TrimSpace(negative)
	if negative == "" {
		return prompt
	}
	return prompt + negativePromptDelimiter + negative
}

func (c *Client) newTask(prompt string, p Params) Task {
	t := Task{
		ID:       fmt.Sprintf("task_%d_%d", c.now().UnixMilli(), mrand.IntN(maxSeed)),
		Prompt:   BuildPrompt(prompt, p.NegativePrompt),
		Size:     strings.TrimSpace(p.Size),
		Steps:    p.Steps,
		Identity: c.forge.Forge(),
	}
	if t.Size == "" {
		t.Size = c.opts.DefaultSize
	}
	if t.Steps <= 0 {
		t.Steps = c.opts.DefaultSteps
	}
	if p.Seed != nil {
		t.Seed = *p.Seed
	} else {
		t.Seed = mrand.Int64N(maxSeed)
		t.Randomized = true
	}
	return t
}

// SubmitTask forges a new identity and creates the task upstream, retrying
// network failures and 5xx replies with a linearly growing delay.
func (c *Client) SubmitTask(ctx context.Context, prompt string, p Params) (Task, error) {
	task := c.newTask(prompt, p)
	body, err := json.Marshal(createRequest{
		Action:   "create",
		TaskID:   task.ID,
		TaskType: c.opts.TaskType,
		TaskData: taskData{
			Prompt:     task.Prompt,
			Size:       task.Size,
			Seed:       task.Seed,
			Steps:      task.Steps,
			Randomized: task.Randomized,
		},
		Status: 0,
	})
	if err != nil {
		return Task{}, fmt.Errorf("encode create request: %w", err)
	}

	attempts := 0
	backoff := retry.WithMaxRetries(uint64(c.opts.MaxAttempts-1), retry.BackoffFunc(func() (time.Duration, bool) {
		return c.opts.Backoff * time.Duration(attempts), false
	}))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		start := c.now()
		err := c.create(ctx, task.Identity, body)
		c.health.Record(c.now().Sub(start), err)
		if err == nil || errors.Is(err, ErrRejected) {
			return err
		}
		slog.Warn("upstream create failed", "task_id", task.ID, "attempt", attempts, "error", err)
		return retry.RetryableError(err)
	})
	switch {
	case err == nil:
		slog.Debug("upstream task created", "task_id", task.ID, "size", task.Size, "steps", task.Steps, "randomized", task.Randomized)
		return task, nil
	case errors.Is(err, ErrRejected):
		return Task{}, err
	case ctx.Err() != nil:
		return Task{}, fmt.Errorf("submit task: %w", ctx.Err())
	default:
		return Task{}, fmt.Errorf("%w after %d attempt(s): %w", ErrUnavailable, attempts, err)
	}
}

func (c *Client) create(ctx context.Context, id identity.Identity, body []byte) error {
	env, err := c.post(ctx, id, body)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError {
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
		var decErr *decodeError
		if errors.As(err, &decErr) {
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return err
	}
	if !env.Success {
		msg := strings.TrimSpace(env.Message)
		if msg == "" {
			msg = "no reason given"
		}
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return nil
}

// QueryTask reports the task state. Every failure is folded into a transient
// outcome so the caller simply asks again on its next tick.
func (c *Client) QueryTask(ctx context.Context, taskID string, id identity.Identity) Outcome {
	body, err := json.Marshal(queryRequest{Action: "query", TaskIDs: []string{taskID}})
	if err != nil {
		return Outcome{State: StateTransient, Detail: err.Error()}
	}
	start := c.now()
	env, err := c.post(ctx, id, body)
	c.health.Record(c.now().Sub(start), err)
	if err != nil {
		slog.Debug("upstream query failed", "task_id", taskID, "error", err)
		return Outcome{State: StateTransient, Detail: err.Error()}
	}
	if !env.Success || len(env.Data.Tasks) == 0 {
		return Outcome{State: StateTransient, Detail: "task not visible to session"}
	}
	return outcomeFromTask(env.Data.Tasks[0])
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "decode upstream response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func (c *Client) post(ctx context.Context, id identity.Identity, body []byte) (envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return envelope{}, err
	}
	id.Apply(req.Header)
	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return envelope{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(b))
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return envelope{}, &HTTPError{StatusCode: resp.StatusCode, Body: snippet}
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return envelope{}, &decodeError{err: err}
	}
	return env, nil
}

func IsBlocked(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if httpErr.StatusCode != http.StatusForbidden && httpErr.StatusCode != http.StatusTooManyRequests && httpErr.StatusCode != http.StatusServiceUnavailable {
		return false
	}
	msg := strings.ToLower(httpErr.Body)
	return strings.Contains(msg, "just a moment") ||
		strings.Contains(msg, "__cf_chl") ||
		strings.Contains(msg, "challenge-platform") ||
		strings.Contains(msg, "cloudflare")
}
