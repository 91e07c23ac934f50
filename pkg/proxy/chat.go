package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/lkarlslund/zimageproxy/pkg/poll"
	"github.com/lkarlslund/zimageproxy/pkg/upstream"
	openai "github.com/sashabaranov/go-openai"
)

const (
	chatImageSize = "1024x1024"
	heartbeat     = "·"
	sseDone       = "data: [DONE]\n\n"
)

// chatRequest keeps Stream as a pointer: an absent flag means streaming.
type chatRequest struct {
	Model    string                         `json:"model"`
	Messages []openai.ChatCompletionMessage `json:"messages"`
	Stream   *bool                          `json:"stream,omitempty"`
}

func (req chatRequest) prompt() (string, error) {
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("%w: no messages provided", errInvalidRequest)
	}
	last := req.Messages[len(req.Messages)-1]
	text := strings.TrimSpace(last.Content)
	if text == "" {
		parts := make([]string, 0, len(last.MultiContent))
		for _, p := range last.MultiContent {
			if p.Type == openai.ChatMessagePartTypeText && strings.TrimSpace(p.Text) != "" {
				parts = append(parts, strings.TrimSpace(p.Text))
			}
		}
		text = strings.Join(parts, "\n")
	}
	if text == "" {
		return "", fmt.Errorf("%w: last message has no text content", errInvalidRequest)
	}
	return text, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

func imageMarkdown(url string) string {
	return "![Generated Image](" + url + ")"
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	prompt, err := req.prompt()
	if err != nil {
		writeErr(w, err)
		return
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.cfg.DefaultModel
	}
	stream := req.Stream == nil || *req.Stream
	mode := modeChat
	if stream {
		mode = modeChatStream
	}
	finish := s.metrics.track(mode)

	task, err := s.upstream.SubmitTask(r.Context(), prompt, upstream.Params{Size: chatImageSize})
	if err != nil {
		finish(err)
		slog.Warn("chat submit failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeErr(w, err)
		return
	}
	c := chatStream{
		id:      "chatcmpl-" + uuid.NewString(),
		created: s.now().Unix(),
		model:   model,
		prompt:  prompt,
		task:    task,
	}
	if !stream {
		s.completeChat(w, r, c, finish)
		return
	}
	s.streamChat(w, r, c, finish)
}

func (s *Server) completeChat(w http.ResponseWriter, r *http.Request, c chatStream, finish func(error)) {
	url, err := s.poller.Wait(r.Context(), c.task.ID, c.task.Identity, poll.Options{
		Timeout:  s.cfg.PollTimeout(),
		Interval: s.cfg.PollInterval(),
	})
	finish(err)
	if err != nil {
		slog.Warn("chat generation failed", "request_id", middleware.GetReqID(r.Context()), "task_id", c.task.ID, "error", err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatCompletion{
		ID:      c.id,
		Object:  "chat.completion",
		Created: c.created,
		Model:   c.model,
		Choices: []chatChoice{{
			Index: 0,
			Message: chatMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: imageMarkdown(url) + "\n\n**Prompt:** " + c.prompt,
			},
			FinishReason: string(openai.FinishReasonStop),
		}},
	})
}

// streamChat commits the SSE response, then relays what the producer
// goroutine writes into the pipe until it closes its end.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, c chatStream, finish func(error)) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	reqID := middleware.GetReqID(r.Context())
	pr, pw := io.Pipe()
	go func() {
		err := s.produceChatStream(ctx, pw, c)
		finish(err)
		if err != nil {
			slog.Warn("chat stream ended with error", "request_id", reqID, "task_id", c.task.ID, "error", err)
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := pr.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				cancel()
				_ = pr.CloseWithError(writeErr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				slog.Debug("chat stream relay stopped", "error", readErr)
			}
			return
		}
	}
}

type chatStream struct {
	id      string
	created int64
	model   string
	prompt  string
	task    upstream.Task
}

func (c chatStream) chunk(delta chunkDelta, finishReason string) []byte {
	choice := chunkChoice{Index: 0, Delta: delta}
	if finishReason != "" {
		choice.FinishReason = &finishReason
	}
	b, _ := json.Marshal(chatChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []chunkChoice{choice},
	})
	return []byte("data: " + string(b) + "\n\n")
}

// produceChatStream owns the write half of the pipe and always closes it. It
// returns the generation error, if any, for metrics and logging.
func (s *Server) produceChatStream(ctx context.Context, pw *io.PipeWriter, c chatStream) (err error) {
	defer pw.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	send := func(delta chunkDelta, finishReason string) error {
		if _, werr := pw.Write(c.chunk(delta, finishReason)); werr != nil {
			cancel()
			return werr
		}
		return nil
	}

	notice := "🎨 Generating image with Z-Image...\n\n> " + c.prompt + "\n\n"
	if err := send(chunkDelta{Role: openai.ChatMessageRoleAssistant, Content: notice}, ""); err != nil {
		return err
	}

	url, err := s.poller.Wait(ctx, c.task.ID, c.task.Identity, poll.Options{
		Timeout:  s.cfg.PollTimeout(),
		Interval: s.cfg.StreamPollInterval(),
		OnProgress: func(iteration int, _ upstream.Outcome) {
			if iteration%2 == 0 {
				_ = send(chunkDelta{Content: heartbeat}, "")
			}
		},
	})
	if err != nil {
		_ = send(chunkDelta{Content: "\n\n❌ **Error**: " + err.Error()}, string(openai.FinishReasonStop))
		_, _ = io.WriteString(pw, sseDone)
		return err
	}
	if err := send(chunkDelta{Content: "\n\n" + imageMarkdown(url)}, ""); err != nil {
		return err
	}
	if err := send(chunkDelta{}, string(openai.FinishReasonStop)); err != nil {
		return err
	}
	_, err = io.WriteString(pw, sseDone)
	return err
}
