package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/lkarlslund/zimageproxy/pkg/config"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

func userMessage(content string) map[string]any {
	return map[string]any{
		"messages": []map[string]any{
			{"role": "system", "content": "ignored"},
			{"role": "user", "content": content},
		},
	}
}

// readSSE returns the payload of every data: line in order.
func readSSE(t *testing.T, r io.Reader) []string {
	t.Helper()
	var events []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		require.True(t, strings.HasPrefix(line, "data: "), "unexpected line %q", line)
		events = append(events, strings.TrimPrefix(line, "data: "))
	}
	require.NoError(t, sc.Err())
	return events
}

func decodeChunk(t *testing.T, raw string) chatChunk {
	t.Helper()
	var c chatChunk
	require.NoError(t, json.Unmarshal([]byte(raw), &c), raw)
	require.Equal(t, "chat.completion.chunk", c.Object)
	require.Len(t, c.Choices, 1)
	return c
}

func postStream(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(string(raw)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestChatStreamChunkSequence(t *testing.T) {
	fake := &fakeImageService{script: []string{
		queuedTask(0),
		queuedTask(1),
		queuedTask(1),
		finishedTask("https://cdn/x.png"),
	}}
	_, srv := newTestGateway(t, fake, nil)

	resp := postStream(t, srv.URL+"/v1/chat/completions", userMessage("a red fox"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	events := readSSE(t, resp.Body)
	// notice, heartbeats after iterations 0 and 2, image, stop, [DONE]
	require.Len(t, events, 6, strings.Join(events, "\n"))

	first := decodeChunk(t, events[0])
	require.True(t, strings.HasPrefix(first.ID, "chatcmpl-"))
	require.Equal(t, "z-image-turbo", first.Model)
	require.Equal(t, openai.ChatMessageRoleAssistant, first.Choices[0].Delta.Role)
	require.Contains(t, first.Choices[0].Delta.Content, "a red fox")
	require.Nil(t, first.Choices[0].FinishReason)

	for _, raw := range events[1:3] {
		hb := decodeChunk(t, raw)
		require.Equal(t, heartbeat, hb.Choices[0].Delta.Content)
		require.Equal(t, first.ID, hb.ID)
	}

	img := decodeChunk(t, events[3])
	require.Equal(t, "\n\n![Generated Image](https://cdn/x.png)", img.Choices[0].Delta.Content)

	stop := decodeChunk(t, events[4])
	require.Equal(t, chunkDelta{}, stop.Choices[0].Delta)
	require.NotNil(t, stop.Choices[0].FinishReason)
	require.Equal(t, "stop", *stop.Choices[0].FinishReason)
	require.Contains(t, events[4], `"delta":{}`)

	require.Equal(t, "[DONE]", events[5])
}

func TestChatStreamIsDefaultAndReadableByOpenAIClient(t *testing.T) {
	fake := &fakeImageService{script: []string{queuedTask(1), finishedTask("https://cdn/s.png")}}
	_, srv := newTestGateway(t, fake, nil)

	cfg := openai.DefaultConfig(testKey)
	cfg.BaseURL = srv.URL + "/v1"
	client := openai.NewClientWithConfig(cfg)

	stream, err := client.CreateChatCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    "dall-e-3",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "a boat"}},
		Stream:   true,
	})
	require.NoError(t, err)
	defer stream.Close()

	var content strings.Builder
	var finish openai.FinishReason
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.Equal(t, "dall-e-3", chunk.Model)
		content.WriteString(chunk.Choices[0].Delta.Content)
		if chunk.Choices[0].FinishReason != "" {
			finish = chunk.Choices[0].FinishReason
		}
	}
	require.Contains(t, content.String(), "![Generated Image](https://cdn/s.png)")
	require.Equal(t, openai.FinishReasonStop, finish)
}

func TestChatStreamFailureIsInBand(t *testing.T) {
	fake := &fakeImageService{script: []string{queuedTask(0), queuedTask(-1)}}
	_, srv := newTestGateway(t, fake, nil)

	resp := postStream(t, srv.URL+"/v1/chat/completions", userMessage("a red fox"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, resp.Body)
	require.GreaterOrEqual(t, len(events), 3)
	require.Equal(t, "[DONE]", events[len(events)-1])

	failure := decodeChunk(t, events[len(events)-2])
	require.Equal(t, "\n\n❌ **Error**: generation failed", failure.Choices[0].Delta.Content)
	require.NotNil(t, failure.Choices[0].FinishReason)
	require.Equal(t, "stop", *failure.Choices[0].FinishReason)
}

func TestChatStreamTimeoutIsInBand(t *testing.T) {
	_, srv := newTestGateway(t, &fakeImageService{}, func(c *config.ServerConfig) {
		c.Polling.TimeoutMS = 80
	})

	resp := postStream(t, srv.URL+"/v1/chat/completions", userMessage("slow"))
	events := readSSE(t, resp.Body)
	require.Equal(t, "[DONE]", events[len(events)-1])
	failure := decodeChunk(t, events[len(events)-2])
	require.Contains(t, failure.Choices[0].Delta.Content, "timed out")
}

func TestChatNonStreamingCompletion(t *testing.T) {
	fake := &fakeImageService{script: []string{queuedTask(1), finishedTask(`https:\/\/cdn\/x.png`)}}
	_, srv := newTestGateway(t, fake, nil)

	body := userMessage("a red fox")
	body["stream"] = false
	body["model"] = "z-image-turbo"
	resp, out := doJSON(t, http.MethodPost, srv.URL+"/v1/chat/completions", testKey, body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(out))

	var completion chatCompletion
	require.NoError(t, json.Unmarshal(out, &completion))
	require.Equal(t, "chat.completion", completion.Object)
	require.Equal(t, "z-image-turbo", completion.Model)
	require.Len(t, completion.Choices, 1)
	require.Equal(t, "assistant", completion.Choices[0].Message.Role)
	require.Equal(t, "![Generated Image](https://cdn/x.png)\n\n**Prompt:** a red fox", completion.Choices[0].Message.Content)
	require.Equal(t, "stop", completion.Choices[0].FinishReason)

	data := fake.Creates()[0]["task_data"].(map[string]any)
	require.Equal(t, "1024x1024", data["size"])
}

func TestChatUsesTextPartsOfLastMessage(t *testing.T) {
	fake := &fakeImageService{script: []string{finishedTask("https://cdn/x.png")}}
	_, srv := newTestGateway(t, fake, nil)

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/v1/chat/completions", testKey, `{
		"stream": false,
		"messages": [{"role":"user","content":[
			{"type":"text","text":"a castle"},
			{"type":"image_url","image_url":{"url":"https://ref/img.png"}},
			{"type":"text","text":"at dusk"}
		]}]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(out))
	data := fake.Creates()[0]["task_data"].(map[string]any)
	require.Equal(t, "a castle\nat dusk", data["prompt"])
}

func TestChatRejectsMissingPrompt(t *testing.T) {
	fake := &fakeImageService{}
	_, srv := newTestGateway(t, fake, nil)

	for _, body := range []string{
		`{"messages":[]}`,
		`{"model":"z-image-turbo"}`,
		`{"messages":[{"role":"user","content":"   "}]}`,
	} {
		resp, out := doJSON(t, http.MethodPost, srv.URL+"/v1/chat/completions", testKey, body)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		requireErrorCode(t, out, codeInvalidRequest)
	}
	require.Empty(t, fake.Creates())
}

func TestChatSubmitFailureIsJSONError(t *testing.T) {
	fake := &fakeImageService{createBody: `{"success":false,"message":"quota exhausted"}`}
	_, srv := newTestGateway(t, fake, nil)

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/v1/chat/completions", testKey, userMessage("x"))
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	msg := requireErrorCode(t, out, codeUpstreamRejected)
	require.Contains(t, msg, "quota exhausted")
}

func TestChatStreamClientDisconnectStopsPolling(t *testing.T) {
	fake := &fakeImageService{}
	_, srv := newTestGateway(t, fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	raw, err := json.Marshal(userMessage("forever"))
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(string(raw)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))
	require.Eventually(t, func() bool { return fake.Queries() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	_ = resp.Body.Close()

	var settled int
	require.Eventually(t, func() bool {
		before := fake.Queries()
		time.Sleep(50 * time.Millisecond)
		settled = fake.Queries()
		return settled == before
	}, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, settled, fake.Queries())
}
