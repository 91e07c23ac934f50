package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/lkarlslund/zimageproxy/pkg/config"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
)

var (
	imagineConfigPath string
	imagineServerURL  string
	imagineAPIKey     string
	imagineSize       string
	imagineModel      string
	imagineChat       bool
)

func init() {
	imagineCmd := &cobra.Command{
		Use:   "imagine <prompt>",
		Short: "Generate an image through a running gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateClientConfig(imagineConfigPath)
			if err != nil {
				return fmt.Errorf("load client config: %w", err)
			}
			if cmd.Flags().Changed("server-url") {
				cfg.ServerURL = imagineServerURL
			}
			if cmd.Flags().Changed("api-key") {
				cfg.APIKey = imagineAPIKey
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			client := newGatewayClient(cfg)
			prompt := strings.Join(args, " ")
			if imagineChat {
				return imagineViaChat(ctx, cmd.OutOrStdout(), client, prompt)
			}
			resp, err := client.CreateImage(ctx, openai.ImageRequest{
				Prompt: prompt,
				Model:  imagineModel,
				Size:   imagineSize,
				N:      1,
			})
			if err != nil {
				return fmt.Errorf("generate image: %w", err)
			}
			if len(resp.Data) == 0 {
				return errors.New("gateway returned no images")
			}
			for _, d := range resp.Data {
				fmt.Fprintln(cmd.OutOrStdout(), d.URL)
			}
			return nil
		},
	}
	imagineCmd.Flags().StringVar(&imagineConfigPath, "config", config.DefaultClientConfigPath(), "Client config TOML path")
	imagineCmd.Flags().StringVar(&imagineServerURL, "server-url", "", "Gateway base URL including /v1")
	imagineCmd.Flags().StringVar(&imagineAPIKey, "api-key", "", "Gateway master key")
	imagineCmd.Flags().StringVar(&imagineSize, "size", openai.CreateImageSize1024x1024, "Image size as WIDTHxHEIGHT")
	imagineCmd.Flags().StringVar(&imagineModel, "model", "", "Model name sent to the gateway")
	imagineCmd.Flags().BoolVar(&imagineChat, "chat", false, "Use the streaming chat endpoint and print progress")
	rootCmd.AddCommand(imagineCmd)
}

func newGatewayClient(cfg *config.ClientConfig) *openai.Client {
	key := cfg.APIKey
	if key == "" {
		key = config.OpenAccessKey
	}
	oc := openai.DefaultConfig(key)
	oc.BaseURL = strings.TrimRight(cfg.ServerURL, "/")
	return openai.NewClientWithConfig(oc)
}

func imagineViaChat(ctx context.Context, out io.Writer, client *openai.Client, prompt string) error {
	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    imagineModel,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}},
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("start chat stream: %w", err)
	}
	defer stream.Close()
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read chat stream: %w", err)
		}
		for _, c := range chunk.Choices {
			fmt.Fprint(out, c.Delta.Content)
		}
	}
}
