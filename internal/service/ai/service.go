package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/dromero/obralink/backend/internal/config"
)

// Service wraps the Ark chat model behind the generator interface the
// workflow stages consume.
type Service struct {
	chatModel model.ChatModel
	chain     compose.Runnable[map[string]any, *schema.Message]
	log       zerolog.Logger
}

// NewService builds the chat chain from configuration.
func NewService(ctx context.Context, cfg config.AIConfig, log zerolog.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("messages", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		chain:     runnable,
		log:       log.With().Str("component", "ai").Logger(),
	}, nil
}

// Generate runs the chain once and returns the full reply.
func (s *Service) Generate(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
	response, err := s.chain.Invoke(ctx, chainInput(messages))
	if err != nil {
		return nil, fmt.Errorf("failed to run chat chain: %w", err)
	}

	s.log.Debug().Int("messages", len(messages)).Int("length", len(response.Content)).Msg("generated reply")
	return response, nil
}

// Stream runs the chain and returns the chunked reply.
func (s *Service) Stream(ctx context.Context, messages []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	stream, err := s.chain.Stream(ctx, chainInput(messages))
	if err != nil {
		return nil, fmt.Errorf("failed to stream chat chain: %w", err)
	}
	return stream, nil
}

// ChatModel exposes the underlying model.
func (s *Service) ChatModel() model.ChatModel {
	return s.chatModel
}

func chainInput(messages []*schema.Message) map[string]any {
	return map[string]any{"messages": messages}
}
