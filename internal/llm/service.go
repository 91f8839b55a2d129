package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/sirupsen/logrus"

	"github.com/occasionalert/occasion-alerts/internal/models"
	pkgConfig "github.com/occasionalert/occasion-alerts/pkg/config"
)

// Service generates occasion messages through Bedrock's Claude messages API.
type Service struct {
	client *bedrockruntime.Client
	config *pkgConfig.Config
}

type ClaudeRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []Message `json:"messages"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ClaudeResponse struct {
	Content []ContentBlock `json:"content"`
	Usage   Usage          `json:"usage"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func NewService(cfg *pkgConfig.Config) (*Service, error) {
	awsCfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Service{
		client: bedrockruntime.NewFromConfig(awsCfg),
		config: cfg,
	}, nil
}

// Generate produces the personalized message for an occasion. The backend
// call is bounded by the configured generation timeout; expiry surfaces as
// an ordinary error so the sweep releases the claim and retries next tick.
func (s *Service) Generate(ctx context.Context, occ *models.Occasion) (string, error) {
	prompt := BuildPrompt(occ)

	logrus.WithFields(logrus.Fields{
		"occasion_id": occ.ID,
		"model":       s.config.LLMModel,
	}).Info("Generating occasion message")

	ctx, cancel := context.WithTimeout(ctx, s.config.GenerationTimeout)
	defer cancel()

	response, err := s.callClaude(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to call Claude: %w", err)
	}

	if len(response.Content) == 0 || response.Content[0].Text == "" {
		return "", fmt.Errorf("no content in response")
	}

	logrus.WithFields(logrus.Fields{
		"occasion_id":   occ.ID,
		"input_tokens":  response.Usage.InputTokens,
		"output_tokens": response.Usage.OutputTokens,
	}).Info("Occasion message generated")

	return response.Content[0].Text, nil
}

// BuildPrompt embeds the occasion's type, label, date, custom input and tone
// into the generation prompt.
func BuildPrompt(occ *models.Occasion) string {
	return fmt.Sprintf(`You are a bot that generates messages for people to send to their loved ones on special occasions.
The user has created an occasion and you need to generate a message for them. They have provided
the type of occasion, the label of it, the date of the occasion, and a custom input that provides
more details. Along with that, they have provided a tone they would like you to generate the message in.
You need to generate a message that is appropriate for the occasion given the fields provided.
Do not mention the specific time that the occasion takes place on.

The occasion is a %s, labeled %s, happening on %s. The user has provided the following
custom input: %s. They requested that a %s tone be used in the message.
Please generate this message for the user.`,
		occ.Type, occ.Label, occ.Date.UTC().Format("January 2, 2006"), occ.CustomInput, occ.Tone)
}

func (s *Service) callClaude(ctx context.Context, prompt string) (*ClaudeResponse, error) {
	request := ClaudeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1000,
		Messages: []Message{
			{
				Role:    "user",
				Content: prompt,
			},
		},
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	input := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(s.config.LLMModel),
		ContentType: aws.String("application/json"),
		Body:        requestBody,
	}

	result, err := s.client.InvokeModel(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to invoke model: %w", err)
	}

	var response ClaudeResponse
	if err := json.Unmarshal(result.Body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &response, nil
}
