package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"github.com/harun/agentjobs/pkg/retry"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GeminiProvider implements LLMProvider for Google Gemini
type GeminiProvider struct {
	apiKey string

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider. The client is created on
// first use.
func NewGeminiProvider(apiKey string) *GeminiProvider {
	return &GeminiProvider{
		apiKey: apiKey,
	}
}

// Provider returns the provider name
func (p *GeminiProvider) Provider() string {
	return "gemini"
}

func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(p.apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	p.client = client
	return client, nil
}

// Close releases the underlying client.
func (p *GeminiProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

// Call makes an API call to Google Gemini
func (p *GeminiProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}

	model := client.GenerativeModel(request.Model)
	if request.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(request.SystemPrompt)}}
	}
	if request.Temperature > 0 {
		model.SetTemperature(float32(request.Temperature))
	}
	if request.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(request.MaxTokens))
	}
	if len(request.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(request.Tools))
		for _, spec := range request.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  geminiSchema(spec),
			})
		}
		model.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents := geminiContents(request.Messages)
	if len(contents) == 0 {
		return nil, retry.Permanent(errors.New("gemini: no messages to send"))
	}

	chat := model.StartChat()
	chat.History = contents[:len(contents)-1]
	last := contents[len(contents)-1]

	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, retry.Retryable(errors.New("gemini: no candidates returned"))
	}

	cand := resp.Candidates[0]
	content := ""
	for _, part := range cand.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			content += string(text)
		}
	}

	toolCalls := []ToolCall{}
	for i, fc := range cand.FunctionCalls() {
		args, err := json.Marshal(fc.Args)
		if err != nil {
			args = []byte(`{}`)
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        fmt.Sprintf("call_%d_%s", i, fc.Name),
			Name:      fc.Name,
			Arguments: args,
		})
	}

	result := &LLMResponse{Content: content, ToolCalls: toolCalls}
	if resp.UsageMetadata != nil {
		result.Usage = &TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return result, nil
}

// geminiContents maps the transcript to Gemini turns. Tool results become
// function responses on a user turn, and adjacent turns with the same role
// are merged.
func geminiContents(messages []Message) []*genai.Content {
	var contents []*genai.Content
	add := func(role string, parts ...genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			add("user", genai.Text(msg.Content))
		case RoleAssistant:
			var parts []genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(normalizedArguments(tc.Arguments), &args)
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: args})
			}
			add("model", parts...)
		case RoleTool:
			var decoded any
			if err := json.Unmarshal([]byte(msg.Content), &decoded); err != nil {
				decoded = msg.Content
			}
			add("user", genai.FunctionResponse{
				Name:     msg.Name,
				Response: map[string]any{"content": decoded},
			})
		}
	}
	return contents
}

func geminiSchema(spec ToolSpec) *genai.Schema {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(spec.Parameters)),
		Required:   spec.RequiredParameters(),
	}
	for _, param := range spec.Parameters {
		prop := &genai.Schema{Type: geminiType(param.Type), Description: param.Description}
		if prop.Type == genai.TypeArray {
			prop.Items = &genai.Schema{Type: genai.TypeString}
		}
		schema.Properties[param.Name] = prop
	}
	return schema
}

func geminiType(t string) genai.Type {
	switch t {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func classifyGeminiError(err error) error {
	wrapped := fmt.Errorf("gemini: %w", err)
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Internal, codes.Aborted:
			return retry.Retryable(wrapped)
		case codes.OK, codes.Unknown:
		default:
			return retry.Permanent(wrapped)
		}
	}
	if isTransientNetworkError(err) {
		return retry.Retryable(wrapped)
	}
	return wrapped
}
