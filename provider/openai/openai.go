package openai_provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/vooli/internal/helpers"
	"github.com/mohammad-safakhou/vooli/provider/models"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
)

// Options configures the OpenAI-compatible client.
type Options struct {
	APIKey      string
	BaseURL     string
	ObjectModel string
	StreamModel string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// client implements provider.Provider using OpenAI's chat completions API
type client struct {
	apiKey      string
	baseURL     string
	objectModel string
	streamModel string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	// streams are bounded by the caller's context, not a client timeout
	streamClient *http.Client
}

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema"`
	Strict      bool           `json:"strict"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

// request represents a request to the OpenAI API
type request struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_completion_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

// response represents a response from the OpenAI API
type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type errorResponse struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(opts Options) *client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &client{
		apiKey:       opts.APIKey,
		baseURL:      base,
		objectModel:  opts.ObjectModel,
		streamModel:  opts.StreamModel,
		temperature:  opts.Temperature,
		maxTokens:    opts.MaxTokens,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

func buildMessages(system, prompt string) []Message {
	var messages []Message
	if strings.TrimSpace(system) != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	return append(messages, Message{Role: "user", Content: prompt})
}

func (c *client) temperaturePtr() *float64 {
	if c.temperature <= 0 {
		return nil
	}
	t := c.temperature
	return &t
}

// GenerateObject asks the model for a JSON object conforming to req.Schema and decodes it into out.
func (c *client) GenerateObject(ctx context.Context, req models.ObjectRequest, out any) error {
	body := request{
		Model:       c.objectModel,
		Messages:    buildMessages(req.System, req.Prompt),
		Temperature: c.temperaturePtr(),
		MaxTokens:   c.maxTokens,
		ResponseFormat: &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchemaFormat{
				Name:        req.Schema.Name,
				Description: req.Schema.Description,
				Schema:      req.Schema.Definition,
				Strict:      true,
			},
		},
	}

	resp, err := c.sendRequest(ctx, c.httpClient, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var openaiResp response
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if len(openaiResp.Choices) == 0 {
		return fmt.Errorf("no choices in response")
	}
	msg := openaiResp.Choices[0].Message
	if msg.Refusal != "" {
		return fmt.Errorf("model refused: %s", msg.Refusal)
	}
	content := []byte(msg.Content)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(content, &fields); err != nil {
		// compatible backends without json_schema support may fence or prefix the object
		extracted, xerr := helpers.ExtractJSON(msg.Content)
		if xerr != nil {
			return fmt.Errorf("failed to parse object: %w", err)
		}
		content = []byte(extracted)
		if err := json.Unmarshal(content, &fields); err != nil {
			return fmt.Errorf("failed to parse object: %w", err)
		}
	}
	for _, name := range req.Schema.Required() {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			return fmt.Errorf("%w: %s", models.ErrMissingField, name)
		}
	}
	if err := json.Unmarshal(content, out); err != nil {
		return fmt.Errorf("failed to decode object: %w", err)
	}
	return nil
}

// StreamText starts a streamed completion; the returned stream must be closed by the caller.
func (c *client) StreamText(ctx context.Context, req models.TextRequest) (models.TextStream, error) {
	body := request{
		Model:       c.streamModel,
		Messages:    buildMessages(req.System, req.Prompt),
		Temperature: c.temperaturePtr(),
		MaxTokens:   c.maxTokens,
		Stream:      true,
	}
	resp, err := c.sendRequest(ctx, c.streamClient, body)
	if err != nil {
		return nil, err
	}
	return &textStream{ctx: ctx, body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

// sendRequest posts to chat/completions and returns the response when the status is 200.
func (c *client) sendRequest(ctx context.Context, httpClient *http.Client, body request) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != nil {
			return nil, fmt.Errorf("LLM API error [%d]: %s (type: %s)", resp.StatusCode, errResp.Error.Message, errResp.Error.Type)
		}
		return nil, fmt.Errorf("LLM API error [%d]: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return resp, nil
}

// textStream reads server-sent chunks lazily, yielding one content delta per Next call.
type textStream struct {
	ctx    context.Context
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

func (s *textStream) Next() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return "", err
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.done = true
				if strings.TrimSpace(line) == "" {
					return "", io.EOF
				}
			} else {
				return "", fmt.Errorf("failed to read stream: %w", err)
			}
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", fmt.Errorf("malformed stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
}

func (s *textStream) Close() error {
	s.done = true
	return s.body.Close()
}
