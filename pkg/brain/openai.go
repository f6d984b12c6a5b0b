package brain

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

const (
	defaultBaseURL = "https://ark.cn-beijing.volces.com/api/v3"
	defaultModel   = "doubao-pro-32k"
	defaultName    = "小可爱"

	defaultPersona = `我叫%s，一个陪伴家人聊天的AI伙伴。
我友善、温暖、有耐心，说话亲切自然，像朋友一样交流。
回复要简短口语化，适合读出来，不要用列表或表情符号。`
)

var _ Converser = (*OpenAI)(nil)
var _ NameClassifier = (*OpenAI)(nil)

// OpenAI is a Converser backed by an OpenAI-compatible chat endpoint.
type OpenAI struct {
	client  *openai.Client
	model   string
	name    string
	persona string
}

type OpenAIOption func(*openaiConfig)

type openaiConfig struct {
	baseURL    string
	model      string
	name       string
	persona    string
	httpClient *http.Client
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openaiConfig) { c.baseURL = url }
}

// WithModel selects the chat model.
func WithModel(model string) OpenAIOption {
	return func(c *openaiConfig) { c.model = model }
}

// WithName sets the assistant's self-reported name.
func WithName(name string) OpenAIOption {
	return func(c *openaiConfig) { c.name = name }
}

// WithPersona replaces the whole persona system prompt.
func WithPersona(persona string) OpenAIOption {
	return func(c *openaiConfig) { c.persona = persona }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(c *openaiConfig) { c.httpClient = client }
}

// NewOpenAI creates a Converser talking to an OpenAI-compatible API.
// The defaults target the Volcengine Ark endpoint.
func NewOpenAI(apiKey string, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("brain: api key is required")
	}
	cfg := openaiConfig{
		baseURL: defaultBaseURL,
		model:   defaultModel,
		name:    defaultName,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.persona == "" {
		cfg.persona = fmt.Sprintf(defaultPersona, cfg.name)
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(cfg.httpClient))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAI{
		client:  &client,
		model:   cfg.model,
		name:    cfg.name,
		persona: cfg.persona,
	}, nil
}

// Name returns the assistant's self-reported name.
func (b *OpenAI) Name() string {
	return b.name
}

// Greeting returns the opening line spoken when a session starts.
func (b *OpenAI) Greeting() string {
	return fmt.Sprintf("你好！我是%s，很高兴认识你！有什么我可以帮你的吗？", b.name)
}

var weekdays = [7]string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

func (b *OpenAI) Converse(ctx context.Context, text, speaker string) (string, error) {
	now := time.Now()
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(b.persona),
		openai.SystemMessage(fmt.Sprintf("今天是%s %s，现在是%s。",
			now.Format("2006年01月02日"), weekdays[now.Weekday()], now.Format("15:04"))),
	}
	if speaker != "" {
		messages = append(messages, openai.SystemMessage(
			fmt.Sprintf("正在和你说话的是：%s。", speaker)))
	}
	messages = append(messages, openai.UserMessage(text))

	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               b.model,
		Messages:            messages,
		Temperature:         param.NewOpt(0.7),
		MaxCompletionTokens: param.NewOpt(int64(500)),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices")
	}
	reply := resp.Choices[0].Message.Content
	if reply == "" {
		return "", fmt.Errorf("chat completion: empty content")
	}
	return reply, nil
}

const nameIntentPrompt = `用户刚才被问"你叫什么名字"，回答了："%s"

请判断：
1. 用户是否在告诉自己的名字？
2. 如果是，名字是什么？
3. 如果不是，用户是想跳过（如"算了""不说了"），还是在说其他事情？

请用JSON格式回答（不要有其他内容）：
{"is_name": true/false, "name": "名字或null", "skip": true/false, "other_intent": true/false, "reply": "如果用户在说其他事情，简短回应"}`

func (b *OpenAI) ClassifyName(ctx context.Context, answer string) (*NameIntent, error) {
	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: b.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(fmt.Sprintf(nameIntentPrompt, answer)),
		},
		Temperature:         param.NewOpt(0.3),
		MaxCompletionTokens: param.NewOpt(int64(150)),
	})
	if err != nil {
		return nil, fmt.Errorf("classify name: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("classify name: no choices")
	}
	return parseNameIntent(resp.Choices[0].Message.Content)
}
