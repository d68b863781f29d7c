package botspot

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// LLMQueryOption tunes a single LLM query.
type LLMQueryOption func(*llmQuery)

type llmQuery struct {
	model        string
	temperature  float64
	maxTokens    int64
	systemPrompt string
}

// WithModel overrides the default model for one query.
func WithModel(model string) LLMQueryOption {
	return func(q *llmQuery) {
		q.model = model
	}
}

// WithTemperature overrides the sampling temperature for one query.
func WithTemperature(t float64) LLMQueryOption {
	return func(q *llmQuery) {
		q.temperature = t
	}
}

// WithMaxTokens caps the completion length for one query.
func WithMaxTokens(n int64) LLMQueryOption {
	return func(q *llmQuery) {
		q.maxTokens = n
	}
}

// WithSystemPrompt sets the system prompt for one query.
func WithSystemPrompt(p string) LLMQueryOption {
	return func(q *llmQuery) {
		q.systemPrompt = p
	}
}

// UsageStats is a snapshot of accumulated token usage for one user.
type UsageStats struct {
	UserID           int64     `bson:"user_id" json:"user_id"`
	Requests         int64     `bson:"requests" json:"requests"`
	PromptTokens     int64     `bson:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64     `bson:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int64     `bson:"total_tokens" json:"total_tokens"`
	LastRequestAt    time.Time `bson:"last_request_at" json:"last_request_at"`
}

// LLMProvider runs chat completion queries on behalf of bot users, enforcing
// the configured access policy and tracking per-user token usage.
type LLMProvider struct {
	client openai.Client
	log    Logger
	cfg    LLMSettings
	access *AccessControl
	async  *AsyncCollection

	mu    sync.Mutex
	usage map[int64]*UsageStats

	allowedUsers []UserRef
}

func newLLMProvider(access *AccessControl, async *AsyncCollection, log Logger, cfg LLMSettings) *LLMProvider {
	return &LLMProvider{
		client:       openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		log:          log,
		cfg:          cfg,
		access:       access,
		async:        async,
		usage:        make(map[int64]*UsageStats),
		allowedUsers: parseAllowedUsers(cfg.AllowedUsers),
	}
}

func parseAllowedUsers(raw []string) []UserRef {
	var out []UserRef
	for _, s := range raw {
		ref := ParseUserRef(s)
		if !ref.IsEmpty() {
			out = append(out, ref)
		}
	}
	return out
}

// IsAllowed reports whether the user may run queries.
func (p *LLMProvider) IsAllowed(userID int64, username string) bool {
	if matchAny(p.allowedUsers, userID, username, "") {
		return true
	}
	switch p.cfg.AllowMode {
	case LLMAllowAll:
		return true
	case LLMAllowAdmins:
		return p.access != nil && p.access.IsAdmin(userID, username)
	default:
		return p.access != nil && p.access.IsFriend(userID, username)
	}
}

// QueryText runs a completion for the user and returns the response text.
func (p *LLMProvider) QueryText(ctx context.Context, userID int64, username, prompt string, opts ...LLMQueryOption) (string, error) {
	completion, err := p.Query(ctx, userID, username, prompt, opts...)
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", errm.New("empty completion")
	}
	return completion.Choices[0].Message.Content, nil
}

// Query runs a completion for the user and returns the full response.
func (p *LLMProvider) Query(ctx context.Context, userID int64, username, prompt string, opts ...LLMQueryOption) (*openai.ChatCompletion, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrInvalidArgument.New("prompt cannot be empty")
	}
	if !p.IsAllowed(userID, username) {
		return nil, ErrAccessDenied.New("user %d is not allowed to use the llm provider", userID)
	}

	q := llmQuery{
		model:       p.cfg.DefaultModel,
		temperature: p.cfg.DefaultTemperature,
		maxTokens:   p.cfg.DefaultMaxTokens,
	}
	for _, f := range opts {
		f(&q)
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(q.model),
		Messages:    buildMessages(q.systemPrompt, prompt),
		Temperature: openai.Float(q.temperature),
	}
	if q.maxTokens > 0 {
		params.MaxTokens = openai.Int(q.maxTokens)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errm.Wrap(err, "chat completion", "model", q.model)
	}

	p.recordUsage(userID, completion)
	p.log.Debug("llm query finished", "user_id", userID, "model", q.model,
		"total_tokens", completion.Usage.TotalTokens)

	return completion, nil
}

// Usage returns the accumulated usage for one user.
func (p *LLMProvider) Usage(userID int64) UsageStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lang.Deref(p.usage[userID])
}

func buildMessages(systemPrompt, prompt string) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(systemPrompt))
	}
	return append(msgs, openai.UserMessage(prompt))
}

func (p *LLMProvider) recordUsage(userID int64, completion *openai.ChatCompletion) {
	p.mu.Lock()

	stats, ok := p.usage[userID]
	if !ok {
		stats = &UsageStats{UserID: userID}
		p.usage[userID] = stats
	}
	stats.Requests++
	stats.PromptTokens += completion.Usage.PromptTokens
	stats.CompletionTokens += completion.Usage.CompletionTokens
	stats.TotalTokens += completion.Usage.TotalTokens
	stats.LastRequestAt = time.Now().UTC()

	snapshot := *stats
	p.mu.Unlock()

	if p.async != nil {
		p.async.Insert(userQueueName(userID), "llm_usage", snapshot)
	}
}
