package botspot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maxbolgarin/abstract"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

const (
	choicePrefix      = "choice_"
	defaultStarPrefix = "⭐ "

	staleAnswerMsg    = "Sorry, this response came too late or was for a different question. Please try again."
	choiceInvalidMsg  = "This choice is no longer valid."
	choiceRecordedMsg = "Your choice has already been recorded."

	autoSelectedSuffix = "\n\n⏰ Auto-selected: "
	noResponseSuffix   = "\n\n⏰ No response received within the time limit."
	selectedSuffix     = "\n\nSelected: "
)

// Choice is a single selectable option for a choice ask.
// Key goes into the callback payload, Label onto the button.
type Choice struct {
	Key   string
	Label string
}

// NewChoices builds choices where every key is its own label.
func NewChoices(keys ...string) []Choice {
	out := make([]Choice, 0, len(keys))
	for _, k := range keys {
		out = append(out, Choice{Key: k, Label: k})
	}
	return out
}

// AskOption tunes a single ask call.
type AskOption func(*askConfig)

type askConfig struct {
	timeout          time.Duration
	timeoutSet       bool
	defaultChoice    string
	highlightDefault bool
	cleanup          bool
	columns          int
	hint             string
}

// WithAskTimeout overrides the default answer timeout for one call.
// Zero means wait forever.
func WithAskTimeout(d time.Duration) AskOption {
	return func(c *askConfig) {
		c.timeout = d
		c.timeoutSet = true
	}
}

// WithDefaultChoice sets the choice returned on timeout.
func WithDefaultChoice(key string) AskOption {
	return func(c *askConfig) {
		c.defaultChoice = key
	}
}

// WithoutHighlight disables the star prefix on the default choice button.
func WithoutHighlight() AskOption {
	return func(c *askConfig) {
		c.highlightDefault = false
	}
}

// WithCleanup deletes both the question and the answer messages after the ask finishes.
func WithCleanup() AskOption {
	return func(c *askConfig) {
		c.cleanup = true
	}
}

// WithColumns sets the number of choice buttons per keyboard row.
func WithColumns(n int) AskOption {
	return func(c *askConfig) {
		c.columns = n
	}
}

// WithHint appends an explanatory line below the question.
func WithHint(hint string) AskOption {
	return func(c *askConfig) {
		c.hint = hint
	}
}

// pendingRequest is a single outstanding question waiting for an answer.
// It resolves exactly once: the first resolve call wins, later ones are
// rejected without touching the stored answer.
type pendingRequest struct {
	question  string
	handlerID string
	createdAt time.Time
	seq       uint64
	promptID  int
	choices   []Choice

	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	answer    string
	answerMsg *tele.Message
}

func (r *pendingRequest) resolve(answer string, msg *tele.Message) bool {
	resolved := false
	r.once.Do(func() {
		r.mu.Lock()
		r.answer = answer
		r.answerMsg = msg
		r.mu.Unlock()
		close(r.done)
		resolved = true
	})
	return resolved
}

func (r *pendingRequest) result() (string, *tele.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answer, r.answerMsg
}

func (r *pendingRequest) isResolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *pendingRequest) choiceLabel(key string) string {
	for _, c := range r.choices {
		if c.Key == key {
			return c.Label
		}
	}
	return key
}

// requestTable tracks pending requests per chat.
type requestTable struct {
	mu    sync.Mutex
	chats map[int64]map[string]*pendingRequest
	seq   uint64
}

func newRequestTable() *requestTable {
	return &requestTable{
		chats: make(map[int64]map[string]*pendingRequest),
	}
}

func (t *requestTable) add(chatID int64, req *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	req.seq = t.seq

	reqs, ok := t.chats[chatID]
	if !ok {
		reqs = make(map[string]*pendingRequest)
		t.chats[chatID] = reqs
	}
	reqs[req.handlerID] = req
}

// active returns the oldest pending request for the chat, nil when none.
func (t *requestTable) active(chatID int64) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	var oldest *pendingRequest
	for _, req := range t.chats[chatID] {
		if oldest == nil || req.createdAt.Before(oldest.createdAt) ||
			(req.createdAt.Equal(oldest.createdAt) && req.seq < oldest.seq) {
			oldest = req
		}
	}
	return oldest
}

// remove drops a request. It is a no-op when the request is already gone.
func (t *requestTable) remove(chatID int64, handlerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reqs, ok := t.chats[chatID]
	if !ok {
		return
	}
	delete(reqs, handlerID)
	if len(reqs) == 0 {
		delete(t.chats, chatID)
	}
}

func (t *requestTable) count(chatID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chats[chatID])
}

// Asker asks users questions and waits for their answers. Each ask sends a
// prompt, parks the caller on a one-shot channel and returns when the user
// answers, the timeout fires or the context is canceled. State is removed on
// every exit path.
type Asker struct {
	bot botAPI
	log Logger
	cfg AskUserSettings

	table *requestTable
	// waiting maps a chat to the handler ID of the ask currently owning
	// the chat's input. The last started ask owns it.
	waiting *abstract.SafeMap[int64, string]
}

func newAsker(bot botAPI, log Logger, cfg AskUserSettings) *Asker {
	return &Asker{
		bot:     bot,
		log:     log,
		cfg:     cfg,
		table:   newRequestTable(),
		waiting: abstract.NewSafeMap[int64, string](),
	}
}

// AskUser sends a question and waits for a text answer.
// On timeout it returns the default choice if one was set, otherwise an
// empty string with a nil error.
func (a *Asker) AskUser(ctx context.Context, chatID int64, question string, opts ...AskOption) (string, error) {
	res, err := a.ask(ctx, chatID, question, nil, opts)
	if err != nil {
		return "", err
	}
	return res.answer, nil
}

// AskUserRaw sends a question and waits for the full answer message,
// so the caller can access media, entities or forwarding info.
// It cannot be combined with a default choice.
func (a *Asker) AskUserRaw(ctx context.Context, chatID int64, question string, opts ...AskOption) (*tele.Message, error) {
	cfg := a.applyOptions(opts)
	if cfg.defaultChoice != "" {
		return nil, ErrInvalidArgument.New("default choice cannot be used with raw mode")
	}
	res, err := a.ask(ctx, chatID, question, nil, opts)
	if err != nil {
		return nil, err
	}
	return res.answerMsg, nil
}

// AskUserChoice sends a question with inline choice buttons and waits for a
// selection. The default choice falls back to the first one and is returned
// on timeout.
func (a *Asker) AskUserChoice(ctx context.Context, chatID int64, question string, choices []Choice, opts ...AskOption) (string, error) {
	if len(choices) == 0 {
		return "", ErrInvalidArgument.New("choices cannot be empty")
	}
	res, err := a.ask(ctx, chatID, question, choices, opts)
	if err != nil {
		return "", err
	}
	return res.answer, nil
}

// AskUserChoiceRaw is AskUserChoice returning the raw answer message for
// text replies. A button selection yields a nil message.
func (a *Asker) AskUserChoiceRaw(ctx context.Context, chatID int64, question string, choices []Choice, opts ...AskOption) (string, *tele.Message, error) {
	if len(choices) == 0 {
		return "", nil, ErrInvalidArgument.New("choices cannot be empty")
	}
	res, err := a.ask(ctx, chatID, question, choices, opts)
	if err != nil {
		return "", nil, err
	}
	return res.answer, res.answerMsg, nil
}

// AskUserConfirmation asks a yes/no question. The default answer, returned
// on timeout, is yes unless overridden with WithDefaultChoice("no").
func (a *Asker) AskUserConfirmation(ctx context.Context, chatID int64, question string, opts ...AskOption) (bool, error) {
	cfg := a.applyOptions(opts)
	if cfg.defaultChoice == "" {
		opts = append(opts, WithDefaultChoice("yes"))
	}
	choices := []Choice{{Key: "yes", Label: "Yes"}, {Key: "no", Label: "No"}}

	answer, err := a.AskUserChoice(ctx, chatID, question, choices, opts...)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(answer), "yes"), nil
}

type askResult struct {
	answer    string
	answerMsg *tele.Message
	timedOut  bool
}

func (a *Asker) ask(ctx context.Context, chatID int64, question string, choices []Choice, opts []AskOption) (askResult, error) {
	if strings.TrimSpace(question) == "" {
		return askResult{}, ErrInvalidArgument.New("question cannot be empty")
	}
	if chatID == 0 {
		return askResult{}, ErrInvalidArgument.New("chat id cannot be zero")
	}

	cfg := a.applyOptions(opts)
	if len(choices) > 0 && cfg.defaultChoice == "" {
		cfg.defaultChoice = choices[0].Key
	}
	if cfg.hint != "" {
		question += "\n\n" + cfg.hint
	}

	sendOpts := make([]any, 0, 1)
	if len(choices) > 0 {
		sendOpts = append(sendOpts, choiceMarkup(choices, cfg))
	}

	prompt, err := a.bot.send(chatID, question, sendOpts...)
	if err != nil {
		return askResult{}, errm.Wrap(err, "send question")
	}

	req := &pendingRequest{
		question:  question,
		handlerID: newHandlerID(),
		createdAt: time.Now().UTC(),
		promptID:  prompt.ID,
		choices:   choices,
		done:      make(chan struct{}),
	}

	a.table.add(chatID, req)
	a.waiting.Set(chatID, req.handlerID)

	defer func() {
		a.table.remove(chatID, req.handlerID)
		// Release the input slot only if a later ask did not take it over.
		if tag, ok := a.waiting.Lookup(chatID); ok && tag == req.handlerID {
			a.waiting.Delete(chatID)
		}
	}()

	a.log.Debug("ask sent", "chat_id", chatID, "handler_id", req.handlerID,
		"msg_id", prompt.ID, "choices", len(choices))

	timeout := lang.If(cfg.timeoutSet, cfg.timeout, a.cfg.DefaultTimeout)
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-req.done:
		answer, answerMsg := req.result()
		a.finishAnswered(chatID, prompt.ID, answerMsg, len(choices) > 0, cfg)
		return askResult{answer: answer, answerMsg: answerMsg}, nil

	case <-timer:
		a.finishTimedOut(chatID, prompt.ID, question, req, cfg)
		return askResult{answer: cfg.defaultChoice, timedOut: true}, nil

	case <-ctx.Done():
		return askResult{}, errm.Wrap(ctx.Err(), "ask canceled", "chat_id", chatID)
	}
}

func (a *Asker) finishAnswered(chatID int64, promptID int, answerMsg *tele.Message, hasChoices bool, cfg askConfig) {
	if cfg.cleanup {
		msgIDs := []int{promptID}
		if answerMsg != nil {
			msgIDs = append(msgIDs, answerMsg.ID)
		}
		if err := a.bot.delete(chatID, msgIDs...); err != nil {
			a.log.Warn("cleanup after answer", "chat_id", chatID, "error", err)
		}
		return
	}
	if hasChoices {
		// Keep the question visible, drop the buttons.
		if err := a.bot.editReplyMarkup(chatID, promptID, nil); err != nil {
			a.log.Debug("strip buttons", "chat_id", chatID, "msg_id", promptID, "error", err)
		}
	}
}

func (a *Asker) finishTimedOut(chatID int64, promptID int, question string, req *pendingRequest, cfg askConfig) {
	a.log.Info("ask timed out", "chat_id", chatID, "handler_id", req.handlerID,
		"default_choice", cfg.defaultChoice)

	if !lang.CheckPtr(a.cfg.NotifyOnTimeout, true) {
		return
	}

	notice := question + noResponseSuffix
	if cfg.defaultChoice != "" {
		notice = question + autoSelectedSuffix + req.choiceLabel(cfg.defaultChoice)
	}
	if err := a.bot.edit(chatID, promptID, notice); err != nil {
		a.log.Warn("edit timeout notice", "chat_id", chatID, "msg_id", promptID, "error", err)
	}
}

// resolveText feeds an incoming text message into the pending ask for the
// chat. It reports whether the message was consumed, so the dispatcher can
// pass unconsumed ones to the host bot.
func (a *Asker) resolveText(chatID int64, m *tele.Message) bool {
	tag, ok := a.waiting.Lookup(chatID)
	if !ok {
		return false
	}

	req := a.table.active(chatID)
	if req == nil || req.handlerID != tag {
		a.waiting.Delete(chatID)
		if _, err := a.bot.send(chatID, staleAnswerMsg); err != nil {
			a.log.Warn("send stale answer notice", "chat_id", chatID, "error", err)
		}
		return true
	}

	if !req.resolve(m.Text, m) {
		a.log.Debug("duplicate answer ignored", "chat_id", chatID, "handler_id", req.handlerID)
	}
	return true
}

// resolveChoice feeds a callback payload into the pending ask for the chat.
// The returned notice should be shown in the callback answer; it is empty
// when the choice was accepted.
func (a *Asker) resolveChoice(chatID int64, data string) (handled bool, notice string) {
	if !strings.HasPrefix(data, choicePrefix) {
		return false, ""
	}
	choiceKey := strings.TrimPrefix(data, choicePrefix)

	tag, okTag := a.waiting.Lookup(chatID)
	req := a.table.active(chatID)
	if !okTag || req == nil || req.handlerID != tag {
		return true, choiceInvalidMsg
	}

	if req.isResolved() {
		return true, choiceRecordedMsg
	}

	if !req.resolve(choiceKey, nil) {
		return true, choiceRecordedMsg
	}

	// Best-effort, the ask goroutine is already unparked.
	if err := a.bot.edit(chatID, req.promptID, req.question+selectedSuffix+req.choiceLabel(choiceKey)); err != nil {
		a.log.Debug("edit selected choice", "chat_id", chatID, "msg_id", req.promptID, "error", err)
	}

	return true, ""
}

// pendingCount returns the number of outstanding asks for the chat.
func (a *Asker) pendingCount(chatID int64) int {
	return a.table.count(chatID)
}

func (a *Asker) applyOptions(opts []AskOption) askConfig {
	cfg := askConfig{
		highlightDefault: true,
		columns:          1,
	}
	for _, f := range opts {
		f(&cfg)
	}
	return cfg
}

func choiceMarkup(choices []Choice, cfg askConfig) *tele.ReplyMarkup {
	columns := lang.Check(cfg.columns, 1)

	rows := make([][]tele.InlineButton, 0, (len(choices)+columns-1)/columns)
	var row []tele.InlineButton
	for _, c := range choices {
		label := c.Label
		if cfg.highlightDefault && c.Key == cfg.defaultChoice {
			label = defaultStarPrefix + label
		}
		row = append(row, tele.InlineButton{
			Text: label,
			Data: choicePrefix + c.Key,
		})
		if len(row) == columns {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	return &tele.ReplyMarkup{InlineKeyboard: rows}
}

func newHandlerID() string {
	return fmt.Sprintf("ask_%s_%d", abstract.GetRandomString(8), time.Now().UnixNano())
}
