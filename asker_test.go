package botspot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joomcode/errorx"
	"github.com/maxbolgarin/lang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

const testChatID int64 = 100500

func newTestAsker(cfg AskUserSettings) (*Asker, *recordingBot) {
	bot := newRecordingBot()
	if cfg.NotifyOnTimeout == nil {
		cfg.NotifyOnTimeout = lang.Ptr(true)
	}
	return newAsker(bot, noopLogger{}, cfg), bot
}

func waitForPending(t *testing.T, a *Asker, chatID int64, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.pendingCount(chatID) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func textMessage(text string) *tele.Message {
	return &tele.Message{ID: 777, Text: text, Chat: &tele.Chat{ID: testChatID}}
}

func TestAskUserTextAnswer(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{DefaultTimeout: time.Minute})

	type result struct {
		answer string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		answer, err := a.AskUser(context.Background(), testChatID, "What is your name?")
		done <- result{answer, err}
	}()

	waitForPending(t, a, testChatID, 1)

	msg, ok := bot.lastSent()
	require.True(t, ok)
	assert.Equal(t, "What is your name?", msg.What)
	assert.Equal(t, testChatID, msg.ChatID)

	require.True(t, a.resolveText(testChatID, textMessage("Alice")))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "Alice", res.answer)

	waitForPending(t, a, testChatID, 0)
	_, stillWaiting := a.waiting.Lookup(testChatID)
	assert.False(t, stillWaiting)
}

func TestAskUserEmptyQuestion(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{})

	_, err := a.AskUser(context.Background(), testChatID, "   ")
	require.Error(t, err)
	assert.True(t, errorx.IsOfType(err, ErrInvalidArgument))
	assert.Empty(t, bot.sentMessages(), "nothing should be sent for an invalid question")
}

func TestAskUserZeroChatID(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{})

	_, err := a.AskUser(context.Background(), 0, "hello?")
	require.Error(t, err)
	assert.True(t, errorx.IsOfType(err, ErrInvalidArgument))
	assert.Empty(t, bot.sentMessages())
}

func TestAskUserRawRejectsDefaultChoice(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{})

	_, err := a.AskUserRaw(context.Background(), testChatID, "send a file",
		WithDefaultChoice("yes"))
	require.Error(t, err)
	assert.True(t, errorx.IsOfType(err, ErrInvalidArgument))
	assert.Empty(t, bot.sentMessages(), "validation must happen before sending")
}

func TestAskUserHintLine(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{})

	answer, err := a.AskUser(context.Background(), testChatID, "What is your name?",
		WithHint("Reply with a single message."), WithAskTimeout(30*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, answer)

	msg, ok := bot.lastSent()
	require.True(t, ok)
	assert.Equal(t, "What is your name?\n\nReply with a single message.", msg.What)

	// The timeout notice keeps the hint in place.
	edits := bot.editedMessages()
	require.Len(t, edits, 1)
	assert.Equal(t, "What is your name?\n\nReply with a single message."+noResponseSuffix, edits[0].What)
}

func TestAskUserTimeoutReturnsDefault(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{DefaultTimeout: time.Minute})

	choices := []Choice{{Key: "red", Label: "Red"}, {Key: "blue", Label: "Blue"}}
	answer, err := a.AskUserChoice(context.Background(), testChatID, "Pick a color", choices,
		WithAskTimeout(30*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "red", answer, "default falls back to the first choice")

	// The prompt is edited with the auto-selected notice.
	edits := bot.editedMessages()
	require.Len(t, edits, 1)
	assert.Equal(t, "Pick a color"+autoSelectedSuffix+"Red", edits[0].What)

	waitForPending(t, a, testChatID, 0)
}

func TestAskUserTimeoutWithoutDefault(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{})

	answer, err := a.AskUser(context.Background(), testChatID, "Any thoughts?",
		WithAskTimeout(30*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, answer)

	edits := bot.editedMessages()
	require.Len(t, edits, 1)
	assert.Equal(t, "Any thoughts?"+noResponseSuffix, edits[0].What)
}

func TestAskUserTimeoutNotifyDisabled(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{NotifyOnTimeout: lang.Ptr(false)})

	_, err := a.AskUser(context.Background(), testChatID, "Quiet timeout",
		WithAskTimeout(30*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, bot.editedMessages())
}

func TestAskUserZeroTimeoutWaits(t *testing.T) {
	// Explicit zero overrides the default timeout and means wait forever.
	a, _ := newTestAsker(AskUserSettings{DefaultTimeout: 20 * time.Millisecond})

	done := make(chan string, 1)
	go func() {
		answer, _ := a.AskUser(context.Background(), testChatID, "Take your time",
			WithAskTimeout(0))
		done <- answer
	}()

	waitForPending(t, a, testChatID, 1)

	select {
	case <-done:
		t.Fatal("ask finished though zero timeout means wait forever")
	case <-time.After(100 * time.Millisecond):
	}

	require.True(t, a.resolveText(testChatID, textMessage("finally")))
	assert.Equal(t, "finally", <-done)
}

func TestAskUserContextCancel(t *testing.T) {
	a, _ := newTestAsker(AskUserSettings{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.AskUser(ctx, testChatID, "Never answered")
		done <- err
	}()

	waitForPending(t, a, testChatID, 1)
	cancel()

	err := <-done
	require.Error(t, err)

	waitForPending(t, a, testChatID, 0)
}

func TestAskUserChoiceEndToEnd(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{DefaultTimeout: time.Minute})

	choices := []Choice{{Key: "red", Label: "Red"}, {Key: "blue", Label: "Blue"}}
	done := make(chan string, 1)
	go func() {
		answer, _ := a.AskUserChoice(context.Background(), testChatID, "Pick a color", choices)
		done <- answer
	}()

	waitForPending(t, a, testChatID, 1)

	prompt, ok := bot.lastSent()
	require.True(t, ok)
	markup := bot.sentMarkup(prompt.ID)
	require.NotNil(t, markup)
	require.Len(t, markup.InlineKeyboard, 2)
	assert.Equal(t, defaultStarPrefix+"Red", markup.InlineKeyboard[0][0].Text)
	assert.Equal(t, "choice_red", markup.InlineKeyboard[0][0].Data)
	assert.Equal(t, "Blue", markup.InlineKeyboard[1][0].Text)

	handled, notice := a.resolveChoice(testChatID, "choice_red")
	assert.True(t, handled)
	assert.Empty(t, notice)

	assert.Equal(t, "red", <-done)

	// Prompt edited to show the selection.
	edits := bot.editedMessages()
	require.Len(t, edits, 1)
	assert.Equal(t, "Pick a color"+selectedSuffix+"Red", edits[0].What)

	waitForPending(t, a, testChatID, 0)
}

func TestAskUserChoiceEmptyChoices(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{})

	_, err := a.AskUserChoice(context.Background(), testChatID, "Pick", nil)
	require.Error(t, err)
	assert.True(t, errorx.IsOfType(err, ErrInvalidArgument))
	assert.Empty(t, bot.sentMessages())
}

func TestAskUserChoiceStripsButtonsOnTextAnswer(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{DefaultTimeout: time.Minute})

	done := make(chan string, 1)
	go func() {
		answer, _ := a.AskUserChoice(context.Background(), testChatID, "Pick or type",
			NewChoices("a", "b"))
		done <- answer
	}()

	waitForPending(t, a, testChatID, 1)
	require.True(t, a.resolveText(testChatID, textMessage("custom")))
	assert.Equal(t, "custom", <-done)

	require.Eventually(t, func() bool {
		return len(bot.markupEdits()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, bot.markupEdits()[0].Markup)
}

func TestAskUserCleanupDeletesMessages(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{DefaultTimeout: time.Minute})

	done := make(chan struct{})
	go func() {
		_, _ = a.AskUser(context.Background(), testChatID, "Secret question", WithCleanup())
		close(done)
	}()

	waitForPending(t, a, testChatID, 1)
	prompt, _ := bot.lastSent()
	require.True(t, a.resolveText(testChatID, textMessage("secret answer")))
	<-done

	deletes := bot.deleteCalls()
	require.Len(t, deletes, 1)
	assert.Equal(t, []int{prompt.ID, 777}, deletes[0].MsgIDs)
}

func TestResolveTextNoPendingAsk(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{})

	assert.False(t, a.resolveText(testChatID, textMessage("hello")))
	assert.Empty(t, bot.sentMessages())
}

func TestResolveTextStaleTag(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{})

	// A waiting tag without a matching pending request means the ask
	// finished some other way. The message is consumed with an apology.
	a.waiting.Set(testChatID, "ask_gone_1")

	require.True(t, a.resolveText(testChatID, textMessage("too late")))

	msg, ok := bot.lastSent()
	require.True(t, ok)
	assert.Equal(t, staleAnswerMsg, msg.What)

	_, stillWaiting := a.waiting.Lookup(testChatID)
	assert.False(t, stillWaiting)
}

func TestResolveChoiceForeignCallback(t *testing.T) {
	a, _ := newTestAsker(AskUserSettings{})

	handled, _ := a.resolveChoice(testChatID, "open_settings")
	assert.False(t, handled, "non-ask callbacks must pass through")
}

func TestResolveChoiceWithoutPendingAsk(t *testing.T) {
	a, _ := newTestAsker(AskUserSettings{})

	handled, notice := a.resolveChoice(testChatID, "choice_red")
	assert.True(t, handled)
	assert.Equal(t, choiceInvalidMsg, notice)
}

func TestResolveChoiceDuplicate(t *testing.T) {
	a, _ := newTestAsker(AskUserSettings{DefaultTimeout: time.Minute})

	done := make(chan string, 1)
	go func() {
		answer, _ := a.AskUserChoice(context.Background(), testChatID, "Pick",
			NewChoices("red", "blue"))
		done <- answer
	}()

	waitForPending(t, a, testChatID, 1)

	handled, notice := a.resolveChoice(testChatID, "choice_blue")
	require.True(t, handled)
	require.Empty(t, notice)
	assert.Equal(t, "blue", <-done)

	// The request stays resolved until the ask goroutine removes it; a second
	// tap in that window is acknowledged but changes nothing.
	handled, notice = a.resolveChoice(testChatID, "choice_red")
	assert.True(t, handled)
	assert.NotEmpty(t, notice)
}

func TestPendingRequestResolvesOnce(t *testing.T) {
	req := &pendingRequest{
		handlerID: "ask_test_1",
		done:      make(chan struct{}),
	}

	const attempts = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := make([]string, 0, 1)

	for i := 0; i < attempts; i++ {
		answer := string(rune('a' + i%26))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if req.resolve(answer, nil) {
				mu.Lock()
				winners = append(winners, answer)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one resolve call must win")
	answer, _ := req.result()
	assert.Equal(t, winners[0], answer)
	assert.True(t, req.isResolved())
}

func TestRequestTableOldestFirst(t *testing.T) {
	table := newRequestTable()

	base := time.Now().UTC()
	first := &pendingRequest{handlerID: "ask_1", createdAt: base, done: make(chan struct{})}
	second := &pendingRequest{handlerID: "ask_2", createdAt: base.Add(time.Second), done: make(chan struct{})}
	sameTime := &pendingRequest{handlerID: "ask_3", createdAt: base, done: make(chan struct{})}

	table.add(testChatID, second)
	table.add(testChatID, first)
	table.add(testChatID, sameTime)

	assert.Equal(t, "ask_1", table.active(testChatID).handlerID,
		"the oldest request is active; equal timestamps break by insertion order")

	table.remove(testChatID, "ask_1")
	assert.Equal(t, "ask_3", table.active(testChatID).handlerID)

	table.remove(testChatID, "ask_3")
	table.remove(testChatID, "ask_2")
	assert.Nil(t, table.active(testChatID))
	assert.Zero(t, table.count(testChatID))
}

func TestConcurrentAsksResolveIndependently(t *testing.T) {
	a, _ := newTestAsker(AskUserSettings{DefaultTimeout: time.Minute})

	firstDone := make(chan string, 1)
	go func() {
		answer, _ := a.AskUser(context.Background(), testChatID, "first question")
		firstDone <- answer
	}()
	waitForPending(t, a, testChatID, 1)

	secondDone := make(chan string, 1)
	go func() {
		answer, _ := a.AskUser(context.Background(), testChatID, "second question")
		secondDone <- answer
	}()
	waitForPending(t, a, testChatID, 2)

	// The waiting tag belongs to the latest ask, but the oldest request is
	// the active one, so the answer goes to the first question.
	require.Eventually(t, func() bool {
		tag, ok := a.waiting.Lookup(testChatID)
		return ok && a.table.active(testChatID).handlerID != tag
	}, 2*time.Second, 5*time.Millisecond)

	handled := a.resolveText(testChatID, textMessage("answer one"))
	assert.True(t, handled)

	// Tag and active request disagree, so the answer is treated as stale
	// rather than fed to the wrong question.
	select {
	case <-firstDone:
		t.Fatal("stale answer must not resolve the first ask")
	case <-secondDone:
		t.Fatal("stale answer must not resolve the second ask")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAskUserConfirmation(t *testing.T) {
	a, bot := newTestAsker(AskUserSettings{DefaultTimeout: time.Minute})

	done := make(chan bool, 1)
	go func() {
		ok, _ := a.AskUserConfirmation(context.Background(), testChatID, "Delete everything?")
		done <- ok
	}()

	waitForPending(t, a, testChatID, 1)

	prompt, _ := bot.lastSent()
	markup := bot.sentMarkup(prompt.ID)
	require.NotNil(t, markup)
	require.Len(t, markup.InlineKeyboard, 2)
	assert.Equal(t, defaultStarPrefix+"Yes", markup.InlineKeyboard[0][0].Text)

	handled, notice := a.resolveChoice(testChatID, "choice_no")
	require.True(t, handled)
	require.Empty(t, notice)
	assert.False(t, <-done)
}

func TestAskUserConfirmationTimeoutDefaultsToYes(t *testing.T) {
	a, _ := newTestAsker(AskUserSettings{})

	ok, err := a.AskUserConfirmation(context.Background(), testChatID, "Proceed?",
		WithAskTimeout(30*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChoiceMarkupColumns(t *testing.T) {
	choices := NewChoices("a", "b", "c", "d", "e")
	markup := choiceMarkup(choices, askConfig{columns: 2, highlightDefault: true})

	require.Len(t, markup.InlineKeyboard, 3)
	assert.Len(t, markup.InlineKeyboard[0], 2)
	assert.Len(t, markup.InlineKeyboard[1], 2)
	assert.Len(t, markup.InlineKeyboard[2], 1)
}

func TestNewHandlerIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := newHandlerID()
		_, dup := seen[id]
		require.False(t, dup, "handler ids must be unique")
		seen[id] = struct{}{}
	}
}
