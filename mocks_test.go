package botspot

import (
	"sync"

	"github.com/stretchr/testify/mock"
	tele "gopkg.in/telebot.v4"
)

// MockLogger is a mock implementation of Logger interface using testify/mock
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Info(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Warn(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Error(msg string, args ...any) {
	m.Called(msg, args)
}

func relaxedLogger() *MockLogger {
	l := &MockLogger{}
	l.On("Debug", mock.Anything, mock.Anything).Maybe()
	l.On("Info", mock.Anything, mock.Anything).Maybe()
	l.On("Warn", mock.Anything, mock.Anything).Maybe()
	l.On("Error", mock.Anything, mock.Anything).Maybe()
	return l
}

type sentMessage struct {
	ChatID  int64
	What    any
	Options []any
	ID      int
}

type editedMessage struct {
	ChatID int64
	MsgID  int
	What   any
}

type markupEdit struct {
	ChatID int64
	MsgID  int
	Markup *tele.ReplyMarkup
}

type deleteCall struct {
	ChatID int64
	MsgIDs []int
}

// recordingBot implements the bot transport surface and records every call,
// so tests can assert on sent texts, keyboards, edits and deletions.
type recordingBot struct {
	mu sync.Mutex

	sent    []sentMessage
	edits   []editedMessage
	markups []markupEdit
	deletes []deleteCall

	nextID  int
	sendErr error
}

func newRecordingBot() *recordingBot {
	return &recordingBot{}
}

func (b *recordingBot) send(chatID int64, what any, options ...any) (*tele.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sendErr != nil {
		return nil, b.sendErr
	}

	b.nextID++
	b.sent = append(b.sent, sentMessage{
		ChatID:  chatID,
		What:    what,
		Options: options,
		ID:      b.nextID,
	})
	return &tele.Message{ID: b.nextID, Chat: &tele.Chat{ID: chatID}}, nil
}

func (b *recordingBot) edit(chatID int64, msgID int, what any, _ ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edits = append(b.edits, editedMessage{ChatID: chatID, MsgID: msgID, What: what})
	return nil
}

func (b *recordingBot) editReplyMarkup(chatID int64, msgID int, markup *tele.ReplyMarkup) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markups = append(b.markups, markupEdit{ChatID: chatID, MsgID: msgID, Markup: markup})
	return nil
}

func (b *recordingBot) delete(chatID int64, msgIDs ...int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, deleteCall{ChatID: chatID, MsgIDs: msgIDs})
	return nil
}

func (b *recordingBot) sentMessages() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sentMessage, len(b.sent))
	copy(out, b.sent)
	return out
}

func (b *recordingBot) lastSent() (sentMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		return sentMessage{}, false
	}
	return b.sent[len(b.sent)-1], true
}

func (b *recordingBot) editedMessages() []editedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]editedMessage, len(b.edits))
	copy(out, b.edits)
	return out
}

func (b *recordingBot) markupEdits() []markupEdit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]markupEdit, len(b.markups))
	copy(out, b.markups)
	return out
}

func (b *recordingBot) deleteCalls() []deleteCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]deleteCall, len(b.deletes))
	copy(out, b.deletes)
	return out
}

func (b *recordingBot) sentMarkup(msgID int) *tele.ReplyMarkup {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sent {
		if s.ID != msgID {
			continue
		}
		for _, opt := range s.Options {
			if m, ok := opt.(*tele.ReplyMarkup); ok {
				return m
			}
		}
	}
	return nil
}
