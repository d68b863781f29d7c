package botspot

import (
	"fmt"
	"math/rand"
	"runtime/debug"

	"github.com/joomcode/errorx"
	tele "gopkg.in/telebot.v4"
)

const genericErrorMsg = "Oops, something went wrong :("

var easterEggs = []string{
	"The hamsters powering this bot needed a nap.",
	"A wild bug appeared. It was not very effective.",
	"Our bot tripped over a semicolon.",
}

// errorHandler is the last line of defense for handler errors: it logs them,
// tells the user something went wrong and optionally forwards a report to
// the developer chat. It never lets an error escape to the dispatcher.
type errorHandler struct {
	bot botAPI
	log Logger
	cfg ErrHandleSettings
}

func newErrorHandler(bot botAPI, log Logger, cfg ErrHandleSettings) *errorHandler {
	return &errorHandler{
		bot: bot,
		log: log,
		cfg: cfg,
	}
}

// handle processes an error raised by a handler for the given chat.
func (h *errorHandler) handle(err error, chatID int64) {
	if err == nil {
		return
	}

	h.log.Error("handler error", "error", err, "chat_id", chatID)

	if chatID != 0 {
		if _, sendErr := h.bot.send(chatID, h.userMessage(err)); sendErr != nil {
			h.log.Warn("send error notice", "chat_id", chatID, "error", sendErr)
		}
	}

	h.report(err, chatID)
}

// handlePanic recovers a panic from a handler and routes it like an error.
func (h *errorHandler) handlePanic(recovered any, chatID int64) {
	if recovered == nil {
		return
	}
	h.log.Error("handler panic", "panic", recovered, "chat_id", chatID,
		"stack", string(debug.Stack()))

	if chatID != 0 {
		if _, err := h.bot.send(chatID, genericErrorMsg); err != nil {
			h.log.Warn("send panic notice", "chat_id", chatID, "error", err)
		}
	}

	h.report(fmt.Errorf("panic: %v", recovered), chatID)
}

func (h *errorHandler) userMessage(err error) string {
	msg := genericErrorMsg
	if custom, ok := UserMessage(err); ok && custom != "" {
		msg = custom
	}
	if h.cfg.EasterEggs {
		msg += "\n\n" + easterEggs[rand.Intn(len(easterEggs))]
	}
	return msg
}

func (h *errorHandler) report(err error, chatID int64) {
	if h.cfg.DeveloperChatID == 0 || h.cfg.DeveloperChatID == chatID {
		return
	}

	// Typed errors are deliberate rejections shown to the user, they go to
	// the developer only when explicitly marked. Everything else is a bug.
	if errorx.Cast(err) != nil && !ShouldReportToDev(err) {
		return
	}

	report := fmt.Sprintf("⚠️ Error in chat %d:\n\n%v", chatID, err)
	if _, sendErr := h.bot.send(h.cfg.DeveloperChatID, report); sendErr != nil {
		h.log.Warn("send developer report", "error", sendErr)
	}
}

// asTeleOnError adapts the handler to the telebot OnError callback.
func (h *errorHandler) asTeleOnError() func(error, tele.Context) {
	return func(err error, c tele.Context) {
		var chatID int64
		if c != nil && c.Chat() != nil {
			chatID = c.Chat().ID
		}
		h.handle(err, chatID)
	}
}
