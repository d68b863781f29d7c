package botspot

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

var (
	errEmptyChatID = errm.New("empty chat id")
	errEmptyMsgID  = errm.New("empty msg id")
)

// botAPI is the transport surface components talk to. It is implemented by
// baseBot and mocked in tests.
type botAPI interface {
	send(chatID int64, what any, options ...any) (*tele.Message, error)
	edit(chatID int64, msgID int, what any, options ...any) error
	editReplyMarkup(chatID int64, msgID int, markup *tele.ReplyMarkup) error
	delete(chatID int64, msgIDs ...int) error
}

type baseBot struct {
	tbot    *tele.Bot
	log     Logger
	onError func(error, tele.Context)
}

func newBaseBot(token string, opts Options) (*baseBot, error) {
	b := &baseBot{
		log: opts.Logger,
	}
	b.onError = func(err error, ctx tele.Context) {
		var chatID int64
		if ctx != nil && ctx.Chat() != nil {
			chatID = ctx.Chat().ID
		}
		b.log.Error("error callback", "error", err, "chat_id", chatID)
	}

	var poller tele.Poller
	poller = &tele.LongPoller{Timeout: opts.Settings.LPTimeout}
	if opts.Poller != nil {
		poller = opts.Poller
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		Poller:  poller,
		Client:  &http.Client{Timeout: 2 * opts.Settings.LPTimeout},
		Verbose: opts.Settings.Debug,
		OnError: func(err error, ctx tele.Context) {
			b.onError(err, ctx)
		},
		Offline: opts.Settings.TestMode,
	})
	if err != nil {
		return nil, errm.Wrap(err, "new telebot")
	}
	b.tbot = bot

	return b, nil
}

func (b *baseBot) start() {
	b.log.Info("bot is starting")
	lang.Go(b.log, b.tbot.Start)
}

func (b *baseBot) stop() {
	b.log.Info("bot is stopping")
	b.tbot.Stop()
}

func (b *baseBot) handle(endpoint any, handler tele.HandlerFunc) {
	b.tbot.Handle(endpoint, handler)
}

func (b *baseBot) send(chatID int64, what any, options ...any) (*tele.Message, error) {
	if chatID == 0 {
		return nil, errEmptyChatID
	}
	return b.tbot.Send(chatIDWrapper(chatID), what, options...)
}

func (b *baseBot) edit(chatID int64, msgID int, what any, options ...any) error {
	if chatID == 0 {
		return errEmptyChatID
	}
	if msgID == 0 {
		return errEmptyMsgID
	}

	_, err := b.tbot.Edit(getEditable(chatID, msgID), what, options...)
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			b.log.Debug("message is not modified", "msg_id", msgID, "chat_id", chatID)
			return nil
		}
		return err
	}

	return nil
}

func (b *baseBot) editReplyMarkup(chatID int64, msgID int, markup *tele.ReplyMarkup) error {
	if chatID == 0 {
		return errEmptyChatID
	}
	if msgID == 0 {
		return errEmptyMsgID
	}

	_, err := b.tbot.EditReplyMarkup(getEditable(chatID, msgID), markup)
	return err
}

func (b *baseBot) delete(chatID int64, msgIDs ...int) error {
	if chatID == 0 {
		return errEmptyChatID
	}

	errSet := errm.NewList()

	for _, msgID := range msgIDs {
		if msgID == 0 {
			return errEmptyMsgID
		}
		if err := b.tbot.Delete(getEditable(chatID, msgID)); err != nil {
			errSet.Add(err)
		}
	}

	return errSet.Err()
}

type chatIDWrapper int64

func (c chatIDWrapper) Recipient() string {
	return strconv.FormatInt(int64(c), 10)
}

func getEditable(chatID int64, messageID int) tele.Editable {
	return &tele.Message{ID: messageID, Chat: &tele.Chat{ID: chatID}}
}
