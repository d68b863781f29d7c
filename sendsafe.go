package botspot

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/maxbolgarin/errm"
	tele "gopkg.in/telebot.v4"
)

// MaxMessageLength is the Telegram limit for a single message text.
const MaxMessageLength = 4096

const markdownSpecials = "_*[]()~`>#+-=|{}.!"

// EscapeMarkdown escapes MarkdownV2 special characters in text.
func EscapeMarkdown(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(markdownSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SplitLongMessage splits text into chunks that fit into one Telegram
// message, preferring to split at newlines.
func SplitLongMessage(text string) []string {
	return splitLongMessage(text, MaxMessageLength)
}

func splitLongMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var parts []string
	for len(text) > limit {
		cut := limit
		if idx := strings.LastIndexByte(text[:limit], '\n'); idx > 0 {
			cut = idx + 1
		} else {
			// A hard cut must not land inside a multi-byte rune.
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		parts = append(parts, strings.TrimRight(text[:cut], "\n"))
		text = text[cut:]
	}
	if len(text) > 0 {
		parts = append(parts, text)
	}
	return parts
}

// SafeSender sends texts that may be too long or contain markup-breaking
// characters without losing content.
type SafeSender struct {
	bot botAPI
	log Logger
	cfg SendSafeSettings
}

func newSafeSender(bot botAPI, log Logger, cfg SendSafeSettings) *SafeSender {
	return &SafeSender{
		bot: bot,
		log: log,
		cfg: cfg,
	}
}

// Send delivers text to the chat. Long texts are split into several messages
// or, when configured, sent as a single document. It returns the last sent
// message.
func (s *SafeSender) Send(chatID int64, text string, opts ...any) (*tele.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrInvalidArgument.New("cannot send empty text")
	}

	if s.cfg.EscapeMarkdown {
		text = EscapeMarkdown(text)
		opts = append(opts, tele.ModeMarkdownV2)
	}

	if len(text) > MaxMessageLength && s.cfg.SendLongAsFile {
		return s.sendAsFile(chatID, text)
	}

	var (
		msg *tele.Message
		err error
	)
	for _, part := range SplitLongMessage(text) {
		msg, err = s.bot.send(chatID, part, opts...)
		if err != nil {
			return nil, errm.Wrap(err, "send message part", "chat_id", chatID)
		}
	}
	return msg, nil
}

// Reply sends text as a reply to the given message.
func (s *SafeSender) Reply(chatID int64, replyTo *tele.Message, text string, opts ...any) (*tele.Message, error) {
	if replyTo != nil {
		opts = append(opts, &tele.SendOptions{ReplyTo: replyTo})
	}
	return s.Send(chatID, text, opts...)
}

func (s *SafeSender) sendAsFile(chatID int64, text string) (*tele.Message, error) {
	doc := &tele.Document{
		File:     tele.FromReader(bytes.NewReader([]byte(text))),
		FileName: "message.txt",
		MIME:     "text/plain",
	}
	msg, err := s.bot.send(chatID, doc)
	if err != nil {
		return nil, errm.Wrap(err, "send text as file", "chat_id", chatID)
	}
	s.log.Debug("long text sent as file", "chat_id", chatID, "size", len(text))
	return msg, nil
}
