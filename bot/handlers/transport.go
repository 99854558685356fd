package handlers

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync/atomic"

	tele "gopkg.in/telebot.v4"

	"github.com/smartist/taigabot/core/telegram/keyboard"
	"github.com/smartist/taigabot/core/telegram/sender"
)

// ErrNotBound is returned when a send happens before Bind.
var ErrNotBound = errors.New("handlers: transport has no bot bound")

// Button is one inline keyboard entry with a verbatim callback payload.
type Button struct {
	Text string
	Data string
}

// Transport is the outbound chat surface the dispatcher depends on. The
// concrete Telegram client stays behind it so handlers can be exercised with
// a recording fake. Returned message ids are 0 for calls delivered through
// the async sender queue.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
	SendMarkdown(ctx context.Context, chatID int64, text string) (int, error)
	SendButtons(ctx context.Context, chatID int64, text string, buttons []Button) (int, error)
	SendDocument(ctx context.Context, chatID int64, fileName string, data []byte) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// TelebotTransport adapts a telebot client to the Transport interface. The
// bot instance is produced by the run loop, so it binds after construction.
// When a sender dispatcher is bound, plain sends go through its queue and
// pick up the retry and error-classification machinery; keep the dispatcher
// at a single worker so messages to one chat stay in order.
type TelebotTransport struct {
	bot    atomic.Pointer[tele.Bot]
	sender atomic.Pointer[sender.Dispatcher]
}

func NewTelebotTransport(bot *tele.Bot) *TelebotTransport {
	t := &TelebotTransport{}
	if bot != nil {
		t.Bind(bot)
	}
	return t
}

// Bind attaches the live bot client. Call it from the run loop's start hook.
func (t *TelebotTransport) Bind(bot *tele.Bot) {
	t.bot.Store(bot)
}

// BindSender attaches the async outbound dispatcher. Optional; without it
// every call is delivered inline.
func (t *TelebotTransport) BindSender(d *sender.Dispatcher) {
	t.sender.Store(d)
}

func (t *TelebotTransport) client() (*tele.Bot, error) {
	bot := t.bot.Load()
	if bot == nil {
		return nil, ErrNotBound
	}
	return bot, nil
}

// enqueue hands the call to the sender queue. A saturated or closed queue
// falls back to inline delivery, same as the send helpers do.
func (t *TelebotTransport) enqueue(ctx context.Context, action, endpoint string, run func() error) error {
	d := t.sender.Load()
	if d == nil {
		return run()
	}
	if err := d.Enqueue(ctx, action, endpoint, run); err != nil {
		return run()
	}
	return nil
}

func (t *TelebotTransport) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	bot, err := t.client()
	if err != nil {
		return 0, err
	}
	return 0, t.enqueue(ctx, "send.text", "sendMessage", func() error {
		_, err := bot.Send(tele.ChatID(chatID), text)
		return err
	})
}

func (t *TelebotTransport) SendMarkdown(ctx context.Context, chatID int64, text string) (int, error) {
	bot, err := t.client()
	if err != nil {
		return 0, err
	}
	return 0, t.enqueue(ctx, "send.markdown", "sendMessage", func() error {
		_, err := bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{ParseMode: tele.ModeMarkdownV2})
		return err
	})
}

// SendButtons delivers inline: the menu message id has to come back to the
// caller so the pressed menu can be deleted on the next step.
func (t *TelebotTransport) SendButtons(ctx context.Context, chatID int64, text string, buttons []Button) (int, error) {
	bot, err := t.client()
	if err != nil {
		return 0, err
	}
	btns := make([]keyboard.InlineBtn, len(buttons))
	for i, b := range buttons {
		btns[i] = keyboard.InlineBtn{Text: b.Text, Data: b.Data}
	}
	opts := &tele.SendOptions{ParseMode: tele.ModeMarkdownV2, ReplyMarkup: keyboard.RawButtons(btns)}
	msg, err := bot.Send(tele.ChatID(chatID), text, opts)
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

func (t *TelebotTransport) SendDocument(ctx context.Context, chatID int64, fileName string, data []byte) error {
	bot, err := t.client()
	if err != nil {
		return err
	}
	return t.enqueue(ctx, "send.document", "sendDocument", func() error {
		doc := &tele.Document{
			File:     tele.FromReader(bytes.NewReader(data)),
			FileName: fileName,
		}
		_, err := bot.Send(tele.ChatID(chatID), doc)
		return err
	})
}

func (t *TelebotTransport) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	bot, err := t.client()
	if err != nil {
		return err
	}
	return t.enqueue(ctx, "delete.message", "deleteMessage", func() error {
		return bot.Delete(&tele.StoredMessage{
			ChatID:    chatID,
			MessageID: strconv.Itoa(messageID),
		})
	})
}
