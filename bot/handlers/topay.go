package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/smartist/taigabot/bot/creatio"
	"github.com/smartist/taigabot/bot/receipt"
	"github.com/smartist/taigabot/bot/session"
	"github.com/smartist/taigabot/core/telegram/format"
)

// showProjectList opens the receipt sub-flow: every project becomes a
// button carrying the topay_closer callback prefix.
func (d *Dispatcher) showProjectList(ctx context.Context, sess *session.Session) error {
	projects, err := d.projects.Projects(ctx)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		return d.sendText(ctx, sess.ChatID, "No projects found")
	}
	buttons := make([]Button, len(projects))
	for i, p := range projects {
		buttons[i] = Button{
			Text: p.Name,
			Data: fmt.Sprintf("%s#%d", CallbackPrefixTopay, p.ID),
		}
	}
	return d.showMenu(ctx, sess, session.StateReceiptProjectSelected, "Выберите проект", buttons)
}

// createReceipt runs the receipt workflow for the selected project,
// streaming progress messages as the CRM objects appear.
func (d *Dispatcher) createReceipt(ctx context.Context, sess *session.Session) error {
	projectID := sess.PendingValue
	if projectID == 0 {
		return d.sendText(ctx, sess.ChatID, "Error: project_id is None")
	}
	if err := d.sendText(ctx, sess.ChatID, "Creating receipt"); err != nil {
		return err
	}

	notify := func(ev receipt.Event) {
		switch ev.Kind {
		case receipt.EventReceiptCreated:
			_, _ = d.transport.SendText(ctx, sess.ChatID, "Receipt created, adding tasks to it")
		case receipt.EventTaskAdded:
			_, _ = d.transport.SendText(ctx, sess.ChatID, fmt.Sprintf("Task %d added to receipt", ev.Task.ID))
		}
	}

	rcpt, err := d.receipts.Create(ctx, projectID, notify)
	if err != nil {
		return d.reportReceiptError(ctx, sess.ChatID, rcpt, err)
	}
	_, err = d.transport.SendMarkdown(ctx, sess.ChatID, format.EscapeMarkdownV2(rcpt.URL))
	return err
}

// reportReceiptError delivers the full diagnostic as a text attachment and
// a short escaped summary as the chat reply.
func (d *Dispatcher) reportReceiptError(ctx context.Context, chatID int64, rcpt *receipt.Receipt, err error) error {
	d.log.Error("receipt workflow failed", "chat_id", chatID, "error", err.Error())

	if errors.Is(err, receipt.ErrNoBillableTasks) {
		return d.sendText(ctx, chatID, "Таски для закрытия не найдены")
	}

	detail := err.Error()
	var apiErr *creatio.APIError
	if errors.As(err, &apiErr) {
		detail = apiErr.Detail()
	}
	var reconcile *receipt.ReconcileError
	if errors.As(err, &reconcile) {
		detail = fmt.Sprintf("%s\n\nreceipt guid: %s\nreceipt url: %s\nproject id: %d\nreconcile by hand\n",
			reconcile.Error(), reconcile.ReceiptGUID, reconcile.ReceiptURL, reconcile.ProjectID)
	}
	if ferr := d.transport.SendDocument(ctx, chatID, "temp.txt", []byte(detail)); ferr != nil {
		d.log.Error("error attachment send failed", "chat_id", chatID, "error", ferr.Error())
	}

	_, serr := d.transport.SendMarkdown(ctx, chatID, format.EscapeMarkdownV2(err.Error()))
	if serr != nil {
		return serr
	}
	// the receipt survived the failed Taiga update, still hand over its link
	if rcpt != nil {
		_, serr = d.transport.SendMarkdown(ctx, chatID, format.EscapeMarkdownV2(rcpt.URL))
	}
	return serr
}
