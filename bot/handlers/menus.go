package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smartist/taigabot/bot/report"
	"github.com/smartist/taigabot/bot/session"
	"github.com/smartist/taigabot/bot/store"
)

// showMenu persists the session in its next state, then renders the menu
// and remembers the menu message id so the next callback can delete it.
func (d *Dispatcher) showMenu(ctx context.Context, sess *session.Session, next session.State, text string, buttons []Button) error {
	sess.State = next
	if err := d.sessions.Put(ctx, sess); err != nil {
		return err
	}
	msgID, err := d.transport.SendButtons(ctx, sess.ChatID, text, buttons)
	if err != nil {
		return err
	}
	sess.LastMessageID = msgID
	return d.sessions.Put(ctx, sess)
}

func menuButtons(items []store.MenuItem, prefix string) []Button {
	buttons := make([]Button, len(items))
	for i, item := range items {
		buttons[i] = Button{
			Text: item.Name,
			Data: fmt.Sprintf("%s#%d", prefix, item.ID),
		}
	}
	return buttons
}

func (d *Dispatcher) showAllowedReports(ctx context.Context, sess *session.Session) error {
	reports, err := d.repo.AllowedReports(ctx, sess.ChatID)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		text := fmt.Sprintf("You have no allowed reports\nsend you id to administrator:\n%d", sess.ChatID)
		return d.sendText(ctx, sess.ChatID, text)
	}
	return d.showMenu(ctx, sess, session.StateReportSelected,
		"Доступные отчеты", menuButtons(reports, CallbackPrefixMain))
}

func (d *Dispatcher) showAllowedCommands(ctx context.Context, sess *session.Session) error {
	commands, err := d.repo.AllowedCommands(ctx, sess.ChatID)
	if err != nil {
		return err
	}
	if len(commands) == 0 {
		return d.sendText(ctx, sess.ChatID, "You have no allowed commands")
	}
	return d.showMenu(ctx, sess, session.StateCommandSelected,
		"Доступные команды", menuButtons(commands, CallbackPrefixMain))
}

// runCommand dispatches a pressed command button by its bot_commands id.
func (d *Dispatcher) runCommand(ctx context.Context, sess *session.Session) error {
	switch sess.PendingValue {
	case session.CommandCloseToPay:
		sess.State = session.StateReceiptStarted
		return d.showProjectList(ctx, sess)
	case session.CommandEditReports:
		return d.editReportsList(ctx, sess)
	default:
		d.log.Warn("unknown command", "chat_id", sess.ChatID, "command_id", sess.PendingValue)
		return d.sendText(ctx, sess.ChatID, msgUnknownCommand)
	}
}

func (d *Dispatcher) generateReport(ctx context.Context, sess *session.Session) error {
	if sess.PendingValue == 0 {
		return d.sendText(ctx, sess.ChatID, msgNoReportSelected)
	}
	rep, err := d.repo.ReportByID(ctx, sess.PendingValue)
	if errors.Is(err, store.ErrReportNotFound) {
		return d.sendText(ctx, sess.ChatID, "Error: report not found in database")
	}
	if err != nil {
		return err
	}
	out, err := d.reports.Generate(ctx, rep)
	switch {
	case errors.Is(err, report.ErrNoData):
		return d.sendText(ctx, sess.ChatID, "No data")
	case errors.Is(err, report.ErrUnknownEngine):
		return d.sendText(ctx, sess.ChatID, "Unknown report engine")
	case err != nil:
		return err
	}
	if len(out.FileData) > 0 {
		return d.transport.SendDocument(ctx, sess.ChatID, out.FileName, out.FileData)
	}
	if out.Markdown {
		_, err = d.transport.SendMarkdown(ctx, sess.ChatID, out.Text)
		return err
	}
	return d.sendText(ctx, sess.ChatID, out.Text)
}

func (d *Dispatcher) editReportsList(ctx context.Context, sess *session.Session) error {
	if sess.PendingValue == 0 {
		return d.sendText(ctx, sess.ChatID, msgNoReportSelected)
	}
	reports, err := d.repo.AllReports(ctx)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return d.sendText(ctx, sess.ChatID, "No reports found")
	}
	return d.showMenu(ctx, sess, session.StateEditReportsList,
		"Редактировать отчет", menuButtons(reports, CallbackPrefixMain))
}

// editReport shows the chosen report's name and query with the edit menu.
// The report id becomes sticky in the session for the sub-flow that follows.
func (d *Dispatcher) editReport(ctx context.Context, sess *session.Session) error {
	if sess.PendingValue == 0 {
		return d.sendText(ctx, sess.ChatID, msgNoReportSelected)
	}
	sess.ReportID = sess.PendingValue
	rep, err := d.repo.ReportByID(ctx, sess.ReportID)
	if errors.Is(err, store.ErrReportNotFound) {
		return d.sendText(ctx, sess.ChatID, "Error: report not found")
	}
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Отчет: `%s`\n```sql\n%s\n```", rep.Name, rep.Query)
	buttons := []Button{
		{Text: "Редактировать разрешения", Data: fmt.Sprintf("%s#%d", CallbackPrefixMain, session.CommandEditPermissions)},
		{Text: "Редактировать запрос", Data: fmt.Sprintf("%s#%d", CallbackPrefixMain, session.CommandEditQuery)},
	}
	return d.showMenu(ctx, sess, session.StateReportChosenForEdit, text, buttons)
}

// runEditCommand dispatches inside the per-report edit menu.
func (d *Dispatcher) runEditCommand(ctx context.Context, sess *session.Session) error {
	switch sess.PendingValue {
	case session.CommandEditPermissions:
		return d.editReportPermissions(ctx, sess)
	case session.CommandEditQuery:
		return d.editReportQuery(ctx, sess)
	default:
		return d.sendText(ctx, sess.ChatID, msgUnknownCommand)
	}
}

func roleNames(items []store.MenuItem) string {
	names := make([]string, len(items))
	for i, item := range items {
		names[i] = item.Name
	}
	return strings.Join(names, "\n")
}

func (d *Dispatcher) editReportPermissions(ctx context.Context, sess *session.Session) error {
	if sess.ReportID == 0 {
		return d.sendText(ctx, sess.ChatID, msgNoReportSelected)
	}
	rep, err := d.repo.ReportByID(ctx, sess.ReportID)
	if errors.Is(err, store.ErrReportNotFound) {
		return d.sendText(ctx, sess.ChatID, "Error: report not found")
	}
	if err != nil {
		return err
	}
	allowed, err := d.repo.AllowedRoles(ctx, sess.ReportID)
	if err != nil {
		return err
	}
	unallowed, err := d.repo.UnallowedRoles(ctx, sess.ReportID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf(
		"Редактировать разрешения\n\nОтчет: `%s`\n\nРазрешенные роли:\n```\n%s\n```\n\nНеразрешенные роли:\n```\n%s\n```",
		rep.Name, roleNames(allowed), roleNames(unallowed))
	buttons := []Button{
		{Text: "Добавить разрешение", Data: fmt.Sprintf("%s#%d", CallbackPrefixMain, session.CommandPermissionsAdd)},
		{Text: "Удалить разрешение", Data: fmt.Sprintf("%s#%d", CallbackPrefixMain, session.CommandPermissionsRemove)},
	}
	return d.showMenu(ctx, sess, session.StateEditPermissionsMenu, text, buttons)
}

// runPermissionsCommand dispatches the add/remove choice.
func (d *Dispatcher) runPermissionsCommand(ctx context.Context, sess *session.Session) error {
	switch sess.PendingValue {
	case session.CommandPermissionsAdd:
		return d.editReportPermissionsAdd(ctx, sess)
	case session.CommandPermissionsRemove:
		return d.editReportPermissionsRemove(ctx, sess)
	default:
		return d.sendText(ctx, sess.ChatID, msgUnknownCommand)
	}
}

func (d *Dispatcher) editReportPermissionsAdd(ctx context.Context, sess *session.Session) error {
	if sess.ReportID == 0 {
		return d.sendText(ctx, sess.ChatID, msgNoReportSelected)
	}
	rep, err := d.repo.ReportByID(ctx, sess.ReportID)
	if err != nil {
		return err
	}
	roles, err := d.repo.UnallowedRoles(ctx, sess.ReportID)
	if err != nil {
		return err
	}
	if len(roles) == 0 {
		return d.sendText(ctx, sess.ChatID, "All roles are allowed")
	}
	text := fmt.Sprintf("Добавить разрешение\n\nОтчет: `%s`", rep.Name)
	return d.showMenu(ctx, sess, session.StateEditPermissionsAdd,
		text, menuButtons(roles, CallbackPrefixMain))
}

func (d *Dispatcher) editReportPermissionsRemove(ctx context.Context, sess *session.Session) error {
	if sess.ReportID == 0 {
		return d.sendText(ctx, sess.ChatID, msgNoReportSelected)
	}
	rep, err := d.repo.ReportByID(ctx, sess.ReportID)
	if err != nil {
		return err
	}
	roles, err := d.repo.AllowedRoles(ctx, sess.ReportID)
	if err != nil {
		return err
	}
	if len(roles) == 0 {
		return d.sendText(ctx, sess.ChatID, "All roles are unallowed")
	}
	text := fmt.Sprintf("Удалить разрешение\n\nОтчет: `%s`", rep.Name)
	return d.showMenu(ctx, sess, session.StateEditPermissionsRemove,
		text, menuButtons(roles, CallbackPrefixMain))
}

func (d *Dispatcher) addRoleGrant(ctx context.Context, sess *session.Session) error {
	if sess.PendingValue == 0 {
		return d.sendText(ctx, sess.ChatID, msgNoReportSelected)
	}
	if err := d.repo.AddGrant(ctx, sess.PendingValue, sess.ReportID); err != nil {
		return err
	}
	d.log.Info("permission added", "chat_id", sess.ChatID, "role_id", sess.PendingValue, "report_id", sess.ReportID)
	return d.sendText(ctx, sess.ChatID, "Permission added")
}

func (d *Dispatcher) removeRoleGrant(ctx context.Context, sess *session.Session) error {
	if sess.PendingValue == 0 {
		return d.sendText(ctx, sess.ChatID, msgNoReportSelected)
	}
	if err := d.repo.RemoveGrant(ctx, sess.PendingValue, sess.ReportID); err != nil {
		return err
	}
	d.log.Info("permission removed", "chat_id", sess.ChatID, "role_id", sess.PendingValue, "report_id", sess.ReportID)
	return d.sendText(ctx, sess.ChatID, "Permission removed")
}

// editReportQuery shows the current query and prompts for a replacement,
// which arrives as the next free-text message.
func (d *Dispatcher) editReportQuery(ctx context.Context, sess *session.Session) error {
	if sess.ReportID == 0 {
		return d.sendText(ctx, sess.ChatID, msgNoReportSelected)
	}
	rep, err := d.repo.ReportByID(ctx, sess.ReportID)
	if errors.Is(err, store.ErrReportNotFound) {
		return d.sendText(ctx, sess.ChatID, "Error: report not found")
	}
	if err != nil {
		return err
	}
	sess.State = session.StateEditQueryPrompt
	if err := d.sessions.Put(ctx, sess); err != nil {
		return err
	}
	text := fmt.Sprintf("Редактировать запрос\nОтчет: %s\n\n%s\n\nВведите новый запрос", rep.Name, rep.Query)
	return d.sendText(ctx, sess.ChatID, text)
}

// promptQueryAgain covers a stray button press while the bot is waiting for
// the replacement query text.
func (d *Dispatcher) promptQueryAgain(ctx context.Context, sess *session.Session) error {
	return d.sendText(ctx, sess.ChatID, "Введите новый запрос")
}

func (d *Dispatcher) applyReportQuery(ctx context.Context, sess *session.Session, text string) error {
	if sess.ReportID == 0 {
		return d.sendText(ctx, sess.ChatID, msgNoReportSelected)
	}
	if err := d.repo.UpdateReportQuery(ctx, sess.ReportID, text); err != nil {
		return err
	}
	d.log.Info("report query updated", "chat_id", sess.ChatID, "report_id", sess.ReportID)
	return d.sendText(ctx, sess.ChatID, "Query updated")
}
