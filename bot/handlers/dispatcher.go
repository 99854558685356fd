// Package handlers is the conversational core of the bot: it maps the
// current session state plus an incoming event to a handler, which reads the
// repositories, mutates the session, and emits one outbound chat action.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"log/slog"

	"github.com/smartist/taigabot/bot/receipt"
	"github.com/smartist/taigabot/bot/report"
	"github.com/smartist/taigabot/bot/session"
	"github.com/smartist/taigabot/bot/store"
	"github.com/smartist/taigabot/bot/taiga"
	"github.com/smartist/taigabot/core/logger"
)

// Callback payload prefixes. Every independent sub-flow gets its own prefix
// so one global callback handler routes each press to exactly one flow.
const (
	CallbackPrefixMain  = "main"
	CallbackPrefixTopay = "topay_closer"
)

const (
	msgUnknownState     = "Error: unknown state"
	msgUnknownCommand   = "Error: unknown command"
	msgConversationLost = "Error: conversation not found, restart your command"
	msgNoReportSelected = "Error: no report selected"
)

// Repository is the bot-side persistence surface the dispatcher needs.
type Repository interface {
	UpsertUser(ctx context.Context, telegramID int64, name, fullName string, snapshot any) error
	AllowedReports(ctx context.Context, telegramID int64) ([]store.MenuItem, error)
	AllowedCommands(ctx context.Context, telegramID int64) ([]store.MenuItem, error)
	AllReports(ctx context.Context) ([]store.MenuItem, error)
	ReportByID(ctx context.Context, id int64) (*store.Report, error)
	UpdateReportQuery(ctx context.Context, id int64, reportQuery string) error
	AllowedRoles(ctx context.Context, reportID int64) ([]store.MenuItem, error)
	UnallowedRoles(ctx context.Context, reportID int64) ([]store.MenuItem, error)
	AddGrant(ctx context.Context, roleID, reportID int64) error
	RemoveGrant(ctx context.Context, roleID, reportID int64) error
}

// ProjectSource lists Taiga projects for the receipt sub-flow.
type ProjectSource interface {
	Projects(ctx context.Context) ([]taiga.Project, error)
}

// ReportRenderer runs a report and renders its output.
type ReportRenderer interface {
	Generate(ctx context.Context, rep *store.Report) (*report.Output, error)
}

// ReceiptCreator runs the receipt workflow for one project.
type ReceiptCreator interface {
	Create(ctx context.Context, projectID int64, notify receipt.Observer) (*receipt.Receipt, error)
}

// ChatUser identifies the sender of an inbound update.
type ChatUser struct {
	ID       int64
	Username string
	FullName string
}

type stateHandler func(ctx context.Context, sess *session.Session) error

// Dispatcher routes inbound chat events through the state transition table.
type Dispatcher struct {
	sessions  session.Store
	repo      Repository
	projects  ProjectSource
	reports   ReportRenderer
	receipts  ReceiptCreator
	transport Transport
	log       *slog.Logger

	table map[session.State]stateHandler
}

// New wires a Dispatcher. Call CheckTransitions before serving traffic.
func New(
	sessions session.Store,
	repo Repository,
	projects ProjectSource,
	reports ReportRenderer,
	receipts ReceiptCreator,
	transport Transport,
) *Dispatcher {
	d := &Dispatcher{
		sessions:  sessions,
		repo:      repo,
		projects:  projects,
		reports:   reports,
		receipts:  receipts,
		transport: transport,
		log:       logger.TG,
	}
	d.table = map[session.State]stateHandler{
		session.StateShowCommands:           d.showAllowedCommands,
		session.StateCommandSelected:        d.runCommand,
		session.StateShowReports:            d.showAllowedReports,
		session.StateReportSelected:         d.generateReport,
		session.StateEditReportsList:        d.editReport,
		session.StateReportChosenForEdit:    d.runEditCommand,
		session.StateEditPermissionsMenu:    d.runPermissionsCommand,
		session.StateEditPermissionsAdd:     d.addRoleGrant,
		session.StateEditPermissionsRemove:  d.removeRoleGrant,
		session.StateEditQueryPrompt:        d.promptQueryAgain,
		session.StateReceiptStarted:         d.showProjectList,
		session.StateReceiptProjectSelected: d.createReceipt,
	}
	return d
}

// CheckTransitions verifies every known state has a handler, so no
// conversation can land outside the table.
func (d *Dispatcher) CheckTransitions() error {
	var missing []string
	for _, state := range session.States() {
		if _, ok := d.table[state]; !ok {
			missing = append(missing, string(state))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("handlers: states without a handler: %s", strings.Join(missing, ", "))
	}
	return nil
}

// dispatch resolves the session's state against the transition table.
func (d *Dispatcher) dispatch(ctx context.Context, sess *session.Session) error {
	handler, ok := d.table[sess.State]
	if !ok {
		d.log.Warn("unknown state", "chat_id", sess.ChatID, "state", string(sess.State))
		return d.sendText(ctx, sess.ChatID, msgUnknownState)
	}
	return handler(ctx, sess)
}

// HandleStart registers the user durably and opens the reports menu.
func (d *Dispatcher) HandleStart(ctx context.Context, from ChatUser) error {
	sess := &session.Session{
		ChatID:   from.ID,
		Name:     from.Username,
		FullName: from.FullName,
		State:    session.StateShowReports,
	}
	if err := d.sessions.Put(ctx, sess); err != nil {
		return err
	}
	if err := d.repo.UpsertUser(ctx, from.ID, from.Username, from.FullName, sess); err != nil {
		return err
	}
	return d.dispatch(ctx, sess)
}

// HandleReports opens the reports menu for an existing or new conversation.
func (d *Dispatcher) HandleReports(ctx context.Context, from ChatUser) error {
	sess, err := d.loadOrCreate(ctx, from)
	if err != nil {
		return err
	}
	sess.State = session.StateShowReports
	return d.dispatch(ctx, sess)
}

// HandleCommands opens the commands menu.
func (d *Dispatcher) HandleCommands(ctx context.Context, from ChatUser) error {
	sess, err := d.loadOrCreate(ctx, from)
	if err != nil {
		return err
	}
	sess.State = session.StateShowCommands
	return d.dispatch(ctx, sess)
}

// HandleMyID replies with the caller's numeric chat id. No permission check,
// the id is what users send to an administrator to request access.
func (d *Dispatcher) HandleMyID(ctx context.Context, from ChatUser) error {
	return d.sendText(ctx, from.ID, strconv.FormatInt(from.ID, 10))
}

// HandleCallback processes one inline button press. The payload format is
// "<prefix>#<id>"; the triggering menu message is deleted best-effort.
func (d *Dispatcher) HandleCallback(ctx context.Context, from ChatUser, messageID int, data string) error {
	prefix, value, err := splitCallback(data)
	if err != nil {
		d.log.Warn("bad callback payload", "chat_id", from.ID, "data", data)
		return d.sendText(ctx, from.ID, msgUnknownCommand)
	}
	sess, serr := d.sessions.Get(ctx, from.ID)
	// a press without a message id still removes the last menu the bot
	// recorded for this chat
	if messageID == 0 && serr == nil {
		messageID = sess.LastMessageID
	}
	if messageID != 0 {
		if err := d.transport.DeleteMessage(ctx, from.ID, messageID); err != nil {
			d.log.Debug("menu message delete failed", "chat_id", from.ID, "message_id", messageID)
		}
	}
	switch {
	case errors.Is(serr, session.ErrNotFound):
		return d.sendText(ctx, from.ID, msgConversationLost)
	case errors.Is(serr, session.ErrUnknownState):
		return d.sendText(ctx, from.ID, msgUnknownState)
	case serr != nil:
		return serr
	}
	sess.PendingValue = value
	if prefix == CallbackPrefixTopay {
		sess.State = session.StateReceiptProjectSelected
	}
	return d.dispatch(ctx, sess)
}

// HandleText processes a free-text reply. Only the edit-query prompt
// consumes text; anything else is ignored.
func (d *Dispatcher) HandleText(ctx context.Context, from ChatUser, text string) error {
	sess, err := d.sessions.Get(ctx, from.ID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return nil
	case errors.Is(err, session.ErrUnknownState):
		return d.sendText(ctx, from.ID, msgUnknownState)
	case err != nil:
		return err
	}
	if sess.State != session.StateEditQueryPrompt {
		return nil
	}
	return d.applyReportQuery(ctx, sess, text)
}

func (d *Dispatcher) loadOrCreate(ctx context.Context, from ChatUser) (*session.Session, error) {
	sess, err := d.sessions.Get(ctx, from.ID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, session.ErrNotFound) && !errors.Is(err, session.ErrUnknownState) {
		return nil, err
	}
	sess = &session.Session{
		ChatID:   from.ID,
		Name:     from.Username,
		FullName: from.FullName,
	}
	if err := d.sessions.Put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (d *Dispatcher) sendText(ctx context.Context, chatID int64, text string) error {
	_, err := d.transport.SendText(ctx, chatID, text)
	return err
}

// splitCallback parses "<prefix>#<id>".
func splitCallback(data string) (string, int64, error) {
	prefix, rawID, ok := strings.Cut(data, "#")
	if !ok {
		return "", 0, fmt.Errorf("handlers: callback %q has no separator", data)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("handlers: callback %q: %w", data, err)
	}
	return prefix, id, nil
}
