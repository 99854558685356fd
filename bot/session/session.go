// Package session stores per-chat conversation state for the bot.
// A Session is the single source of truth for where a user is inside a
// multi-step flow; it is serialized to JSON and kept in Redis so the process
// can be restarted without losing open conversations.
package session

import (
	"context"
	"errors"
	"fmt"
)

// State identifies a position in the conversation state machine.
// The tag is what gets persisted, so the constants must stay stable.
type State string

const (
	// StateShowCommands lists the commands available to the user.
	StateShowCommands State = "show_commands"
	// StateCommandSelected means a command button was pressed and the
	// pending value carries the command id.
	StateCommandSelected State = "command_selected"
	// StateShowReports lists the reports available to the user.
	StateShowReports State = "show_reports"
	// StateReportSelected means a report button was pressed and the pending
	// value carries the report id.
	StateReportSelected State = "report_selected"
	// StateEditReportsList lists every report for admin editing.
	StateEditReportsList State = "edit_reports_list"
	// StateReportChosenForEdit shows the edit menu for one report.
	StateReportChosenForEdit State = "report_chosen"
	// StateEditPermissionsMenu shows allowed/unallowed roles with add/remove.
	StateEditPermissionsMenu State = "edit_permissions"
	// StateEditPermissionsAdd lists roles a grant can be added for.
	StateEditPermissionsAdd State = "edit_permissions_add"
	// StateEditPermissionsRemove lists roles a grant can be removed from.
	StateEditPermissionsRemove State = "edit_permissions_remove"
	// StateEditQueryPrompt waits for a free-text replacement query.
	StateEditQueryPrompt State = "edit_query"

	// StateReceiptStarted lists projects for the receipt sub-flow.
	StateReceiptStarted State = "receipt_started"
	// StateReceiptProjectSelected means a project button was pressed and the
	// pending value carries the project id.
	StateReceiptProjectSelected State = "receipt_project"
)

// Command ids match the rows seeded into the bot_commands table; button
// callbacks carry them as the pending value.
const (
	CommandCloseToPay        int64 = 1
	CommandEditReports       int64 = 2
	CommandEditPermissions   int64 = 3
	CommandEditQuery         int64 = 4
	CommandPermissionsAdd    int64 = 5
	CommandPermissionsRemove int64 = 6
)

var knownStates = map[State]struct{}{
	StateShowCommands:           {},
	StateCommandSelected:        {},
	StateShowReports:            {},
	StateReportSelected:         {},
	StateEditReportsList:        {},
	StateReportChosenForEdit:    {},
	StateEditPermissionsMenu:    {},
	StateEditPermissionsAdd:     {},
	StateEditPermissionsRemove:  {},
	StateEditQueryPrompt:        {},
	StateReceiptStarted:         {},
	StateReceiptProjectSelected: {},
}

var (
	// ErrNotFound is returned when no session exists for a chat id.
	ErrNotFound = errors.New("session: not found")
	// ErrUnknownState is returned when a stored state tag is not recognized.
	// Unknown tags are rejected explicitly instead of silently defaulting.
	ErrUnknownState = errors.New("session: unknown state")
)

// ParseState validates a persisted state tag.
func ParseState(raw string) (State, error) {
	st := State(raw)
	if _, ok := knownStates[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, raw)
	}
	return st, nil
}

// Valid reports whether the state is one of the known tags.
func (s State) Valid() bool {
	_, ok := knownStates[s]
	return ok
}

// States returns every known state tag; the dispatcher uses it to verify the
// transition table is complete.
func States() []State {
	out := make([]State, 0, len(knownStates))
	for st := range knownStates {
		out = append(out, st)
	}
	return out
}

// Session is the per-chat conversation record.
//
// PendingValue holds the last numeric button selection (report, role, command
// or project id) and is overwritten on every new selection. ReportID is sticky
// across the whole edit sub-flow because each of its steps introduces a new
// pending value while the edited report must stay the same.
type Session struct {
	ChatID        int64  `json:"chat_id"`
	Name          string `json:"name,omitempty"`
	FullName      string `json:"full_name,omitempty"`
	State         State  `json:"bot_state,omitempty"`
	PendingValue  int64  `json:"bot_state_value,omitempty"`
	ReportID      int64  `json:"report_id,omitempty"`
	LastMessageID int    `json:"last_message_id,omitempty"`
}

// Store persists sessions keyed by chat id.
type Store interface {
	Get(ctx context.Context, chatID int64) (*Session, error)
	Put(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, chatID int64) error
}
