// Package receipt drives the cross-system billing workflow: eligible Taiga
// tasks become one CRM receipt with a line item per task, then the tasks are
// moved to their finished status.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/smartist/taigabot/bot/creatio"
	"github.com/smartist/taigabot/bot/taiga"
	"github.com/smartist/taigabot/core/logger"
)

// ErrNoBillableTasks is returned when a project has no tasks awaiting
// payment. An empty receipt is never created.
var ErrNoBillableTasks = errors.New("receipt: no billable tasks found")

// MissingMappingError marks a task whose assignee has no CRM identity. This
// is a data problem needing human remediation, not a retryable condition.
type MissingMappingError struct {
	TaskID       int64
	Ref          int64
	AssignedToID int64
	URL          string
}

func (e *MissingMappingError) Error() string {
	return fmt.Sprintf("receipt: task %d (ref %d, %s): taiga user %d has no CRM identity mapping",
		e.TaskID, e.Ref, e.URL, e.AssignedToID)
}

// ReconcileError marks the cross-system inconsistency where the CRM receipt
// exists but the Taiga status update failed. The guid and project id are
// carried so an operator can repair by hand.
type ReconcileError struct {
	ReceiptGUID string
	ReceiptURL  string
	ProjectID   int64
	Err         error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("receipt: receipt %s created but taiga status update failed for project %d: %v",
		e.ReceiptGUID, e.ProjectID, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// NormalizeTime folds tracked hours and minutes into whole hours plus a
// remainder below sixty. Upstream data entry produces minute values past 59
// and fractional values like 1.5 hours; the total is rounded to whole
// minutes so no tracked time is dropped.
func NormalizeTime(hours, minutes float64) (int, int) {
	total := int(math.Round(hours*60 + minutes))
	return total / 60, total % 60
}

const receiptPagePath = "/Nui/ViewModule.aspx#CardModuleV2/SLReceipt1Page/edit/"

// Receipt is a created CRM receipt, identified by guid with a deep link into
// the CRM card UI.
type Receipt struct {
	GUID string
	URL  string
}

func newReceipt(host, guid string) *Receipt {
	return &Receipt{GUID: guid, URL: host + receiptPagePath + guid}
}

// FromURL reconstructs a Receipt from a previously delivered deep link. Used
// by test cleanup to roll a receipt back by guid.
func FromURL(url string) (*Receipt, error) {
	idx := strings.Index(url, receiptPagePath)
	if idx < 0 {
		return nil, fmt.Errorf("receipt: %q is not a receipt link", url)
	}
	guid := url[idx+len(receiptPagePath):]
	if _, err := uuid.Parse(guid); err != nil {
		return nil, fmt.Errorf("receipt: bad guid in %q: %w", url, err)
	}
	return &Receipt{GUID: guid, URL: url}, nil
}

// Delete removes the receipt's line items and then the receipt itself.
// Cleanup only; the production path never compensates automatically.
func (r *Receipt) Delete(ctx context.Context, crm CRM) error {
	items, err := crm.GetCollection(ctx, "SLReceiptTask",
		fmt.Sprintf("filter=SLReceipt/Id eq guid'%s'", r.GUID))
	if err != nil {
		return fmt.Errorf("receipt: list line items of %s: %w", r.GUID, err)
	}
	for _, item := range items {
		if err := crm.DeleteObject(ctx, "SLReceiptTask", item.ID()); err != nil {
			return fmt.Errorf("receipt: delete line item %s: %w", item.ID(), err)
		}
	}
	if err := crm.DeleteObject(ctx, "SLReceipt", r.GUID); err != nil {
		return fmt.Errorf("receipt: delete receipt %s: %w", r.GUID, err)
	}
	return nil
}

// CRM is the connector surface the workflow needs.
type CRM interface {
	CreateObject(ctx context.Context, name string, data map[string]any) (creatio.Object, error)
	GetCollection(ctx context.Context, name string, params ...string) ([]creatio.Object, error)
	DeleteObject(ctx context.Context, name, id string) error
}

// TaskSource is the Taiga side of the workflow.
type TaskSource interface {
	BillableTasks(ctx context.Context, projectID int64) ([]taiga.Task, error)
	CloseBillableTasks(ctx context.Context, projectID int64) (int64, error)
	CreatioSettings(ctx context.Context) (*taiga.Settings, error)
}

// Dialer opens an authenticated CRM session from stored settings.
type Dialer func(ctx context.Context, s *taiga.Settings) (CRM, error)

// DialCreatio is the production Dialer.
func DialCreatio(ctx context.Context, s *taiga.Settings) (CRM, error) {
	version, err := creatio.ParseODataVersion(s.APIVersion)
	if err != nil {
		return nil, err
	}
	return creatio.NewClient(ctx, s.URL, s.User, s.Password, version)
}

// EventKind tags workflow progress notifications.
type EventKind int

const (
	// EventReceiptCreated fires after the receipt object exists in the CRM.
	EventReceiptCreated EventKind = iota
	// EventTaskAdded fires after each line item is created.
	EventTaskAdded
)

// Event is one progress notification delivered to the observer.
type Event struct {
	Kind EventKind
	Task *taiga.Task
}

// Observer receives progress events during Create. May be nil.
type Observer func(Event)

// Service runs the receipt workflow.
type Service struct {
	source TaskSource
	dial   Dialer
}

// NewService wires the workflow. dial defaults to DialCreatio when nil.
func NewService(source TaskSource, dial Dialer) *Service {
	if dial == nil {
		dial = DialCreatio
	}
	return &Service{source: source, dial: dial}
}

// Create builds one receipt for the project's billable tasks.
//
// Order of operations: fetch tasks, verify every assignee has a CRM
// identity, create the receipt, create one line item per task, then move
// the tasks to finished. Any failure aborts the remaining steps; already
// created CRM objects are left in place. A failure of the final Taiga
// update is returned as *ReconcileError together with the receipt.
func (s *Service) Create(ctx context.Context, projectID int64, notify Observer) (*Receipt, error) {
	log := logger.RCPT
	tasks, err := s.source.BillableTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrNoBillableTasks
	}
	for i := range tasks {
		if tasks[i].BPMUserGUID == "" {
			return nil, &MissingMappingError{
				TaskID:       tasks[i].ID,
				Ref:          tasks[i].Ref,
				AssignedToID: tasks[i].AssignedToID,
				URL:          tasks[i].URL,
			}
		}
	}

	settings, err := s.source.CreatioSettings(ctx)
	if err != nil {
		return nil, err
	}
	crm, err := s.dial(ctx, settings)
	if err != nil {
		return nil, err
	}

	obj, err := crm.CreateObject(ctx, "SLReceipt", map[string]any{
		"SLTrelloDeskId": tasks[0].DeskGUID,
	})
	if err != nil {
		return nil, err
	}
	guid := obj.ID()
	if guid == "" {
		return nil, fmt.Errorf("receipt: receipt created without an id")
	}
	rcpt := newReceipt(settings.URL, guid)
	log.Info("receipt created", "guid", guid, "project_id", projectID, "tasks", len(tasks))
	if notify != nil {
		notify(Event{Kind: EventReceiptCreated})
	}

	for i := range tasks {
		task := &tasks[i]
		hours, minutes := NormalizeTime(task.Hours, task.Minutes)
		_, err := crm.CreateObject(ctx, "SLReceiptTask", map[string]any{
			"SLName":       task.Subject,
			"SLExecutorId": task.BPMUserGUID,
			"SLHours":      hours,
			"SLMinutes":    minutes,
			"SLCardLink":   task.URL,
			"SLReceiptId":  guid,
		})
		if err != nil {
			return nil, fmt.Errorf("receipt: add task %d to receipt %s: %w", task.ID, guid, err)
		}
		log.Debug("line item created", "task_id", task.ID, "ref", task.Ref, "guid", guid)
		if notify != nil {
			notify(Event{Kind: EventTaskAdded, Task: task})
		}
	}

	if _, err := s.source.CloseBillableTasks(ctx, projectID); err != nil {
		rerr := &ReconcileError{ReceiptGUID: guid, ReceiptURL: rcpt.URL, ProjectID: projectID, Err: err}
		log.Error("taiga status update failed after receipt creation",
			"guid", guid, "project_id", projectID, "error", err)
		return rcpt, rerr
	}
	return rcpt, nil
}
