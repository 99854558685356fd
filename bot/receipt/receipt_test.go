package receipt

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartist/taigabot/bot/creatio"
	"github.com/smartist/taigabot/bot/taiga"
)

type fakeSource struct {
	tasks    []taiga.Task
	tasksErr error
	settings *taiga.Settings
	closeErr error
	closed   int
}

func (f *fakeSource) BillableTasks(ctx context.Context, projectID int64) ([]taiga.Task, error) {
	return f.tasks, f.tasksErr
}

func (f *fakeSource) CloseBillableTasks(ctx context.Context, projectID int64) (int64, error) {
	if f.closeErr != nil {
		return 0, f.closeErr
	}
	f.closed++
	return int64(len(f.tasks)), nil
}

func (f *fakeSource) CreatioSettings(ctx context.Context) (*taiga.Settings, error) {
	if f.settings == nil {
		return nil, taiga.ErrNoSettings
	}
	return f.settings, nil
}

type crmCall struct {
	name string
	data map[string]any
}

type fakeCRM struct {
	created    []crmCall
	deleted    []string
	collection []creatio.Object
	createErr  map[string]error
	nextID     int
}

func (f *fakeCRM) CreateObject(ctx context.Context, name string, data map[string]any) (creatio.Object, error) {
	if err := f.createErr[name]; err != nil {
		return nil, err
	}
	f.created = append(f.created, crmCall{name: name, data: data})
	f.nextID++
	return creatio.Object{"Id": fmt.Sprintf("00000000-0000-0000-0000-%012d", f.nextID)}, nil
}

func (f *fakeCRM) GetCollection(ctx context.Context, name string, params ...string) ([]creatio.Object, error) {
	return f.collection, nil
}

func (f *fakeCRM) DeleteObject(ctx context.Context, name, id string) error {
	f.deleted = append(f.deleted, name+"/"+id)
	return nil
}

func dialTo(crm *fakeCRM) Dialer {
	return func(ctx context.Context, s *taiga.Settings) (CRM, error) { return crm, nil }
}

func billable(n int) []taiga.Task {
	tasks := make([]taiga.Task, 0, n)
	for i := 1; i <= n; i++ {
		tasks = append(tasks, taiga.Task{
			ID:          int64(i * 100),
			Ref:         int64(i),
			Subject:     fmt.Sprintf("task %d", i),
			BPMUserGUID: fmt.Sprintf("user-guid-%d", i),
			DeskGUID:    "desk-guid",
			Hours:       1,
			Minutes:     30,
			URL:         fmt.Sprintf("https://taiga.local/project/demo/task/%d", i),
		})
	}
	return tasks
}

func TestNormalizeTime(t *testing.T) {
	cases := []struct {
		hours, minutes float64
		wantH, wantM   int
	}{
		{0, 0, 0, 0},
		{1, 30, 1, 30},
		{0, 90, 1, 30},
		{2, 135, 4, 15},
		{0, 60, 1, 0},
		{1.5, 0, 1, 30},
		{0.25, 0, 0, 15},
		{1.5, 30, 2, 0},
		{3.9, 59.9, 4, 54},
	}
	for _, tc := range cases {
		h, m := NormalizeTime(tc.hours, tc.minutes)
		assert.Equal(t, tc.wantH, h, "hours for %v:%v", tc.hours, tc.minutes)
		assert.Equal(t, tc.wantM, m, "minutes for %v:%v", tc.hours, tc.minutes)
	}
}

func TestCreateHappyPath(t *testing.T) {
	src := &fakeSource{
		tasks:    billable(2),
		settings: &taiga.Settings{URL: "https://crm.local", APIVersion: "v4"},
	}
	crm := &fakeCRM{}
	svc := NewService(src, dialTo(crm))

	var events []EventKind
	rcpt, err := svc.Create(context.Background(), 10, func(ev Event) {
		events = append(events, ev.Kind)
	})
	require.NoError(t, err)
	require.NotNil(t, rcpt)

	assert.Equal(t, "00000000-0000-0000-0000-000000000001", rcpt.GUID)
	assert.Equal(t, "https://crm.local"+receiptPagePath+rcpt.GUID, rcpt.URL)

	require.Len(t, crm.created, 3)
	assert.Equal(t, "SLReceipt", crm.created[0].name)
	assert.Equal(t, "desk-guid", crm.created[0].data["SLTrelloDeskId"])

	item := crm.created[1]
	assert.Equal(t, "SLReceiptTask", item.name)
	assert.Equal(t, "task 1", item.data["SLName"])
	assert.Equal(t, "user-guid-1", item.data["SLExecutorId"])
	assert.Equal(t, 1, item.data["SLHours"])
	assert.Equal(t, 30, item.data["SLMinutes"])
	assert.Equal(t, rcpt.GUID, item.data["SLReceiptId"])

	assert.Equal(t, []EventKind{EventReceiptCreated, EventTaskAdded, EventTaskAdded}, events)
	assert.Equal(t, 1, src.closed)
}

func TestCreateNoBillableTasks(t *testing.T) {
	src := &fakeSource{settings: &taiga.Settings{URL: "https://crm.local"}}
	crm := &fakeCRM{}
	svc := NewService(src, dialTo(crm))

	rcpt, err := svc.Create(context.Background(), 10, nil)
	assert.Nil(t, rcpt)
	assert.ErrorIs(t, err, ErrNoBillableTasks)
	assert.Empty(t, crm.created)
}

func TestCreateMissingMappingAbortsBeforeCRM(t *testing.T) {
	tasks := billable(3)
	tasks[1].BPMUserGUID = ""
	src := &fakeSource{tasks: tasks, settings: &taiga.Settings{URL: "https://crm.local"}}
	crm := &fakeCRM{}
	svc := NewService(src, dialTo(crm))

	rcpt, err := svc.Create(context.Background(), 10, nil)
	assert.Nil(t, rcpt)

	var mm *MissingMappingError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, tasks[1].ID, mm.TaskID)
	assert.Equal(t, tasks[1].Ref, mm.Ref)
	assert.Equal(t, tasks[1].AssignedToID, mm.AssignedToID)

	// no CRM object may exist when any mapping is missing
	assert.Empty(t, crm.created)
	assert.Equal(t, 0, src.closed)
}

func TestCreateLineItemFailureStops(t *testing.T) {
	src := &fakeSource{
		tasks:    billable(2),
		settings: &taiga.Settings{URL: "https://crm.local"},
	}
	boom := errors.New("crm down")
	crm := &fakeCRM{createErr: map[string]error{"SLReceiptTask": boom}}
	svc := NewService(src, dialTo(crm))

	rcpt, err := svc.Create(context.Background(), 10, nil)
	assert.Nil(t, rcpt)
	assert.ErrorIs(t, err, boom)

	// receipt header was created, no line items, tasks untouched
	require.Len(t, crm.created, 1)
	assert.Equal(t, "SLReceipt", crm.created[0].name)
	assert.Equal(t, 0, src.closed)
}

func TestCreateReconcileError(t *testing.T) {
	boom := errors.New("taiga update failed")
	src := &fakeSource{
		tasks:    billable(1),
		settings: &taiga.Settings{URL: "https://crm.local"},
		closeErr: boom,
	}
	crm := &fakeCRM{}
	svc := NewService(src, dialTo(crm))

	rcpt, err := svc.Create(context.Background(), 10, nil)
	require.NotNil(t, rcpt)

	var re *ReconcileError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, rcpt.GUID, re.ReceiptGUID)
	assert.Equal(t, rcpt.URL, re.ReceiptURL)
	assert.Equal(t, int64(10), re.ProjectID)
	assert.ErrorIs(t, re, boom)
}

func TestFromURL(t *testing.T) {
	guid := "6f9619ff-8b86-d011-b42d-00c04fc964ff"
	url := "https://crm.local" + receiptPagePath + guid

	rcpt, err := FromURL(url)
	require.NoError(t, err)
	assert.Equal(t, guid, rcpt.GUID)
	assert.Equal(t, url, rcpt.URL)

	_, err = FromURL("https://crm.local/some/other/page")
	assert.Error(t, err)

	_, err = FromURL("https://crm.local" + receiptPagePath + "not-a-guid")
	assert.Error(t, err)
}

func TestReceiptDelete(t *testing.T) {
	crm := &fakeCRM{collection: []creatio.Object{
		{"Id": "item-1"},
		{"Id": "item-2"},
	}}
	rcpt := &Receipt{GUID: "6f9619ff-8b86-d011-b42d-00c04fc964ff"}

	require.NoError(t, rcpt.Delete(context.Background(), crm))
	assert.Equal(t, []string{
		"SLReceiptTask/item-1",
		"SLReceiptTask/item-2",
		"SLReceipt/" + rcpt.GUID,
	}, crm.deleted)
}
