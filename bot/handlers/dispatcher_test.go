package handlers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartist/taigabot/bot/receipt"
	"github.com/smartist/taigabot/bot/report"
	"github.com/smartist/taigabot/bot/session"
	"github.com/smartist/taigabot/bot/store"
	"github.com/smartist/taigabot/bot/taiga"
	"github.com/smartist/taigabot/core/telegram/format"
)

type memStore struct {
	sessions map[int64]*session.Session
}

func newMemStore() *memStore {
	return &memStore{sessions: map[int64]*session.Session{}}
}

func (m *memStore) Get(ctx context.Context, chatID int64) (*session.Session, error) {
	sess, ok := m.sessions[chatID]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *sess
	if cp.State != "" && !cp.State.Valid() {
		return &cp, session.ErrUnknownState
	}
	return &cp, nil
}

func (m *memStore) Put(ctx context.Context, sess *session.Session) error {
	cp := *sess
	m.sessions[sess.ChatID] = &cp
	return nil
}

func (m *memStore) Delete(ctx context.Context, chatID int64) error {
	delete(m.sessions, chatID)
	return nil
}

type sent struct {
	kind    string // text, markdown, buttons, document, delete
	chatID  int64
	text    string
	buttons []Button
	file    string
	data    []byte
}

type fakeTransport struct {
	log    []sent
	nextID int
}

func (f *fakeTransport) record(s sent) int {
	f.log = append(f.log, s)
	f.nextID++
	return f.nextID
}

func (f *fakeTransport) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	return f.record(sent{kind: "text", chatID: chatID, text: text}), nil
}

func (f *fakeTransport) SendMarkdown(ctx context.Context, chatID int64, text string) (int, error) {
	return f.record(sent{kind: "markdown", chatID: chatID, text: text}), nil
}

func (f *fakeTransport) SendButtons(ctx context.Context, chatID int64, text string, buttons []Button) (int, error) {
	return f.record(sent{kind: "buttons", chatID: chatID, text: text, buttons: buttons}), nil
}

func (f *fakeTransport) SendDocument(ctx context.Context, chatID int64, name string, data []byte) error {
	f.record(sent{kind: "document", chatID: chatID, file: name, data: data})
	return nil
}

func (f *fakeTransport) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	f.record(sent{kind: "delete", chatID: chatID, text: fmt.Sprint(messageID)})
	return nil
}

func (f *fakeTransport) last() sent {
	if len(f.log) == 0 {
		return sent{}
	}
	return f.log[len(f.log)-1]
}

type fakeRepo struct {
	allowedReports []store.MenuItem
	allowedCmds    []store.MenuItem
	allReports     []store.MenuItem
	reports        map[int64]*store.Report
	allowedRoles   []store.MenuItem
	unallowedRoles []store.MenuItem

	upserts      int
	grantsAdded  [][2]int64
	grantsPulled [][2]int64
	queryUpdates map[int64]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		reports:      map[int64]*store.Report{},
		queryUpdates: map[int64]string{},
	}
}

func (r *fakeRepo) UpsertUser(ctx context.Context, telegramID int64, name, fullName string, snapshot any) error {
	r.upserts++
	return nil
}

func (r *fakeRepo) AllowedReports(ctx context.Context, telegramID int64) ([]store.MenuItem, error) {
	return r.allowedReports, nil
}

func (r *fakeRepo) AllowedCommands(ctx context.Context, telegramID int64) ([]store.MenuItem, error) {
	return r.allowedCmds, nil
}

func (r *fakeRepo) AllReports(ctx context.Context) ([]store.MenuItem, error) {
	return r.allReports, nil
}

func (r *fakeRepo) ReportByID(ctx context.Context, id int64) (*store.Report, error) {
	rep, ok := r.reports[id]
	if !ok {
		return nil, store.ErrReportNotFound
	}
	return rep, nil
}

func (r *fakeRepo) UpdateReportQuery(ctx context.Context, id int64, reportQuery string) error {
	r.queryUpdates[id] = reportQuery
	return nil
}

func (r *fakeRepo) AllowedRoles(ctx context.Context, reportID int64) ([]store.MenuItem, error) {
	return r.allowedRoles, nil
}

func (r *fakeRepo) UnallowedRoles(ctx context.Context, reportID int64) ([]store.MenuItem, error) {
	return r.unallowedRoles, nil
}

func (r *fakeRepo) AddGrant(ctx context.Context, roleID, reportID int64) error {
	r.grantsAdded = append(r.grantsAdded, [2]int64{roleID, reportID})
	return nil
}

func (r *fakeRepo) RemoveGrant(ctx context.Context, roleID, reportID int64) error {
	r.grantsPulled = append(r.grantsPulled, [2]int64{roleID, reportID})
	return nil
}

type fakeProjects struct {
	projects []taiga.Project
}

func (f *fakeProjects) Projects(ctx context.Context) ([]taiga.Project, error) {
	return f.projects, nil
}

type fakeRenderer struct {
	out *report.Output
	err error
}

func (f *fakeRenderer) Generate(ctx context.Context, rep *store.Report) (*report.Output, error) {
	return f.out, f.err
}

type fakeReceipts struct {
	rcpt      *receipt.Receipt
	err       error
	events    []receipt.Event
	projectID int64
}

func (f *fakeReceipts) Create(ctx context.Context, projectID int64, notify receipt.Observer) (*receipt.Receipt, error) {
	f.projectID = projectID
	if notify != nil {
		for _, ev := range f.events {
			notify(ev)
		}
	}
	return f.rcpt, f.err
}

type fixture struct {
	store     *memStore
	repo      *fakeRepo
	projects  *fakeProjects
	renderer  *fakeRenderer
	receipts  *fakeReceipts
	transport *fakeTransport
	d         *Dispatcher
}

func newFixture() *fixture {
	f := &fixture{
		store:     newMemStore(),
		repo:      newFakeRepo(),
		projects:  &fakeProjects{},
		renderer:  &fakeRenderer{},
		receipts:  &fakeReceipts{},
		transport: &fakeTransport{},
	}
	f.d = New(f.store, f.repo, f.projects, f.renderer, f.receipts, f.transport)
	return f
}

func (f *fixture) session(chatID int64) *session.Session {
	sess, ok := f.store.sessions[chatID]
	if !ok {
		return nil
	}
	return sess
}

var ctx = context.Background()

func TestCheckTransitionsComplete(t *testing.T) {
	assert.NoError(t, newFixture().d.CheckTransitions())
}

func TestStartShowsReportsMenu(t *testing.T) {
	f := newFixture()
	f.repo.allowedReports = []store.MenuItem{{ID: 1, Name: "Hours"}, {ID: 2, Name: "Costs"}}

	require.NoError(t, f.d.HandleStart(ctx, ChatUser{ID: 100, Username: "alice"}))

	assert.Equal(t, 1, f.repo.upserts)
	msg := f.transport.last()
	assert.Equal(t, "buttons", msg.kind)
	assert.Equal(t, "Доступные отчеты", msg.text)
	require.Len(t, msg.buttons, 2)
	assert.Equal(t, "Hours", msg.buttons[0].Text)
	assert.Equal(t, "main#1", msg.buttons[0].Data)

	sess := f.session(100)
	require.NotNil(t, sess)
	assert.Equal(t, session.StateReportSelected, sess.State)
	assert.NotZero(t, sess.LastMessageID)
}

func TestStartWithoutPermissions(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.d.HandleStart(ctx, ChatUser{ID: 999}))

	msg := f.transport.last()
	assert.Equal(t, "text", msg.kind)
	assert.Equal(t, "You have no allowed reports\nsend you id to administrator:\n999", msg.text)
}

func TestCommandsMenuEmpty(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.d.HandleCommands(ctx, ChatUser{ID: 100}))
	assert.Equal(t, "You have no allowed commands", f.transport.last().text)
}

func TestMyID(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.d.HandleMyID(ctx, ChatUser{ID: 4242}))
	assert.Equal(t, "4242", f.transport.last().text)
}

func TestCallbackConversationLost(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#1"))
	assert.Equal(t, "Error: conversation not found, restart your command", f.transport.last().text)
}

func TestCallbackUnknownStoredState(t *testing.T) {
	f := newFixture()
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.State("legacy_state")}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#1"))
	assert.Equal(t, "Error: unknown state", f.transport.last().text)
}

func TestCallbackBadPayload(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "no separator"))
	assert.Equal(t, "Error: unknown command", f.transport.last().text)
}

func TestCallbackDeletesMenuMessage(t *testing.T) {
	f := newFixture()
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateShowReports}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 55, "main#1"))
	require.NotEmpty(t, f.transport.log)
	assert.Equal(t, "delete", f.transport.log[0].kind)
	assert.Equal(t, "55", f.transport.log[0].text)
}

func TestCallbackDeletesRecordedMenuWhenPressCarriesNoID(t *testing.T) {
	f := newFixture()
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateShowReports, LastMessageID: 77}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#1"))
	require.NotEmpty(t, f.transport.log)
	assert.Equal(t, "delete", f.transport.log[0].kind)
	assert.Equal(t, "77", f.transport.log[0].text)
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture()
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateCommandSelected}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#99"))
	assert.Equal(t, "Error: unknown command", f.transport.last().text)
}

func TestGenerateReportMarkdown(t *testing.T) {
	f := newFixture()
	f.repo.reports[5] = &store.Report{ID: 5, Name: "Hours", Engine: "md"}
	f.renderer.out = &report.Output{Text: "```\ntable\n```", Markdown: true}
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateReportSelected}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#5"))
	msg := f.transport.last()
	assert.Equal(t, "markdown", msg.kind)
	assert.Equal(t, "```\ntable\n```", msg.text)
}

func TestGenerateReportDocument(t *testing.T) {
	f := newFixture()
	f.repo.reports[5] = &store.Report{ID: 5, Name: "Hours", Engine: "pdf", Slug: "hours"}
	f.renderer.out = &report.Output{FileName: "hours.pdf", FileData: []byte("%PDF-")}
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateReportSelected}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#5"))
	msg := f.transport.last()
	assert.Equal(t, "document", msg.kind)
	assert.Equal(t, "hours.pdf", msg.file)
}

func TestGenerateReportNoData(t *testing.T) {
	f := newFixture()
	f.repo.reports[5] = &store.Report{ID: 5, Engine: "md"}
	f.renderer.err = report.ErrNoData
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateReportSelected}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#5"))
	assert.Equal(t, "No data", f.transport.last().text)
}

func TestGenerateReportMissing(t *testing.T) {
	f := newFixture()
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateReportSelected}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#5"))
	assert.Equal(t, "Error: report not found in database", f.transport.last().text)
}

func TestEditReportMenu(t *testing.T) {
	f := newFixture()
	f.repo.reports[3] = &store.Report{ID: 3, Name: "Hours", Query: "SELECT 1"}
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateEditReportsList}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#3"))

	msg := f.transport.last()
	assert.Equal(t, "buttons", msg.kind)
	assert.Contains(t, msg.text, "Отчет: `Hours`")
	assert.Contains(t, msg.text, "SELECT 1")
	require.Len(t, msg.buttons, 2)
	assert.Equal(t, "main#3", msg.buttons[0].Data)
	assert.Equal(t, "main#4", msg.buttons[1].Data)

	sess := f.session(100)
	assert.Equal(t, session.StateReportChosenForEdit, sess.State)
	assert.Equal(t, int64(3), sess.ReportID)
}

func TestPermissionAddFlow(t *testing.T) {
	f := newFixture()
	f.repo.reports[3] = &store.Report{ID: 3, Name: "Hours"}
	f.repo.unallowedRoles = []store.MenuItem{{ID: 2, Name: "manager"}}
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateEditPermissionsMenu, ReportID: 3}

	// press "Добавить разрешение"
	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#5"))
	msg := f.transport.last()
	assert.Equal(t, "buttons", msg.kind)
	require.Len(t, msg.buttons, 1)
	assert.Equal(t, "manager", msg.buttons[0].Text)
	assert.Equal(t, "main#2", msg.buttons[0].Data)

	// press the role button
	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#2"))
	assert.Equal(t, "Permission added", f.transport.last().text)
	require.Len(t, f.repo.grantsAdded, 1)
	assert.Equal(t, [2]int64{2, 3}, f.repo.grantsAdded[0])
}

func TestPermissionAddAllAllowed(t *testing.T) {
	f := newFixture()
	f.repo.reports[3] = &store.Report{ID: 3, Name: "Hours"}
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateEditPermissionsMenu, ReportID: 3}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#5"))
	assert.Equal(t, "All roles are allowed", f.transport.last().text)
}

func TestPermissionRemoveFlow(t *testing.T) {
	f := newFixture()
	f.repo.reports[3] = &store.Report{ID: 3, Name: "Hours"}
	f.repo.allowedRoles = []store.MenuItem{{ID: 7, Name: "admin"}}
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateEditPermissionsMenu, ReportID: 3}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#6"))
	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#7"))

	assert.Equal(t, "Permission removed", f.transport.last().text)
	require.Len(t, f.repo.grantsPulled, 1)
	assert.Equal(t, [2]int64{7, 3}, f.repo.grantsPulled[0])
}

func TestEditQueryFlow(t *testing.T) {
	f := newFixture()
	f.repo.reports[3] = &store.Report{ID: 3, Name: "Hours", Query: "SELECT 1"}
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateReportChosenForEdit, ReportID: 3}

	// press "Редактировать запрос"
	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#4"))
	msg := f.transport.last()
	assert.Contains(t, msg.text, "Введите новый запрос")
	assert.Equal(t, session.StateEditQueryPrompt, f.session(100).State)

	// reply with the new query
	require.NoError(t, f.d.HandleText(ctx, ChatUser{ID: 100}, "SELECT 2"))
	assert.Equal(t, "Query updated", f.transport.last().text)
	assert.Equal(t, "SELECT 2", f.repo.queryUpdates[3])
}

func TestTextIgnoredOutsidePrompt(t *testing.T) {
	f := newFixture()
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateShowReports}

	require.NoError(t, f.d.HandleText(ctx, ChatUser{ID: 100}, "hello"))
	assert.Empty(t, f.transport.log)
}

func TestCloseToPayShowsProjects(t *testing.T) {
	f := newFixture()
	f.projects.projects = []taiga.Project{{ID: 7, Name: "Demo"}}
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateCommandSelected}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "main#1"))

	msg := f.transport.last()
	assert.Equal(t, "buttons", msg.kind)
	assert.Equal(t, "Выберите проект", msg.text)
	require.Len(t, msg.buttons, 1)
	assert.Equal(t, "topay_closer#7", msg.buttons[0].Data)
	assert.Equal(t, session.StateReceiptProjectSelected, f.session(100).State)
}

func TestCreateReceiptSuccess(t *testing.T) {
	f := newFixture()
	task := taiga.Task{ID: 42}
	f.receipts.rcpt = &receipt.Receipt{GUID: "guid", URL: "https://crm.local/receipt/guid"}
	f.receipts.events = []receipt.Event{
		{Kind: receipt.EventReceiptCreated},
		{Kind: receipt.EventTaskAdded, Task: &task},
	}
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateReceiptProjectSelected}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "topay_closer#7"))

	assert.Equal(t, int64(7), f.receipts.projectID)
	texts := make([]string, 0, len(f.transport.log))
	for _, msg := range f.transport.log {
		texts = append(texts, msg.text)
	}
	assert.Contains(t, texts, "Creating receipt")
	assert.Contains(t, texts, "Receipt created, adding tasks to it")
	assert.Contains(t, texts, "Task 42 added to receipt")

	last := f.transport.last()
	assert.Equal(t, "markdown", last.kind)
	assert.Equal(t, format.EscapeMarkdownV2("https://crm.local/receipt/guid"), last.text)
}

func TestCreateReceiptNoTasks(t *testing.T) {
	f := newFixture()
	f.receipts.err = receipt.ErrNoBillableTasks
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateReceiptProjectSelected}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "topay_closer#7"))

	last := f.transport.last()
	assert.Equal(t, "text", last.kind)
	assert.Equal(t, "Таски для закрытия не найдены", last.text)
	for _, msg := range f.transport.log {
		assert.NotEqual(t, "document", msg.kind)
	}
}

func TestCreateReceiptFailureAttachesDetail(t *testing.T) {
	f := newFixture()
	f.receipts.err = errors.New("crm exploded")
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateReceiptProjectSelected}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "topay_closer#7"))

	var doc *sent
	for i := range f.transport.log {
		if f.transport.log[i].kind == "document" {
			doc = &f.transport.log[i]
		}
	}
	require.NotNil(t, doc)
	assert.Equal(t, "temp.txt", doc.file)
	assert.Contains(t, string(doc.data), "crm exploded")
}

func TestCreateReceiptReconcileSendsURL(t *testing.T) {
	f := newFixture()
	rcpt := &receipt.Receipt{GUID: "guid", URL: "https://crm.local/receipt/guid"}
	f.receipts.rcpt = rcpt
	f.receipts.err = &receipt.ReconcileError{
		ReceiptGUID: rcpt.GUID,
		ReceiptURL:  rcpt.URL,
		ProjectID:   7,
		Err:         errors.New("taiga down"),
	}
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateReceiptProjectSelected}

	require.NoError(t, f.d.HandleCallback(ctx, ChatUser{ID: 100}, 0, "topay_closer#7"))

	last := f.transport.last()
	assert.Equal(t, "markdown", last.kind)
	assert.Equal(t, format.EscapeMarkdownV2(rcpt.URL), last.text)
}

func TestCreateReceiptWithoutProject(t *testing.T) {
	f := newFixture()
	f.store.sessions[100] = &session.Session{ChatID: 100, State: session.StateReceiptProjectSelected}

	sess, err := f.store.Get(ctx, 100)
	require.NoError(t, err)
	require.NoError(t, f.d.dispatch(ctx, sess))
	assert.Equal(t, "Error: project_id is None", f.transport.last().text)
}

func TestSplitCallback(t *testing.T) {
	prefix, id, err := splitCallback("topay_closer#42")
	require.NoError(t, err)
	assert.Equal(t, "topay_closer", prefix)
	assert.Equal(t, int64(42), id)

	_, _, err = splitCallback("main42")
	assert.Error(t, err)

	_, _, err = splitCallback("main#abc")
	assert.Error(t, err)
}
