package listener

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecipients struct {
	ids []int64
}

func (f *fakeRecipients) TelegramIDsByRole(ctx context.Context, roleID int64) ([]int64, error) {
	return f.ids, nil
}

type fakeSender struct {
	sent map[int64][]string
}

func (f *fakeSender) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	if f.sent == nil {
		f.sent = map[int64][]string{}
	}
	f.sent[chatID] = append(f.sent[chatID], text)
	return 1, nil
}

const taskCreated = `{
	"event_type": "tasks.task.create",
	"data": {
		"project": {"name": "Demo", "slug": "demo"},
		"ref": 17,
		"subject": "fix login",
		"user": {"full_name": "Alice A"}
	}
}`

func TestProcessFansOut(t *testing.T) {
	recipients := &fakeRecipients{ids: []int64{10, 20}}
	sender := &fakeSender{}
	n := NewNotifier(recipients, sender, "https://taiga.local")

	require.NoError(t, n.Process(context.Background(), json.RawMessage(taskCreated)))

	require.Len(t, sender.sent, 2)
	text := sender.sent[10][0]
	assert.Equal(t, text, sender.sent[20][0])
	assert.Contains(t, text, "Проект Demo")
	assert.Contains(t, text, "Создание задачи")
	assert.Contains(t, text, "#17: fix login")
	assert.Contains(t, text, "Автор: Alice A")
	assert.Contains(t, text, "https://taiga.local/project/demo/task/17")
}

func TestProcessNoRecipients(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(&fakeRecipients{}, sender, "https://taiga.local")

	require.NoError(t, n.Process(context.Background(), json.RawMessage(taskCreated)))
	assert.Empty(t, sender.sent)
}

func TestProcessBadPayload(t *testing.T) {
	n := NewNotifier(&fakeRecipients{ids: []int64{10}}, &fakeSender{}, "https://taiga.local")
	assert.Error(t, n.Process(context.Background(), json.RawMessage("{broken")))
}

func TestFormatUntranslatedEvent(t *testing.T) {
	n := NewNotifier(nil, nil, "https://taiga.local")
	text := n.format(&event{EventType: "wiki.page.change"})
	assert.Contains(t, text, "Событие: wiki.page.change")
}

func TestObjectURL(t *testing.T) {
	n := NewNotifier(nil, nil, "https://taiga.local")

	ev := &event{EventType: "userstories.userstory.change"}
	ev.Data.Project.Slug = "demo"
	ev.Data.Ref = 5
	assert.Equal(t, "https://taiga.local/project/demo/us/5", n.objectURL(ev))

	// milestones have no deep link, fall back to the project page
	ev = &event{EventType: "milestones.milestone.create"}
	ev.Data.Project.Slug = "demo"
	ev.Data.Ref = 2
	assert.Equal(t, "https://taiga.local/project/demo", n.objectURL(ev))

	// no slug at all
	ev = &event{EventType: "tasks.task.create"}
	assert.Equal(t, "https://taiga.local", n.objectURL(ev))
}

func TestEventNamespace(t *testing.T) {
	assert.Equal(t, "tasks", eventNamespace("tasks.task.create"))
	assert.Equal(t, "plain", eventNamespace("plain"))
}
