package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smartist/taigabot/core/logger"
)

// scrum master role id in bot_roles
const scrumMasterRoleID = 1

var eventTranslations = map[string]string{
	"userstories.userstory.change": "Изменение истории пользователя",
	"userstories.userstory.create": "Создание истории пользователя",
	"userstories.userstory.delete": "Удаление истории пользователя",
	"tasks.task.change":            "Изменение задачи",
	"tasks.task.create":            "Создание задачи",
	"tasks.task.delete":            "Удаление задачи",
	"epics.epic.change":            "Изменение эпика",
	"epics.epic.create":            "Создание эпика",
	"epics.epic.delete":            "Удаление эпика",
	"issues.issue.change":          "Изменение проблемы",
	"issues.issue.create":          "Создание проблемы",
	"issues.issue.delete":          "Удаление проблемы",
	"milestones.milestone.change":  "Изменение спринта",
	"milestones.milestone.create":  "Создание спринта",
	"milestones.milestone.delete":  "Удаление спринта",
}

// contentTypes maps event namespaces to the URL path segment of the object.
var contentTypes = map[string]string{
	"userstories": "us",
	"tasks":       "task",
	"epics":       "epic",
	"issues":      "issue",
}

// event is the timeline payload written by the database trigger.
type event struct {
	EventType string    `json:"event_type"`
	Data      eventData `json:"data"`
}

type eventData struct {
	Project struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	} `json:"project"`
	Ref     int64  `json:"ref"`
	Subject string `json:"subject"`
	User    struct {
		FullName string `json:"full_name"`
	} `json:"user"`
}

// Sender delivers one plain-text chat message.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
}

// Recipients resolves who gets notified.
type Recipients interface {
	TelegramIDsByRole(ctx context.Context, roleID int64) ([]int64, error)
}

// Notifier formats timeline events and fans them out to scrum masters.
type Notifier struct {
	recipients Recipients
	sender     Sender
	taigaHost  string
}

func NewNotifier(recipients Recipients, sender Sender, taigaHost string) *Notifier {
	return &Notifier{recipients: recipients, sender: sender, taigaHost: taigaHost}
}

// Process implements Processor.
func (n *Notifier) Process(ctx context.Context, payload json.RawMessage) error {
	log := logger.LSTN
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("listener: decode event: %w", err)
	}
	ids, err := n.recipients.TelegramIDsByRole(ctx, scrumMasterRoleID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		log.Warn("no scrum masters to notify")
		return nil
	}
	text := n.format(&ev)
	for _, id := range ids {
		if _, err := n.sender.SendText(ctx, id, text); err != nil {
			log.Error("notification send failed", "chat_id", id, "error", err.Error())
		}
	}
	log.Info("notification delivered", "event_type", ev.EventType, "recipients", len(ids))
	return nil
}

func (n *Notifier) format(ev *event) string {
	description, ok := eventTranslations[ev.EventType]
	if !ok {
		description = "Событие: " + ev.EventType
	}
	text := fmt.Sprintf("Проект %s\n%s", ev.Data.Project.Name, description)
	if ev.Data.Subject != "" {
		text += fmt.Sprintf("\n#%d: %s", ev.Data.Ref, ev.Data.Subject)
	}
	if ev.Data.User.FullName != "" {
		text += "\nАвтор: " + ev.Data.User.FullName
	}
	text += "\n" + n.objectURL(ev)
	return text
}

// objectURL deep-links the changed object, falling back to the project page
// when the event carries no reference.
func (n *Notifier) objectURL(ev *event) string {
	slug := ev.Data.Project.Slug
	if slug == "" {
		return n.taigaHost
	}
	contentType, ok := contentTypes[eventNamespace(ev.EventType)]
	if !ok || ev.Data.Ref == 0 {
		return fmt.Sprintf("%s/project/%s", n.taigaHost, slug)
	}
	return fmt.Sprintf("%s/project/%s/%s/%d", n.taigaHost, slug, contentType, ev.Data.Ref)
}

func eventNamespace(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return eventType[:i]
	}
	return eventType
}
