package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/smartist/taigabot/core/telegram/sender"
)

// telegramStub answers the Bot API calls the transport makes and records
// which endpoints were hit, in order.
type telegramStub struct {
	mu        sync.Mutex
	endpoints []string
}

func (s *telegramStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.endpoints = append(s.endpoints, path.Base(r.URL.Path))
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if strings.HasSuffix(r.URL.Path, "/deleteMessage") {
		fmt.Fprint(w, `{"ok":true,"result":true}`)
		return
	}
	fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"chat":{"id":1,"type":"private"},"date":1}}`)
}

func (s *telegramStub) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.endpoints...)
}

func newStubBot(t *testing.T, srv *httptest.Server) *tele.Bot {
	t.Helper()
	bot, err := tele.NewBot(tele.Settings{Token: "test-token", URL: srv.URL, Offline: true})
	require.NoError(t, err)
	return bot
}

func TestTransportUnbound(t *testing.T) {
	tr := NewTelebotTransport(nil)

	_, err := tr.SendText(ctx, 1, "hi")
	require.ErrorIs(t, err, ErrNotBound)
	_, err = tr.SendButtons(ctx, 1, "menu", nil)
	require.ErrorIs(t, err, ErrNotBound)
	require.ErrorIs(t, tr.DeleteMessage(ctx, 1, 5), ErrNotBound)
}

func TestTransportSendsThroughSenderQueue(t *testing.T) {
	stub := &telegramStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	tr := NewTelebotTransport(newStubBot(t, srv))
	disp := sender.NewDispatcher(sender.Options{Workers: 1})
	tr.BindSender(disp)

	id, err := tr.SendText(ctx, 1, "hello")
	require.NoError(t, err)
	assert.Zero(t, id)

	_, err = tr.SendMarkdown(ctx, 1, "hello")
	require.NoError(t, err)
	require.NoError(t, tr.DeleteMessage(ctx, 1, 5))

	// Close drains the queue, so every call must have reached the API by now.
	disp.Close()

	assert.Equal(t, []string{"sendMessage", "sendMessage", "deleteMessage"}, stub.calls())
}

func TestTransportButtonsReturnMessageID(t *testing.T) {
	stub := &telegramStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	tr := NewTelebotTransport(newStubBot(t, srv))
	disp := sender.NewDispatcher(sender.Options{Workers: 1})
	defer disp.Close()
	tr.BindSender(disp)

	// buttons bypass the queue: the caller needs the menu message id back
	id, err := tr.SendButtons(ctx, 1, "menu", []Button{{Text: "a", Data: "main#1"}})
	require.NoError(t, err)
	assert.Equal(t, 7, id)
	assert.Equal(t, []string{"sendMessage"}, stub.calls())
}

func TestTransportInlineWithoutSender(t *testing.T) {
	stub := &telegramStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	tr := NewTelebotTransport(newStubBot(t, srv))

	_, err := tr.SendText(ctx, 1, "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"sendMessage"}, stub.calls())
}
