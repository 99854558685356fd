package handlers

import (
	tele "gopkg.in/telebot.v4"

	tg "github.com/smartist/taigabot/core/telegram"
	"github.com/smartist/taigabot/core/telegram/callbacks"
	"github.com/smartist/taigabot/core/telegram/commands"
	tghelpers "github.com/smartist/taigabot/core/telegram/helpers"
	"github.com/smartist/taigabot/core/telegram/router"
	"github.com/smartist/taigabot/core/telegram/ui"
)

// fallbacks answers updates the routers could not map to a registered
// handler. Unmatched text is left to the registry's text fallback, so only
// button presses with a foreign prefix get a reply.
type fallbacks struct{}

var _ ui.FallbackProvider = fallbacks{}

func (f fallbacks) UnknownText() tele.HandlerFunc {
	return func(c tele.Context) error { return nil }
}

func (f fallbacks) UnknownDocument() tele.HandlerFunc {
	return func(c tele.Context) error { return nil }
}

func (f fallbacks) UnknownCallback() tele.HandlerFunc {
	return func(c tele.Context) error {
		return tghelpers.SendText(c, msgUnknownCommand)
	}
}

func chatUser(c tele.Context) ChatUser {
	sender := c.Sender()
	if sender == nil {
		return ChatUser{}
	}
	full := sender.FirstName
	if sender.LastName != "" {
		full += " " + sender.LastName
	}
	return ChatUser{ID: sender.ID, Username: sender.Username, FullName: full}
}

// Wire builds the command registry and the route set binding the dispatcher
// to the Telegram update loop.
func Wire(d *Dispatcher) (*tg.Registry, []tg.Route) {
	reg := tg.NewRegistry()

	reg.RegisterCommand("/start", commands.Command{
		Description: "Register and show available reports",
		Handler: func(c tele.Context) error {
			return d.HandleStart(tghelpers.BuildContext(c), chatUser(c))
		},
	})
	reg.RegisterCommand("/reports", commands.Command{
		Description: "Show reports available to you",
		Handler: func(c tele.Context) error {
			return d.HandleReports(tghelpers.BuildContext(c), chatUser(c))
		},
	})
	reg.RegisterCommand("/commands", commands.Command{
		Description: "Show commands available to you",
		Handler: func(c tele.Context) error {
			return d.HandleCommands(tghelpers.BuildContext(c), chatUser(c))
		},
	})
	reg.RegisterCommand("/my_id", commands.Command{
		Description: "Show your chat id",
		Aliases:     []string{"myid"},
		Handler: func(c tele.Context) error {
			return d.HandleMyID(tghelpers.BuildContext(c), chatUser(c))
		},
	})

	callbackHandler := func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil {
			return nil
		}
		messageID := 0
		if cb.Message != nil {
			messageID = cb.Message.ID
		}
		key, payload := callbacks.ParseCallbackData(cb)
		return d.HandleCallback(tghelpers.BuildContext(c), chatUser(c), messageID, key+"#"+payload)
	}
	_ = reg.RegisterCallback(CallbackPrefixMain, callbackHandler)
	_ = reg.RegisterCallback(CallbackPrefixTopay, callbackHandler)

	reg.SetTextFallback(func(c tele.Context) error {
		return d.HandleText(tghelpers.BuildContext(c), chatUser(c), c.Text())
	})

	fb := fallbacks{}
	routes := router.CommandRoutes(reg, router.CommandRouteOptions{})
	routes = append(routes, router.CallbackRoute(reg, router.CallbackOptions{NotFound: fb.UnknownCallback()}))
	routes = append(routes, router.TextRoutes(nil, reg, router.TextOptions{
		UnknownText:     fb.UnknownText(),
		UnknownDocument: fb.UnknownDocument(),
	})...)
	return reg, routes
}
