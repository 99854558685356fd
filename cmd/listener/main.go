package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	tele "gopkg.in/telebot.v4"

	"github.com/smartist/taigabot/bot"
	"github.com/smartist/taigabot/bot/handlers"
	"github.com/smartist/taigabot/bot/listener"
	"github.com/smartist/taigabot/bot/store"
	"github.com/smartist/taigabot/core/bootstrap"
	"github.com/smartist/taigabot/core/logger"
	"github.com/smartist/taigabot/core/telegram/sender"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := bot.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	res, err := bootstrap.Run(bootstrap.Options{Config: cfg.Core, Database: cfg.Database})
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	db := res.DB
	defer db.Close()
	defer func() { _ = logger.Shutdown() }()

	// Sender-only bot: no poller, no handlers.
	tgBot, err := tele.NewBot(tele.Settings{
		Token: cfg.Core.Telegram.Token,
	})
	if err != nil {
		log.Fatalf("create bot: %v", err)
	}
	disp := sender.NewDispatcher(sender.Options{Workers: 1})
	defer disp.Close()
	transport := handlers.NewTelebotTransport(tgBot)
	transport.BindSender(disp)

	notifier := listener.NewNotifier(store.New(db), transport, cfg.Taiga.Host)
	l := listener.New(cfg.Database.DSN(), listener.Config{}, notifier)

	if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("listener: %v", err)
	}
}
