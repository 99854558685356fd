// Command receiptcli drives the receipt workflow from a terminal: it lists
// Taiga projects, creates a receipt for the chosen one, and can roll back a
// previously created receipt by its card URL.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/smartist/taigabot/bot"
	"github.com/smartist/taigabot/bot/receipt"
	"github.com/smartist/taigabot/bot/taiga"
	"github.com/smartist/taigabot/core/bootstrap"
	"github.com/smartist/taigabot/core/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	rollback := flag.String("rollback", "", "receipt card URL to delete instead of creating")
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

	repo := taiga.NewRepo(db, cfg.Taiga.Host)

	if *rollback != "" {
		if err := rollbackReceipt(ctx, repo, *rollback); err != nil {
			log.Fatalf("rollback: %v", err)
		}
		fmt.Println("receipt deleted")
		return
	}

	projectID, err := pickProject(ctx, repo)
	if err != nil {
		log.Fatalf("pick project: %v", err)
	}

	svc := receipt.NewService(repo, nil)
	rcpt, err := svc.Create(ctx, projectID, func(ev receipt.Event) {
		switch ev.Kind {
		case receipt.EventReceiptCreated:
			fmt.Println("receipt created, adding tasks")
		case receipt.EventTaskAdded:
			fmt.Printf("task %d added\n", ev.Task.Ref)
		}
	})
	if err != nil {
		if rcpt != nil {
			fmt.Println(rcpt.URL)
		}
		log.Fatalf("create receipt: %v", err)
	}
	fmt.Println(rcpt.URL)
}

func pickProject(ctx context.Context, repo *taiga.Repo) (int64, error) {
	projects, err := repo.Projects(ctx)
	if err != nil {
		return 0, err
	}
	fmt.Println("Select project (put the number):")
	for _, p := range projects {
		fmt.Printf("%d. %s\n", p.ID, p.Name)
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(line), 10, 64)
}

func rollbackReceipt(ctx context.Context, repo *taiga.Repo, url string) error {
	rcpt, err := receipt.FromURL(url)
	if err != nil {
		return err
	}
	settings, err := repo.CreatioSettings(ctx)
	if err != nil {
		return err
	}
	crm, err := receipt.DialCreatio(ctx, settings)
	if err != nil {
		return err
	}
	return rcpt.Delete(ctx, crm)
}
