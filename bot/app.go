package bot

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/smartist/taigabot/bot/handlers"
	"github.com/smartist/taigabot/bot/receipt"
	"github.com/smartist/taigabot/bot/report"
	"github.com/smartist/taigabot/bot/session"
	"github.com/smartist/taigabot/bot/store"
	"github.com/smartist/taigabot/bot/taiga"
	"github.com/smartist/taigabot/core/bootstrap"
	corecmd "github.com/smartist/taigabot/core/cmd"
	"github.com/smartist/taigabot/core/telegram"
	tgsender "github.com/smartist/taigabot/core/telegram/sender"
)

// App holds the wired application components.
type App struct {
	Config     *Config
	DB         *sqlx.DB
	Sessions   *session.RedisStore
	Store      *store.Store
	Taiga      *taiga.Repo
	Dispatcher *handlers.Dispatcher
	Transport  *handlers.TelebotTransport
}

type services struct {
	sessions   *session.RedisStore
	store      *store.Store
	taiga      *taiga.Repo
	dispatcher *handlers.Dispatcher
	transport  *handlers.TelebotTransport
}

// serviceProvider wires the bot services over established infrastructure.
var serviceProvider = bootstrap.TypedServiceProviderFunc[*services](
	func(ctx context.Context, cfg interface{}, storage bootstrap.Storage) (*services, error) {
		appCfg, ok := cfg.(*Config)
		if !ok {
			return nil, fmt.Errorf("bot: unexpected config type %T", cfg)
		}
		db, ok := storage.(*sqlx.DB)
		if !ok {
			return nil, fmt.Errorf("bot: unexpected storage type %T", storage)
		}

		sessions, err := session.NewRedisStore(appCfg.Redis)
		if err != nil {
			return nil, err
		}

		repo := store.New(db)
		taigaRepo := taiga.NewRepo(db, appCfg.Taiga.Host)
		reports := report.NewGenerator(db)
		receipts := receipt.NewService(taigaRepo, nil)

		// The tele.Bot does not exist until RunTelegram starts, so the
		// transport starts unbound and gets the bot in the OnStart hook.
		transport := handlers.NewTelebotTransport(nil)

		d := handlers.New(sessions, repo, taigaRepo, reports, receipts, transport)
		if err := d.CheckTransitions(); err != nil {
			_ = sessions.Close()
			return nil, err
		}
		return &services{
			sessions:   sessions,
			store:      repo,
			taiga:      taigaRepo,
			dispatcher: d,
			transport:  transport,
		}, nil
	},
)

// Bootstrap initializes the logger and storage through the shared pipeline,
// seeds reference data, and wires the dispatcher.
func Bootstrap(cfg *Config) (*App, error) {
	res, err := bootstrap.Run(bootstrap.Options{
		Config:   cfg.Core,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	modules := bootstrap.Modules{
		Seeders: []bootstrap.Seeder{
			bootstrap.SeederFunc(func(ctx context.Context, storage bootstrap.Storage) error {
				db, ok := storage.(*sqlx.DB)
				if !ok {
					return fmt.Errorf("bot: unexpected storage type %T", storage)
				}
				return store.New(db).SeedDefaults(ctx)
			}),
		},
		Services: serviceProvider,
	}
	for _, seeder := range modules.Seeders {
		if err := seeder.Seed(ctx, res.DB); err != nil {
			_ = res.DB.Close()
			return nil, err
		}
	}
	svc, err := serviceProvider.ProvideTyped(ctx, cfg, res.DB)
	if err != nil {
		_ = res.DB.Close()
		return nil, err
	}

	return &App{
		Config:     cfg,
		DB:         res.DB,
		Sessions:   svc.sessions,
		Store:      svc.store,
		Taiga:      svc.taiga,
		Dispatcher: svc.dispatcher,
		Transport:  svc.transport,
	}, nil
}

// TelegramRunOptions builds the run options consumed by the shared runner.
func (a *App) TelegramRunOptions() (telegram.RunOptions, error) {
	reg, routes := handlers.Wire(a.Dispatcher)
	return telegram.RunOptions{
		Config:      a.Config.Core,
		Registry:    reg,
		Routes:      routes,
		Middlewares: telegram.DefaultMiddlewares(a.Config.Core, nil),
		// single worker keeps outbound messages to a chat in send order
		DispatcherOptions: tgsender.Options{Workers: 1},
		OnStart: func(ctx context.Context, rt telegram.Runtime) error {
			a.Transport.Bind(rt.Bot)
			a.Transport.BindSender(rt.Dispatcher)
			return nil
		},
		OnStop: func(ctx context.Context, rt telegram.Runtime) error {
			a.Close()
			return nil
		},
	}, nil
}

// Run executes the full application lifecycle through the shared runner.
func Run() error {
	return corecmd.Run(corecmd.Options{
		DefaultConfigPath: "config.yaml",
		LoadConfig: func(path string) (corecmd.ConfigCarrier, error) {
			return LoadConfig(path)
		},
		Bootstrap: func(cfg corecmd.ConfigCarrier) (corecmd.TelegramApp, error) {
			return Bootstrap(cfg.(*Config))
		},
	})
}

// Close releases the app's storage connections.
func (a *App) Close() {
	if a.DB != nil {
		_ = a.DB.Close()
	}
	if a.Sessions != nil {
		_ = a.Sessions.Close()
	}
}
