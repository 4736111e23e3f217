// bili-ticket-bot — an automated ticket acquisition client for Bilibili
// show (会员购) sales.
//
// Architecture:
//
//	main.go             — entry point: loads config, wires components, runs the engine until Done or SIGINT
//	engine/engine.go    — the acquisition state machine: countdown, token, risk challenge, stock poll, create, confirm
//	engine/schedule.go  — retry pacing: countdown tiers, the available ladder, the forced-create refresh interval
//	bili/client.go      — cookie-aware HTTP session: envelope decoding, 412/429 handling, CSRF + vtoken cookies
//	bili/api.go         — typed wrappers for the vendor endpoints the engine drives
//	captcha/            — geetest resolver: automatic solver service or manual browser page
//	notify/             — success fan-out: desktop, PushPlus, Bark, DingTalk, WeCom, ServerChan, SMTP
//	profile/            — saved target profiles with AES-GCM cookie sealing
//
// How it gets a ticket:
//
//	The engine sleeps through the sale countdown in coarse tiers, pre-warms
//	the order token 30 seconds out (solving the risk challenge if the gate
//	fires), then races order creates the moment stock becomes visible —
//	pacing retries on a ladder keyed to how fresh the last stock sighting
//	is — and confirms the created order actually locked before notifying.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bili-ticket-bot/internal/bili"
	"bili-ticket-bot/internal/captcha"
	"bili-ticket-bot/internal/config"
	"bili-ticket-bot/internal/engine"
	"bili-ticket-bot/internal/notify"
	"bili-ticket-bot/internal/profile"
)

func main() {
	// .env is optional; real deployments set env vars directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BILI_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	// Set up logger
	level := parseLogLevel(cfg.Logging.Level)
	if cfg.Debug {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	store, err := profile.Open(cfg.Profile.DataDir, cfg.Profile.Key)
	if err != nil {
		logger.Warn("could not open profile store", "error", err)
		store = nil
	}

	// A run with no target configured replays the last saved one.
	if store != nil && cfg.Target.ProjectID <= 0 {
		if p, err := store.Load("last"); err != nil {
			logger.Warn("could not load saved profile", "error", err)
		} else if p != nil {
			cfg.ApplyProfile(p.ProjectID, p.ScreenID, p.SkuID, p.Cookie)
			logger.Info("target replayed from saved profile",
				"project_id", cfg.Target.ProjectID,
				"screen_id", cfg.Target.ScreenID,
				"sku_id", cfg.Target.SkuID,
			)
		}
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	client, err := bili.NewClient(cfg, logger)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	api := bili.NewAPI(client, cfg.TargetSpec(), logger)

	solver, err := captcha.New(cfg.Captcha, logger)
	if err != nil {
		logger.Error("failed to create challenge resolver", "error", err)
		os.Exit(1)
	}

	notifier := notify.New(cfg.Notify, logger)
	sched := engine.NewSchedule(cfg.Network.Sleep, cfg.Schedule)
	eng := engine.New(api, solver, notifier, cfg.TargetSpec(), sched, logger)

	// Remember the target so the next run can replay it.
	if store != nil {
		saveErr := store.Save(profile.Profile{
			Name:      "last",
			ProjectID: cfg.Target.ProjectID,
			ScreenID:  cfg.Target.ScreenID,
			SkuID:     cfg.Target.SkuID,
			Cookie:    cfg.Identity.CookieString,
		})
		if saveErr != nil {
			logger.Warn("could not save profile", "error", saveErr)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("bili ticket bot started",
		"project_id", cfg.Target.ProjectID,
		"captcha_mode", cfg.Captcha.Mode,
		"sleep", cfg.Network.Sleep,
	)

	rec, err := eng.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("interrupted, exiting")
		os.Exit(130)
	case err != nil:
		logger.Error("acquisition failed", "error", err)
		os.Exit(1)
	}

	// Let the notification workers settle before the process exits.
	notifier.Wait(15 * time.Second)
	logger.Info("done", "order_id", rec.OrderID, "pay_money", rec.PayMoney.Yuan())
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
