// Package captcha abstracts the geetest challenge resolver.
//
// The engine only sees challenge-in → validate-out through the Solver
// interface. Two providers exist:
//
//   - Auto:   posts (gt, challenge) to an external solver service and gets
//     the validate string back in tens of milliseconds.
//   - Manual: serves an embedded challenge page on localhost, opens the
//     user's browser, and waits for the page to push the validate string
//     back over a websocket.
//
// Either provider returning an empty validate (or an error) is a failure;
// the engine loops back into its challenge state and tries again.
package captcha

import (
	"context"
	"fmt"
	"log/slog"

	"bili-ticket-bot/internal/config"
)

// Solver resolves one geetest challenge into a validate string.
// Implementations may block — up to 30 s for the manual provider — but must
// honor ctx cancellation.
type Solver interface {
	Solve(ctx context.Context, challenge string) (string, error)
}

// New selects the provider configured at startup.
func New(cfg config.CaptchaConfig, logger *slog.Logger) (Solver, error) {
	switch cfg.Mode {
	case "auto":
		return NewAuto(cfg, logger), nil
	case "manual":
		return NewManual(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown captcha mode %q", cfg.Mode)
	}
}
