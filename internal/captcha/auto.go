package captcha

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"bili-ticket-bot/internal/config"
)

// Auto resolves challenges through an external solver service. The service
// is a black box: it takes the site key and challenge and answers with a
// validate string.
type Auto struct {
	http   *resty.Client
	gt     string
	logger *slog.Logger
}

// solveResponse is the solver service's reply shape.
type solveResponse struct {
	Code     int    `json:"code"`
	Msg      string `json:"msg"`
	Validate string `json:"validate"`
}

// NewAuto creates the automatic provider pointed at cfg.SolverURL.
func NewAuto(cfg config.CaptchaConfig, logger *slog.Logger) *Auto {
	return &Auto{
		http: resty.New().
			SetBaseURL(cfg.SolverURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond),
		gt:     cfg.GT,
		logger: logger.With("component", "captcha", "mode", "auto"),
	}
}

// Solve posts the challenge to the solver and returns its validate string.
func (a *Auto) Solve(ctx context.Context, challenge string) (string, error) {
	var result solveResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"gt":        a.gt,
			"challenge": challenge,
		}).
		SetResult(&result).
		Post("/solve")
	if err != nil {
		return "", fmt.Errorf("solver: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("solver: status %d", resp.StatusCode())
	}
	if result.Code != 0 || result.Validate == "" {
		return "", fmt.Errorf("solver rejected challenge: code %d %s", result.Code, result.Msg)
	}

	a.logger.Info("challenge solved", "challenge", challenge)
	return result.Validate, nil
}
