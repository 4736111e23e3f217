package captcha

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"bili-ticket-bot/internal/config"
	"bili-ticket-bot/internal/open"
)

//go:embed geetest.html
var challengePage string

// manualTimeout bounds how long one manual attempt waits for the user to
// click through the puzzle.
const manualTimeout = 30 * time.Second

// Manual resolves challenges interactively. Each Solve spins up a localhost
// HTTP server with the embedded challenge page, opens the system browser on
// it, and blocks until the page pushes the validate string back over the
// /ws websocket (or the attempt times out).
type Manual struct {
	gt     string
	listen string
	logger *slog.Logger

	openURL func(url string) error // injected for tests
}

// NewManual creates the interactive provider.
func NewManual(cfg config.CaptchaConfig, logger *slog.Logger) *Manual {
	return &Manual{
		gt:      cfg.GT,
		listen:  cfg.Listen,
		logger:  logger.With("component", "captcha", "mode", "manual"),
		openURL: open.Browser,
	}
}

// Solve serves the challenge page and waits for the user's validate string.
func (m *Manual) Solve(ctx context.Context, challenge string) (string, error) {
	ln, err := net.Listen("tcp", m.listen)
	if err != nil {
		return "", fmt.Errorf("captcha listener: %w", err)
	}

	validateCh := make(chan string, 1)
	upgrader := websocket.Upgrader{
		// The page is served from this very listener; same-origin checks
		// reject file:// copies of it.
		CheckOrigin: func(r *http.Request) bool {
			return strings.Contains(r.Header.Get("Origin"), ln.Addr().String())
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		page := strings.NewReplacer(
			"{{GT}}", m.gt,
			"{{CHALLENGE}}", challenge,
		).Replace(challengePage)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case validateCh <- string(msg):
		default:
		}
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	pageURL := fmt.Sprintf("http://%s/?gt=%s&challenge=%s",
		ln.Addr(), url.QueryEscape(m.gt), url.QueryEscape(challenge))
	m.logger.Info("waiting for manual verification", "url", pageURL)
	if err := m.openURL(pageURL); err != nil {
		m.logger.Warn("could not open browser, visit the URL yourself", "error", err)
	}

	select {
	case validate := <-validateCh:
		if validate == "" {
			return "", fmt.Errorf("page sent an empty validate")
		}
		m.logger.Info("manual verification completed")
		return validate, nil
	case <-time.After(manualTimeout):
		return "", fmt.Errorf("manual verification timed out after %s", manualTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
