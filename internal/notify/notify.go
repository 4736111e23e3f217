// Package notify fans out the success notification over every configured
// channel: desktop popup + bell, PushPlus, Bark, DingTalk robot, WeCom
// webhook, ServerChan, and SMTP mail.
//
// Each channel runs as an independent goroutine reading the immutable
// success record; a failing channel only logs, it never blocks the others.
// The process waits a bounded time for the workers to settle before exiting.
package notify

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"bili-ticket-bot/internal/config"
	"bili-ticket-bot/pkg/types"
)

// Notifier delivers success notifications over the enabled channels.
type Notifier struct {
	cfg    config.NotifyConfig
	http   *resty.Client
	logger *slog.Logger
	wg     sync.WaitGroup

	// Endpoint bases, overridable in tests.
	pushPlusURL   string
	barkURL       string
	dingTalkURL   string
	weComURL      string
	serverChanURL string
}

// New creates the fan-out from the notify config section.
func New(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		http:   resty.New().SetTimeout(10 * time.Second).SetRetryCount(1),
		logger: logger.With("component", "notify"),

		pushPlusURL:   "https://www.pushplus.plus/send",
		barkURL:       "https://api.day.app",
		dingTalkURL:   "https://oapi.dingtalk.com/robot/send",
		weComURL:      "https://qyapi.weixin.qq.com/cgi-bin/webhook/send",
		serverChanURL: "https://sctapi.ftqq.com",
	}
}

// Success spawns one delivery worker per enabled channel. It returns
// immediately; call Wait to let the workers settle.
func (n *Notifier) Success(rec types.SuccessRecord) {
	title := "抢票成功"
	body := fmt.Sprintf("订单 %d 已锁定，应付 %s 元，请尽快完成支付：%s",
		rec.OrderID, rec.PayMoney.Yuan(), rec.ProjectURL)

	channels := []struct {
		name    string
		enabled bool
		send    func() error
	}{
		{"desktop", n.cfg.System || n.cfg.Sound, func() error { return n.desktop(title, body) }},
		{"pushplus", n.cfg.PushPlus != "", func() error { return n.pushPlus(title, body) }},
		{"bark", n.cfg.Bark != "", func() error { return n.bark(title, body) }},
		{"dingtalk", n.cfg.DingTalk != "", func() error { return n.dingTalk(body) }},
		{"wecom", n.cfg.WeCom != "", func() error { return n.weCom(body) }},
		{"serverchan", n.cfg.ServerChan != "", func() error { return n.serverChan(title, body) }},
		{"smtp", n.cfg.SMTP.Host != "" && len(n.cfg.SMTP.Receivers) > 0, func() error { return n.mail(title, body) }},
	}

	for _, ch := range channels {
		if !ch.enabled {
			continue
		}
		n.wg.Add(1)
		go func(name string, send func() error) {
			defer n.wg.Done()
			if err := send(); err != nil {
				n.logger.Error("notification failed", "channel", name, "error", err)
				return
			}
			n.logger.Info("notification sent", "channel", name)
		}(ch.name, ch.send)
	}
}

// Wait blocks until all delivery workers finish or the timeout passes.
func (n *Notifier) Wait(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		n.logger.Warn("notification workers still running at exit", "timeout", timeout)
	}
}

// checkStatus folds a non-2xx push response into an error.
func checkStatus(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (n *Notifier) pushPlus(title, body string) error {
	return checkStatus(n.http.R().
		SetBody(map[string]string{
			"token":    n.cfg.PushPlus,
			"title":    title,
			"content":  body,
			"template": "html",
			"channel":  "wechat",
		}).
		Post(n.pushPlusURL))
}

func (n *Notifier) bark(title, body string) error {
	return checkStatus(n.http.R().
		SetBody(map[string]any{
			"title":     title,
			"body":      body,
			"level":     "timeSensitive",
			"badge":     1,
			"group":     "bili-ticket",
			"isArchive": 1,
		}).
		Post(n.barkURL + "/" + n.cfg.Bark))
}

func (n *Notifier) dingTalk(body string) error {
	return checkStatus(n.http.R().
		SetQueryParam("access_token", n.cfg.DingTalk).
		SetBody(map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": body},
			"at":      map[string]any{"isAtAll": false},
		}).
		Post(n.dingTalkURL))
}

func (n *Notifier) weCom(body string) error {
	return checkStatus(n.http.R().
		SetQueryParam("key", n.cfg.WeCom).
		SetBody(map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": body},
		}).
		Post(n.weComURL))
}

func (n *Notifier) serverChan(title, body string) error {
	return checkStatus(n.http.R().
		SetFormData(map[string]string{
			"title": title,
			"desp":  body,
			"noip":  "1",
		}).
		Post(n.serverChanURL + "/" + n.cfg.ServerChan + ".send"))
}

// mail delivers over the configured SMTP relay.
func (n *Notifier) mail(title, body string) error {
	cfg := n.cfg.SMTP
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	msg := strings.Join([]string{
		"From: " + cfg.Sender,
		"To: " + strings.Join(cfg.Receivers, ", "),
		"Subject: " + title,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if cfg.User != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	}
	return smtp.SendMail(addr, auth, cfg.Sender, cfg.Receivers, []byte(msg))
}

// desktop raises a local popup and rings the terminal bell. Both are
// best-effort: a headless box just logs.
func (n *Notifier) desktop(title, body string) error {
	if n.cfg.Sound {
		fmt.Print("\a\a")
	}
	if !n.cfg.System {
		return nil
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", body, title)
		cmd = exec.Command("osascript", "-e", script)
	case "windows":
		cmd = exec.Command("msg", "*", title+": "+body)
	default:
		cmd = exec.Command("notify-send", title, body)
	}
	return cmd.Run()
}
