package notify

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bili-ticket-bot/internal/config"
	"bili-ticket-bot/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capture struct {
	mu   sync.Mutex
	hits map[string]*http.Request
	body map[string]string
}

func newCapture() *capture {
	return &capture{hits: make(map[string]*http.Request), body: make(map[string]string)}
}

func (c *capture) handler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.hits[name] = r
		c.body[name] = string(body)
		c.mu.Unlock()
		w.Write([]byte(`{"code":0}`))
	}
}

func TestSuccessFansOutToAllEnabledChannels(t *testing.T) {
	t.Parallel()

	cap := newCapture()
	mux := http.NewServeMux()
	mux.HandleFunc("/pushplus", cap.handler("pushplus"))
	mux.HandleFunc("/bark/", cap.handler("bark"))
	mux.HandleFunc("/dingtalk", cap.handler("dingtalk"))
	mux.HandleFunc("/wecom", cap.handler("wecom"))
	mux.HandleFunc("/serverchan/", cap.handler("serverchan"))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	n := New(config.NotifyConfig{
		PushPlus:   "pp-token",
		Bark:       "bark-token",
		DingTalk:   "dd-token",
		WeCom:      "wc-key",
		ServerChan: "sc-token",
	}, discardLogger())
	n.pushPlusURL = srv.URL + "/pushplus"
	n.barkURL = srv.URL + "/bark"
	n.dingTalkURL = srv.URL + "/dingtalk"
	n.weComURL = srv.URL + "/wecom"
	n.serverChanURL = srv.URL + "/serverchan"

	n.Success(types.SuccessRecord{
		ProjectID:  1001,
		ProjectURL: "https://show.bilibili.com/platform/orderlist",
		OrderID:    12345,
		PayMoney:   19900,
		CreatedAt:  time.Now(),
	})
	n.Wait(5 * time.Second)

	cap.mu.Lock()
	defer cap.mu.Unlock()

	for _, name := range []string{"pushplus", "bark", "dingtalk", "wecom", "serverchan"} {
		if cap.hits[name] == nil {
			t.Errorf("channel %s never called", name)
		}
	}

	var pp map[string]string
	if err := json.Unmarshal([]byte(cap.body["pushplus"]), &pp); err != nil {
		t.Fatalf("pushplus body: %v", err)
	}
	if pp["token"] != "pp-token" || !strings.Contains(pp["content"], "12345") ||
		!strings.Contains(pp["content"], "199.00") {
		t.Errorf("pushplus payload = %v", pp)
	}

	if r := cap.hits["bark"]; !strings.HasSuffix(r.URL.Path, "/bark-token") {
		t.Errorf("bark path = %q, want the token as the last segment", r.URL.Path)
	}
	if r := cap.hits["dingtalk"]; r.URL.Query().Get("access_token") != "dd-token" {
		t.Errorf("dingtalk query = %v", r.URL.Query())
	}
	if r := cap.hits["wecom"]; r.URL.Query().Get("key") != "wc-key" {
		t.Errorf("wecom query = %v", r.URL.Query())
	}
	if r := cap.hits["serverchan"]; !strings.HasSuffix(r.URL.Path, "/sc-token.send") {
		t.Errorf("serverchan path = %q", r.URL.Path)
	}
	if !strings.Contains(cap.body["serverchan"], "noip=1") {
		t.Errorf("serverchan body = %q, want the noip flag", cap.body["serverchan"])
	}
}

func TestSuccessSkipsDisabledChannels(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	n := New(config.NotifyConfig{}, discardLogger())
	n.pushPlusURL = srv.URL
	n.barkURL = srv.URL
	n.dingTalkURL = srv.URL
	n.weComURL = srv.URL
	n.serverChanURL = srv.URL

	n.Success(types.SuccessRecord{OrderID: 1})
	n.Wait(time.Second)

	if called {
		t.Error("a disabled channel fired")
	}
}

func TestFailingChannelDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	cap := newCapture()
	mux := http.NewServeMux()
	mux.HandleFunc("/dead", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/wecom", cap.handler("wecom"))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	n := New(config.NotifyConfig{PushPlus: "pp", WeCom: "wc"}, discardLogger())
	n.pushPlusURL = srv.URL + "/dead"
	n.weComURL = srv.URL + "/wecom"

	n.Success(types.SuccessRecord{OrderID: 7})
	n.Wait(5 * time.Second)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	if cap.hits["wecom"] == nil {
		t.Error("healthy channel starved by the failing one")
	}
}

func TestWaitTimesOut(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	n := New(config.NotifyConfig{WeCom: "wc"}, discardLogger())
	n.weComURL = srv.URL

	n.Success(types.SuccessRecord{OrderID: 7})
	start := time.Now()
	n.Wait(50 * time.Millisecond)
	if time.Since(start) > 2*time.Second {
		t.Error("Wait did not honor its timeout")
	}
}
