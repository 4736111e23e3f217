package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"bili-ticket-bot/internal/bili"
	"bili-ticket-bot/internal/config"
	"bili-ticket-bot/pkg/types"
)

// fakeAPI scripts the vendor adapter with per-operation code sequences.
// The last code in a sequence repeats; an empty sequence returns 0.
type fakeAPI struct {
	project  []int
	prepare  []int
	register []int
	validate []validateResult
	create   []int
	status   []int
	info     []int

	snap    types.ProjectSnapshot
	riskCtx bili.RiskContext
	contact bool

	orderID    int64
	orderToken string
	payMoney   types.Fen

	// onCreate observes each create code before it is returned, letting a
	// test mirror the adapter's side effects (captured order id, corrected
	// pay money).
	onCreate func(f *fakeAPI, code int)

	counts        map[string]int
	lastValidate  string
	validateModes []bili.ChallengeType
}

type validateResult struct {
	code  int
	valid bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		snap: types.ProjectSnapshot{
			Sku: types.SkuStatus{Price: 9900, SaleFlag: types.SaleFlagOnSale, Clickable: true},
		},
		payMoney: 9900,
		counts:   make(map[string]int),
	}
}

func pop(seq *[]int) int {
	if len(*seq) == 0 {
		return 0
	}
	code := (*seq)[0]
	if len(*seq) > 1 {
		*seq = (*seq)[1:]
	}
	return code
}

func (f *fakeAPI) ProjectInfo(context.Context) int {
	f.counts["project"]++
	return pop(&f.project)
}

func (f *fakeAPI) Prepare(context.Context) (int, string) {
	f.counts["prepare"]++
	return pop(&f.prepare), ""
}

func (f *fakeAPI) RiskRegister(context.Context) (int, string) {
	f.counts["register"]++
	return pop(&f.register), ""
}

func (f *fakeAPI) RiskValidate(_ context.Context, validate string, mode bili.ChallengeType) (int, bool) {
	f.counts["validate"]++
	f.lastValidate = validate
	f.validateModes = append(f.validateModes, mode)
	if len(f.validate) == 0 {
		return 0, true
	}
	r := f.validate[0]
	if len(f.validate) > 1 {
		f.validate = f.validate[1:]
	}
	return r.code, r.valid
}

func (f *fakeAPI) CreateOrder(context.Context) (int, string) {
	f.counts["create"]++
	code := pop(&f.create)
	if f.onCreate != nil {
		f.onCreate(f, code)
	} else if code == 0 {
		f.orderID = 12345
		f.orderToken = "ot-12345"
	}
	return code, ""
}

func (f *fakeAPI) CreateStatus(context.Context) (int, string) {
	f.counts["status"]++
	return pop(&f.status), ""
}

func (f *fakeAPI) OrderInfo(context.Context) (int, string) {
	f.counts["info"]++
	return pop(&f.info), ""
}

func (f *fakeAPI) Snapshot() (types.ProjectSnapshot, bool) { return f.snap, true }
func (f *fakeAPI) Risk() bili.RiskContext                  { return f.riskCtx }
func (f *fakeAPI) ContactSaved() bool                      { return f.contact }
func (f *fakeAPI) OrderID() int64                          { return f.orderID }
func (f *fakeAPI) OrderToken() string                      { return f.orderToken }
func (f *fakeAPI) PayMoney() types.Fen                     { return f.payMoney }

type fakeSolver struct {
	validate string
	err      error
	seen     []string
}

func (s *fakeSolver) Solve(_ context.Context, challenge string) (string, error) {
	s.seen = append(s.seen, challenge)
	return s.validate, s.err
}

type fakeNotifier struct {
	recs []types.SuccessRecord
}

func (n *fakeNotifier) Success(rec types.SuccessRecord) { n.recs = append(n.recs, rec) }

// harness wires an engine onto a fake clock: every sleep advances the clock
// instead of blocking, and maxSleeps guards runaway loops by cancelling.
type harness struct {
	api      *fakeAPI
	solver   *fakeSolver
	notifier *fakeNotifier
	eng      *Engine

	clock     time.Time
	sleeps    int
	maxSleeps int
	opened    []string
}

func newHarness(t *testing.T, api *fakeAPI) *harness {
	t.Helper()
	h := &harness{
		api:       api,
		solver:    &fakeSolver{validate: "validate-ok"},
		notifier:  &fakeNotifier{},
		clock:     time.Unix(1700000000, 0),
		maxSleeps: 10000,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := NewSchedule(800*time.Millisecond, config.ScheduleConfig{
		RefreshInterval: 2100 * time.Millisecond,
	})
	target := types.TargetSpec{
		ProjectID: 1001, ScreenID: 2002, SkuID: 3003,
		OrderType: 1, Count: 1,
		Attendees: []types.Attendee{{"name": "张三"}},
		Phone:     "13800138000",
	}
	h.eng = New(api, h.solver, h.notifier, target, sched, logger)
	h.eng.now = func() time.Time { return h.clock }
	h.eng.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps++
		if h.sleeps > h.maxSleeps {
			return context.Canceled
		}
		h.clock = h.clock.Add(d)
		return nil
	}
	h.eng.openURL = func(url string) error {
		h.opened = append(h.opened, url)
		return nil
	}
	return h
}

func (h *harness) saleStartIn(d time.Duration) {
	h.api.snap.SaleStart = h.clock.Add(d).Unix()
	h.api.snap.Sku.SaleStart = h.api.snap.SaleStart
}

func TestRunHappyPathWithPrewarm(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	h := newHarness(t, api)
	h.saleStartIn(45 * time.Second)

	rec, err := h.eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.OrderID != 12345 || rec.OrderToken != "ot-12345" {
		t.Errorf("record = %+v", rec)
	}
	if rec.PayMoney != 9900 {
		t.Errorf("PayMoney = %d, want 9900", rec.PayMoney)
	}

	// The pre-warm fired: exactly one prepare, before T-0, and the first
	// create skipped the token round trip.
	if api.counts["prepare"] != 1 {
		t.Errorf("prepare calls = %d, want 1", api.counts["prepare"])
	}
	if !h.eng.skipToken {
		t.Error("token was not pre-warmed")
	}
	if api.counts["create"] != 1 || api.counts["status"] != 1 || api.counts["info"] != 1 {
		t.Errorf("create/status/info = %d/%d/%d, want 1/1/1",
			api.counts["create"], api.counts["status"], api.counts["info"])
	}
	if len(h.notifier.recs) != 1 {
		t.Fatalf("notifications = %d, want 1", len(h.notifier.recs))
	}
	if len(h.opened) != 1 || !strings.Contains(h.opened[0], "orderlist") {
		t.Errorf("opened = %v, want the order list page", h.opened)
	}
}

func TestRunAlreadyOnSaleSkipsPrewarm(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	h := newHarness(t, api)
	h.saleStartIn(-time.Minute)

	if _, err := h.eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// No pre-warm window: the token comes from the regular QueryToken state.
	if h.eng.skipToken {
		t.Error("skipToken set without a pre-warm window")
	}
	if api.counts["prepare"] != 1 {
		t.Errorf("prepare calls = %d, want 1", api.counts["prepare"])
	}
}

func TestRunTokenStaleReprepares(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.create = []int{100050, 0}
	h := newHarness(t, api)
	h.saleStartIn(-time.Minute)

	rec, err := h.eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if api.counts["prepare"] != 2 {
		t.Errorf("prepare calls = %d, want 2 (initial + refresh)", api.counts["prepare"])
	}
	if api.counts["create"] != 2 {
		t.Errorf("create calls = %d, want 2", api.counts["create"])
	}
	// The snapshot cache seeds exactly once per run: the sale-wait refresh
	// plus one opportunistic seed on the first token query. The second token
	// query after the stale bounce must not seed again.
	if api.counts["project"] != 2 {
		t.Errorf("project calls = %d, want 2 (sale wait + single seed)", api.counts["project"])
	}
	if rec.OrderID != 12345 {
		t.Errorf("OrderID = %d", rec.OrderID)
	}
}

func TestRunRiskChallengeGeetest(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.prepare = []int{-401, 0}
	api.riskCtx = bili.RiskContext{
		Type:      bili.ChallengeGeetest,
		Challenge: "ch-abc",
		GT:        "gt-key",
	}
	h := newHarness(t, api)
	h.saleStartIn(-time.Minute)

	if _, err := h.eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.solver.seen) != 1 || h.solver.seen[0] != "ch-abc" {
		t.Errorf("solver saw %v, want [ch-abc]", h.solver.seen)
	}
	if api.lastValidate != "validate-ok" {
		t.Errorf("validate answer = %q", api.lastValidate)
	}
	if api.counts["prepare"] != 2 {
		t.Errorf("prepare calls = %d, want 2 (challenged + risked)", api.counts["prepare"])
	}
}

func TestRunRiskAlreadySolved(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.prepare = []int{-401, 0}
	api.register = []int{types.CodeRiskSolved}
	h := newHarness(t, api)
	h.saleStartIn(-time.Minute)

	if _, err := h.eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if api.counts["validate"] != 0 {
		t.Errorf("validate calls = %d, want 0", api.counts["validate"])
	}
}

func TestRunPhoneChallengeWithoutPhoneLoopsWithoutCrash(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.prepare = []int{-401}
	api.riskCtx = bili.RiskContext{Type: bili.ChallengePhone, Tel: "138****8000"}
	h := newHarness(t, api)
	h.eng.target.Phone = ""
	h.saleStartIn(-time.Minute)
	h.maxSleeps = 20

	_, err := h.eng.Run(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want cancellation from the sleep guard", err)
	}
	if api.counts["validate"] != 0 {
		t.Errorf("validate calls = %d, want 0 without a configured phone", api.counts["validate"])
	}
}

func TestRunPriceDrift(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.create = []int{100034, 0}
	api.onCreate = func(f *fakeAPI, code int) {
		switch code {
		case 100034:
			f.payMoney = 19900
		case 0:
			f.orderID = 12345
			f.orderToken = "ot-12345"
		}
	}
	h := newHarness(t, api)
	h.saleStartIn(-time.Minute)

	rec, err := h.eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.PayMoney != 19900 {
		t.Errorf("PayMoney = %d, want the server-corrected 19900", rec.PayMoney)
	}
	if api.counts["create"] != 2 {
		t.Errorf("create calls = %d, want 2", api.counts["create"])
	}
}

func TestRunDuplicateUnpaidOrderIsSuccess(t *testing.T) {
	t.Parallel()

	for _, code := range []int{types.CodeUnpaidOrderExists, types.CodeUnpaidOrderFound} {
		api := newFakeAPI()
		api.create = []int{code}
		api.onCreate = func(f *fakeAPI, _ int) { f.orderID = 999 }
		h := newHarness(t, api)
		h.saleStartIn(-time.Minute)

		rec, err := h.eng.Run(context.Background())
		if err != nil {
			t.Fatalf("code %d: Run: %v", code, err)
		}
		if rec.OrderID != 999 {
			t.Errorf("code %d: OrderID = %d, want the blocking order 999", code, rec.OrderID)
		}
		// Duplicate orders skip confirmation: the lock already exists.
		if api.counts["status"] != 0 || api.counts["info"] != 0 {
			t.Errorf("code %d: confirm ran on a duplicate order", code)
		}
	}
}

func TestRunTransientProjectFailuresRetry(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.project = []int{types.CodeTransport, types.CodeTransport, 0}
	h := newHarness(t, api)
	h.saleStartIn(-time.Minute)

	if _, err := h.eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if api.counts["project"] < 3 {
		t.Errorf("project calls = %d, want at least 3", api.counts["project"])
	}
}

func TestRunTargetNotFoundIsFatal(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.project = []int{types.CodeTargetNotFound}
	h := newHarness(t, api)

	_, err := h.eng.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Run = %v, want a target-not-found error", err)
	}
}

func TestRunFatalVendorCode(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.create = []int{types.CodeNotOnSale}
	h := newHarness(t, api)
	h.saleStartIn(-time.Minute)

	_, err := h.eng.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "fatal") {
		t.Fatalf("Run = %v, want a fatal-code error", err)
	}
}

func TestRunContactMissing(t *testing.T) {
	t.Parallel()

	t.Run("self-heal retries", func(t *testing.T) {
		t.Parallel()
		api := newFakeAPI()
		api.create = []int{types.CodeContactMissing, 0}
		api.contact = true
		h := newHarness(t, api)
		h.saleStartIn(-time.Minute)

		if _, err := h.eng.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if api.counts["create"] != 2 {
			t.Errorf("create calls = %d, want 2", api.counts["create"])
		}
	})

	t.Run("failed heal is fatal", func(t *testing.T) {
		t.Parallel()
		api := newFakeAPI()
		api.create = []int{types.CodeContactMissing}
		api.contact = false
		h := newHarness(t, api)
		h.saleStartIn(-time.Minute)

		if _, err := h.eng.Run(context.Background()); err == nil {
			t.Fatal("Run succeeded, want a fatal error")
		}
	})
}

func TestRunFakeLockRoutesBackToCreate(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.status = []int{types.CodeStockPending, 0}
	h := newHarness(t, api)
	h.saleStartIn(-time.Minute)

	if _, err := h.eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if api.counts["create"] != 2 {
		t.Errorf("create calls = %d, want 2 (retry after the fake lock)", api.counts["create"])
	}
	if api.counts["status"] != 2 {
		t.Errorf("status calls = %d, want 2", api.counts["status"])
	}
}

func TestRunStockPollingBridgesSoldOutGap(t *testing.T) {
	t.Parallel()

	// First create bounces with no-stock and the sighting window is cold, so
	// the engine falls back to stock polling until the sku looks orderable.
	api := newFakeAPI()
	api.create = []int{types.CodeStockEmpty, 0}
	api.snap.Sku.Clickable = false
	api.snap.Sku.SaleFlag = types.SaleFlagSoldOut
	h := newHarness(t, api)
	h.saleStartIn(-time.Minute)

	// Flip stock back on after a few polls, via the sleep hook.
	polls := 0
	h.eng.sleep = func(_ context.Context, d time.Duration) error {
		polls++
		if polls > 5000 {
			return context.Canceled
		}
		if polls == 3 {
			api.snap.Sku.Remaining = 10
		}
		h.clock = h.clock.Add(d)
		return nil
	}

	if _, err := h.eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if api.counts["create"] != 2 {
		t.Errorf("create calls = %d, want 2", api.counts["create"])
	}
}

func TestRunCancelledContext(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	h := newHarness(t, api)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.eng.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}
