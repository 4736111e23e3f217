// Package engine is the acquisition state machine at the heart of the bot.
//
// One single-threaded loop drives eight states:
//
//	Start → WaitForSale → QueryToken ⇄ RiskChallenge
//	                    ↘ CreateOrder ⇄ WaitForStock
//	                      CreateOrder → ConfirmOrder → Done
//
// Each state's action performs at most a handful of API calls, records the
// result code on the engine, and yields; the transition table then picks the
// next state from that code. All sleeps are explicit and happen inside the
// actions, paced by the Schedule (countdown tiers before the sale, the
// available ladder during the race).
//
// Concurrency model: the loop owns every piece of mutable state. The only
// goroutines the bot ever spawns are the notification fan-out after Done.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bili-ticket-bot/internal/bili"
	"bili-ticket-bot/internal/captcha"
	"bili-ticket-bot/internal/open"
	"bili-ticket-bot/pkg/types"
)

// State enumerates the acquisition phases.
type State int

const (
	StateStart State = iota
	StateWaitForSale
	StateQueryToken
	StateRiskChallenge
	StateWaitForStock
	StateCreateOrder
	StateConfirmOrder
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateWaitForSale:
		return "WaitForSale"
	case StateQueryToken:
		return "QueryToken"
	case StateRiskChallenge:
		return "RiskChallenge"
	case StateWaitForStock:
		return "WaitForStock"
	case StateCreateOrder:
		return "CreateOrder"
	case StateConfirmOrder:
		return "ConfirmOrder"
	case StateDone:
		return "Done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// API is the slice of the vendor adapter the engine drives. *bili.API
// satisfies it; tests substitute a scripted fake.
type API interface {
	ProjectInfo(ctx context.Context) int
	Prepare(ctx context.Context) (int, string)
	RiskRegister(ctx context.Context) (int, string)
	RiskValidate(ctx context.Context, validate string, mode bili.ChallengeType) (int, bool)
	CreateOrder(ctx context.Context) (int, string)
	CreateStatus(ctx context.Context) (int, string)
	OrderInfo(ctx context.Context) (int, string)

	Snapshot() (types.ProjectSnapshot, bool)
	Risk() bili.RiskContext
	ContactSaved() bool
	OrderID() int64
	OrderToken() string
	PayMoney() types.Fen
}

// Notifier receives the success record in the terminal state.
type Notifier interface {
	Success(rec types.SuccessRecord)
}

// prewarmLead is how far before sale start the token pre-warm fires.
const prewarmLead = 30 * time.Second

// orderListURL is the page holding the freshly locked order's payment flow.
const orderListURL = "https://show.bilibili.com/platform/orderlist"

type logKey struct {
	state State
	code  int
}

// Engine runs the acquisition loop for one target.
type Engine struct {
	api      API
	solver   captcha.Solver
	notifier Notifier
	sched    *Schedule
	logger   *slog.Logger
	target   types.TargetSpec

	state State

	// Last result code per concern; the transition table reads these.
	tokenCode  int
	riskCode   int
	stockReady bool
	createCode int

	skipToken bool // token already in hand from the pre-warm
	seeded    bool // the one opportunistic snapshot refresh has happened

	logged map[logKey]struct{}

	// Injected for tests.
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	openURL func(url string) error
}

// New wires the engine. notifier may be nil.
func New(api API, solver captcha.Solver, notifier Notifier, target types.TargetSpec, sched *Schedule, logger *slog.Logger) *Engine {
	return &Engine{
		api:      api,
		solver:   solver,
		notifier: notifier,
		sched:    sched,
		logger:   logger.With("component", "engine"),
		target:   target,
		logged:   make(map[logKey]struct{}),
		now:      time.Now,
		sleep:    sleepCtx,
		openURL:  open.Browser,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the state machine to completion. It returns the success record
// on Done, or an error when a fatal vendor code or cancellation ends the run.
func (e *Engine) Run(ctx context.Context) (types.SuccessRecord, error) {
	e.state = StateStart
	for {
		if err := ctx.Err(); err != nil {
			return types.SuccessRecord{}, err
		}

		switch e.state {
		case StateStart:
			e.logger.Info("starting acquisition",
				"project_id", e.target.ProjectID,
				"screen_id", e.target.ScreenID,
				"sku_id", e.target.SkuID,
				"count", e.target.Count,
			)
			e.state = StateWaitForSale

		case StateWaitForSale:
			if err := e.waitForSale(ctx); err != nil {
				return types.SuccessRecord{}, err
			}
			if e.skipToken {
				e.state = StateCreateOrder
			} else {
				e.state = StateQueryToken
			}

		case StateQueryToken:
			if err := e.queryToken(ctx); err != nil {
				return types.SuccessRecord{}, err
			}
			switch e.tokenCode {
			case types.CodeOK:
				e.state = StateCreateOrder
			case types.CodeRiskChallenge:
				e.state = StateRiskChallenge
			}

		case StateRiskChallenge:
			if err := e.riskChallenge(ctx); err != nil {
				return types.SuccessRecord{}, err
			}
			if e.riskCode == types.CodeOK {
				e.state = StateQueryToken
			}

		case StateWaitForStock:
			if err := e.waitForStock(ctx); err != nil {
				return types.SuccessRecord{}, err
			}
			if e.stockReady || e.sched.ForceCreate(e.now()) {
				e.state = StateCreateOrder
			}

		case StateCreateOrder:
			if err := e.createOrder(ctx); err != nil {
				return types.SuccessRecord{}, err
			}

		case StateConfirmOrder:
			if err := e.confirmOrder(ctx); err != nil {
				return types.SuccessRecord{}, err
			}

		case StateDone:
			return e.finish(), nil
		}
	}
}

// waitForSale sleeps through the countdown in coarse tiers, pre-warming the
// order token at T-30 s. A countdown already at or past zero exits with no
// extra sleep.
func (e *Engine) waitForSale(ctx context.Context) error {
	var saleStart int64
	for {
		code := e.api.ProjectInfo(ctx)
		if code == types.CodeOK {
			snap, _ := e.api.Snapshot()
			saleStart = snap.SaleStart
			break
		}
		if code == types.CodeTargetNotFound {
			return fmt.Errorf("configured screen/sku not found in project %d", e.target.ProjectID)
		}
		e.logResult(StateWaitForSale, code, "project info failed")
		if err := e.sleep(ctx, e.sched.DefaultSleep()); err != nil {
			return err
		}
	}

	startAt := time.Unix(saleStart, 0)
	if remaining := startAt.Sub(e.now()); remaining > 0 {
		e.logger.Info("waiting for sale start",
			"sale_start", startAt.Format("2006-01-02 15:04:05"),
			"countdown", remaining.Round(time.Second),
		)
	}

	prewarmed := false
	for {
		remaining := startAt.Sub(e.now())
		if remaining <= 0 {
			return nil
		}
		if remaining <= prewarmLead && !prewarmed {
			prewarmed = true
			if err := e.prewarm(ctx); err != nil {
				return err
			}
			continue
		}
		if err := e.sleep(ctx, CountdownNap(remaining)); err != nil {
			return err
		}
	}
}

// prewarm grabs the order token just before the gate opens, solving a
// challenge if one fires, so the first create at T-0 skips the token round
// trip entirely.
func (e *Engine) prewarm(ctx context.Context) error {
	if err := e.queryToken(ctx); err != nil {
		return err
	}
	if e.tokenCode == types.CodeRiskChallenge {
		if err := e.riskChallenge(ctx); err != nil {
			return err
		}
		if e.riskCode == types.CodeOK {
			if err := e.queryToken(ctx); err != nil {
				return err
			}
		}
	}
	if e.tokenCode == types.CodeOK {
		e.skipToken = true
		e.logger.Info("token pre-warmed, first create will skip the token round trip")
	}
	return nil
}

// queryToken runs one Prepare. The first call through here also refreshes
// the project snapshot once, seeding the sku path cache for the race.
func (e *Engine) queryToken(ctx context.Context) error {
	code, msg := e.api.Prepare(ctx)
	e.tokenCode = code
	if code != types.CodeOK {
		e.logResult(StateQueryToken, code, msg)
	}

	if !e.seeded {
		e.seeded = true
		e.api.ProjectInfo(ctx)
	}

	if code != types.CodeOK && code != types.CodeRiskChallenge {
		return e.sleep(ctx, e.sched.DefaultSleep())
	}
	return nil
}

// riskChallenge registers with the risk gate, dispatches on the challenge
// type, and validates the answer. riskCode ends up 0 only on full success.
func (e *Engine) riskChallenge(ctx context.Context) error {
	code, msg := e.api.RiskRegister(ctx)
	if code == types.CodeRiskSolved {
		// Solved elsewhere; the adapter already marked the session risked.
		e.riskCode = types.CodeOK
		return nil
	}
	if code != types.CodeOK {
		e.riskCode = code
		e.logResult(StateRiskChallenge, code, msg)
		return e.sleep(ctx, e.sched.DefaultSleep())
	}

	risk := e.api.Risk()
	switch risk.Type {
	case bili.ChallengeGeetest:
		validate, err := e.solver.Solve(ctx, risk.Challenge)
		if err != nil || validate == "" {
			e.logger.Warn("challenge solve failed", "error", err)
			e.riskCode = types.CodeTransport
			return e.sleep(ctx, e.sched.DefaultSleep())
		}
		e.riskCode = e.validate(ctx, validate, bili.ChallengeGeetest)
	case bili.ChallengePhone:
		if e.target.Phone == "" {
			e.logger.Error("risk gate wants phone confirmation but no phone is configured", "masked_tel", risk.Tel)
			e.riskCode = types.CodeTransport
			return e.sleep(ctx, e.sched.DefaultSleep())
		}
		e.riskCode = e.validate(ctx, "", bili.ChallengePhone)
	default:
		e.logger.Error("unsupported challenge type", "type", string(risk.Type))
		e.riskCode = types.CodeTransport
		return e.sleep(ctx, e.sched.DefaultSleep())
	}

	if e.riskCode != types.CodeOK {
		return e.sleep(ctx, e.sched.DefaultSleep())
	}
	return nil
}

func (e *Engine) validate(ctx context.Context, answer string, mode bili.ChallengeType) int {
	code, valid := e.api.RiskValidate(ctx, answer, mode)
	if valid {
		return types.CodeOK
	}
	e.logResult(StateRiskChallenge, code, "validate rejected")
	if code != types.CodeOK {
		return code
	}
	return types.CodeTransport
}

// waitForStock polls the project snapshot until the target sku looks
// orderable, stamping the sighting for the ladder.
func (e *Engine) waitForStock(ctx context.Context) error {
	e.stockReady = false
	code := e.api.ProjectInfo(ctx)
	if code == types.CodeOK {
		snap, _ := e.api.Snapshot()
		if snap.Sku.Available() {
			e.stockReady = true
			e.sched.MarkStock(e.now())
			e.logger.Info("stock sighted",
				"clickable", snap.Sku.Clickable,
				"sale_flag", snap.Sku.SaleFlag,
				"remaining", snap.Sku.Remaining,
			)
			return nil
		}
	} else {
		e.logResult(StateWaitForStock, code, "stock poll failed")
	}

	if !e.sched.ForceCreate(e.now()) {
		return e.sleep(ctx, e.sched.DefaultSleep())
	}
	return nil
}

// createOrder fires one create attempt and routes on its code. Successful
// creates double as stock sightings.
func (e *Engine) createOrder(ctx context.Context) error {
	code, msg := e.api.CreateOrder(ctx)
	now := e.now()
	e.sched.MarkCreate(now)
	e.createCode = code

	switch {
	case code == types.CodeOK:
		e.sched.MarkStock(now)
		e.state = StateConfirmOrder
		return nil

	case types.IsTokenStale(code):
		e.logResult(StateCreateOrder, code, "token went stale, re-preparing")
		e.state = StateQueryToken
		return nil

	case types.IsDuplicateOrder(code):
		e.logger.Info("an unpaid order already holds this ticket, treating as success",
			"order_id", e.api.OrderID())
		e.state = StateDone
		return nil

	case code == types.CodeContactMissing:
		if !e.api.ContactSaved() {
			return fmt.Errorf("fatal: contact info missing and saveContactInfo failed (code %d)", code)
		}
		e.logResult(StateCreateOrder, code, "contact info saved, retrying")
		return e.sleep(ctx, e.sched.DefaultSleep())

	case types.IsFatal(code):
		return fmt.Errorf("fatal vendor code %d: %s", code, msg)

	case code == types.CodeOverloaded || code == types.CodeSystemBusy:
		e.logResult(StateCreateOrder, code, msg)
		return e.sleep(ctx, e.sched.DefaultSleep())

	case e.sched.InWindow(now):
		// Stock was sighted moments ago — keep hammering on the ladder.
		e.logResult(StateCreateOrder, code, msg)
		return e.sleep(ctx, e.sched.NextSleep(now))

	default:
		e.logResult(StateCreateOrder, code, msg)
		e.state = StateWaitForStock
		return nil
	}
}

// confirmOrder checks that the create actually locked the order. Any
// non-zero at either step is a fake lock and routes back to create.
func (e *Engine) confirmOrder(ctx context.Context) error {
	code, msg := e.api.CreateStatus(ctx)
	if code != types.CodeOK {
		e.logResult(StateConfirmOrder, code, msg)
		e.state = StateCreateOrder
		return nil
	}
	code, msg = e.api.OrderInfo(ctx)
	if code != types.CodeOK {
		e.logResult(StateConfirmOrder, code, msg)
		e.state = StateCreateOrder
		return nil
	}
	e.state = StateDone
	return nil
}

// finish builds the success record, opens the payment page, and hands the
// record to the notification fan-out.
func (e *Engine) finish() types.SuccessRecord {
	rec := types.SuccessRecord{
		ProjectID:  e.target.ProjectID,
		ProjectURL: orderListURL,
		OrderID:    e.api.OrderID(),
		OrderToken: e.api.OrderToken(),
		PayMoney:   e.api.PayMoney(),
		CreatedAt:  e.now(),
	}

	e.logger.Info("order locked — pay within the hold window",
		"order_id", rec.OrderID,
		"pay_money", rec.PayMoney.Yuan(),
	)

	if err := e.openURL(rec.ProjectURL); err != nil {
		e.logger.Warn("could not open payment page", "error", err)
	}
	if e.notifier != nil {
		e.notifier.Success(rec)
	}
	return rec
}

// logResult logs each unique (state, code) pair once at INFO; repeats drop
// to DEBUG so a tight retry loop cannot flood the log.
func (e *Engine) logResult(state State, code int, msg string) {
	key := logKey{state: state, code: code}
	if _, seen := e.logged[key]; seen {
		e.logger.Debug("result", "state", state.String(), "code", code, "msg", msg)
		return
	}
	e.logged[key] = struct{}{}
	e.logger.Info("result", "state", state.String(), "code", code, "msg", msg)
}

// State returns the engine's current state (for tests and status display).
func (e *Engine) State() State { return e.state }
