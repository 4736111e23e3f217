package bili

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"bili-ticket-bot/pkg/types"
)

// ChallengeType discriminates the risk gate's verification modes.
type ChallengeType string

const (
	ChallengeGeetest  ChallengeType = "geetest"
	ChallengePhone    ChallengeType = "phone"
	ChallengeSMS      ChallengeType = "sms"
	ChallengeBiliword ChallengeType = "biliword"
	ChallengeUnknown  ChallengeType = "unknown"
)

// RiskContext carries the riskParams block a -401 prepare returns, plus the
// register response. The engine echoes these verbatim into the register call.
type RiskContext struct {
	Mid          json.Number
	Buvid        string
	IP           string
	Scene        string
	UA           string
	Voucher      string
	DecisionType json.Number

	Type      ChallengeType
	Challenge string
	GT        string
	Tel       string // masked phone, informational only
}

// API exposes the typed vendor operations the state machine drives. It owns
// the order context (token, order id, pay money) and the risk context; the
// engine reads them through accessors and never touches the wire shapes.
//
// All methods follow the same contract: they return the unified result code
// (vendor or synthetic) and record any payload fields on the API itself.
type API struct {
	client *Client
	logger *slog.Logger
	target types.TargetSpec

	// scene is the requestSource string. It starts as neul-next and is
	// overwritten by the riskParams scene when the gate fires; the mutated
	// value persists across later prepares.
	scene string

	// Cached indices into the snapshot's screen/ticket arrays. Linear search
	// re-runs only when the vendor reorders the lists.
	screenIdx, skuIdx int

	snapshot types.ProjectSnapshot
	haveSnap bool

	token      string // prepare/register token, whichever was issued last
	orderID    int64
	orderToken string
	payMoney   types.Fen
	risked     bool
	contactOK  bool

	risk RiskContext
}

// NewAPI creates the adapter for one target.
func NewAPI(client *Client, target types.TargetSpec, logger *slog.Logger) *API {
	return &API{
		client: client,
		logger: logger.With("component", "api"),
		target: target,
		scene:  "neul-next",
	}
}

// ————————————————————————————————————————————————————————————————————————
// Wire shapes
// ————————————————————————————————————————————————————————————————————————

type projectData struct {
	HasPaperTicket bool         `json:"has_paper_ticket"`
	ScreenList     []screenData `json:"screen_list"`
}

type screenData struct {
	ID         int64     `json:"id"`
	ExpressFee int64     `json:"express_fee"`
	TicketList []skuData `json:"ticket_list"`
}

type skuData struct {
	ID             int64 `json:"id"`
	Price          int64 `json:"price"` // fen
	SaleStart      int64 `json:"saleStart"`
	Clickable      bool  `json:"clickable"`
	SaleFlagNumber int   `json:"sale_flag_number"`
	Num            int   `json:"num"`
}

type prepareData struct {
	Token  string `json:"token"`
	GaData struct {
		RiskParams struct {
			Mid          json.Number `json:"mid"`
			DecisionType json.Number `json:"decision_type"`
			Buvid        string      `json:"buvid"`
			IP           string      `json:"ip"`
			Scene        string      `json:"scene"`
			UA           string      `json:"ua"`
			VVoucher     string      `json:"v_voucher"`
		} `json:"riskParams"`
	} `json:"ga_data"`
}

type registerData struct {
	Token   string `json:"token"`
	Type    string `json:"type"`
	Geetest struct {
		Challenge string `json:"challenge"`
		GT        string `json:"gt"`
	} `json:"geetest"`
	Phone struct {
		Tel string `json:"tel"`
	} `json:"phone"`
}

type validateData struct {
	IsValid int `json:"is_valid"`
}

type createData struct {
	OrderID int64  `json:"orderId"`
	Token   string `json:"token"`
}

type payMoneyData struct {
	PayMoney int64 `json:"pay_money"`
}

type statusData struct {
	OrderID int64 `json:"order_id"`
}

// ————————————————————————————————————————————————————————————————————————
// Operations
// ————————————————————————————————————————————————————————————————————————

// ProjectInfo refreshes the project snapshot and locates the target sku.
// The cached (screenIdx, skuIdx) path is tried first; when the vendor has
// reordered the arrays the linear search re-runs and the path is re-cached.
func (a *API) ProjectInfo(ctx context.Context) int {
	env := a.client.Call(ctx, http.MethodGet, a.client.showHost+"/api/ticket/project/getV2", url.Values{
		"version":       {"134"},
		"id":            {strconv.FormatInt(a.target.ProjectID, 10)},
		"project_id":    {strconv.FormatInt(a.target.ProjectID, 10)},
		"requestSource": {a.scene},
	})
	if env.Code != types.CodeOK {
		return env.Code
	}

	var data projectData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		a.logger.Warn("undecodable project payload", "error", err)
		return types.CodeTransport
	}

	if a.screenIdx < len(data.ScreenList) {
		screen := data.ScreenList[a.screenIdx]
		if screen.ID == a.target.ScreenID && a.skuIdx < len(screen.TicketList) {
			if sku := screen.TicketList[a.skuIdx]; sku.ID == a.target.SkuID {
				a.recordSnapshot(data, screen, sku)
				return types.CodeOK
			}
		}
	}

	for i, screen := range data.ScreenList {
		if screen.ID != a.target.ScreenID {
			continue
		}
		for j, sku := range screen.TicketList {
			if sku.ID == a.target.SkuID {
				a.screenIdx, a.skuIdx = i, j
				a.recordSnapshot(data, screen, sku)
				return types.CodeOK
			}
		}
	}

	a.logger.Warn("target sku missing from project snapshot",
		"screen_id", a.target.ScreenID, "sku_id", a.target.SkuID)
	return types.CodeTargetNotFound
}

func (a *API) recordSnapshot(data projectData, screen screenData, sku skuData) {
	a.snapshot = types.ProjectSnapshot{
		SaleStart:   sku.SaleStart,
		PaperTicket: data.HasPaperTicket,
		ExpressFee:  types.Fen(screen.ExpressFee),
		Sku: types.SkuStatus{
			Price:     types.Fen(sku.Price),
			SaleStart: sku.SaleStart,
			Clickable: sku.Clickable,
			SaleFlag:  sku.SaleFlagNumber,
			Remaining: sku.Num,
		},
	}
	a.haveSnap = true
}

// Prepare requests an order token. Right after a solved challenge the URL
// additionally carries the token and gaia_vtoken, after which the risked
// flag clears — the vtoken rides along exactly once.
func (a *API) Prepare(ctx context.Context) (int, string) {
	u := a.client.showHost + "/api/ticket/order/prepare?project_id=" + strconv.FormatInt(a.target.ProjectID, 10)
	if a.risked {
		u += "&token=" + url.QueryEscape(a.token) + "&gaia_vtoken=" + url.QueryEscape(a.token)
		a.risked = false
	}

	env := a.client.Call(ctx, http.MethodPost, u, url.Values{
		"project_id":    {strconv.FormatInt(a.target.ProjectID, 10)},
		"screen_id":     {strconv.FormatInt(a.target.ScreenID, 10)},
		"sku_id":        {strconv.FormatInt(a.target.SkuID, 10)},
		"count":         {strconv.Itoa(a.target.Count)},
		"order_type":    {strconv.Itoa(a.target.OrderType)},
		"token":         {""},
		"requestSource": {a.scene},
		"newRisk":       {"true"},
	})

	switch env.Code {
	case types.CodeOK:
		var data prepareData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
			a.logger.Warn("prepare succeeded without a token", "error", err)
			return types.CodeTransport, "missing token"
		}
		a.token = data.Token
	case types.CodeRiskChallenge:
		var data prepareData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			a.logger.Warn("undecodable risk params", "error", err)
			return types.CodeTransport, "bad riskParams"
		}
		rp := data.GaData.RiskParams
		a.risk = RiskContext{
			Mid:          rp.Mid,
			Buvid:        rp.Buvid,
			IP:           rp.IP,
			Scene:        rp.Scene,
			UA:           rp.UA,
			Voucher:      rp.VVoucher,
			DecisionType: rp.DecisionType,
		}
		if rp.Scene != "" {
			a.scene = rp.Scene
		}
	}
	return env.Code, env.Msg
}

// RiskRegister opens a challenge flow with the risk gate. Code 100000 means
// the challenge was already solved elsewhere and is mapped to success with
// no challenge to run.
func (a *API) RiskRegister(ctx context.Context) (int, string) {
	env := a.client.Call(ctx, http.MethodPost, a.client.apiHost+"/x/gaia-vgate/v1/register", url.Values{
		"buvid":         {a.risk.Buvid},
		"csrf":          {a.client.CSRF()},
		"decision_type": {a.risk.DecisionType.String()},
		"ip":            {a.risk.IP},
		"mid":           {a.risk.Mid.String()},
		"origin_scene":  {a.risk.Scene},
		"scene":         {a.risk.Scene},
		"ua":            {a.risk.UA},
		"v_voucher":     {a.risk.Voucher},
	})

	switch env.Code {
	case types.CodeOK:
		var data registerData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			a.logger.Warn("undecodable register payload", "error", err)
			return types.CodeTransport, "bad register data"
		}
		a.token = data.Token
		switch ChallengeType(data.Type) {
		case ChallengeGeetest:
			a.risk.Type = ChallengeGeetest
			a.risk.Challenge = data.Geetest.Challenge
			a.risk.GT = data.Geetest.GT
		case ChallengePhone:
			a.risk.Type = ChallengePhone
			a.risk.Tel = data.Phone.Tel
		case ChallengeSMS:
			a.risk.Type = ChallengeSMS
		case ChallengeBiliword:
			a.risk.Type = ChallengeBiliword
		default:
			a.risk.Type = ChallengeUnknown
		}
	case types.CodeRiskSolved:
		// Solved on another device or session. Nothing left to validate.
		a.risk.Type = ""
		a.risked = true
	}
	return env.Code, env.Msg
}

// RiskValidate submits the challenge answer. For geetest the answer is the
// solver's validate string; for phone it is the user's configured number.
// Success requires both code 0 and is_valid 1, after which the vtoken cookie
// is injected for the next prepare.
func (a *API) RiskValidate(ctx context.Context, validate string, mode ChallengeType) (int, bool) {
	var params url.Values
	switch mode {
	case ChallengeGeetest:
		params = url.Values{
			"challenge": {a.risk.Challenge},
			"csrf":      {a.client.CSRF()},
			"seccode":   {validate + "|jordan"},
			"token":     {a.token},
			"validate":  {validate},
		}
	case ChallengePhone:
		params = url.Values{
			"code":  {a.target.Phone},
			"csrf":  {a.client.CSRF()},
			"token": {a.token},
		}
	default:
		a.logger.Error("unsupported challenge mode", "mode", mode)
		return types.CodeTransport, false
	}

	env := a.client.Call(ctx, http.MethodGet, a.client.apiHost+"/x/gaia-vgate/v1/validate", params)
	if env.Code != types.CodeOK {
		return env.Code, false
	}

	var data validateData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.IsValid != 1 {
		return env.Code, false
	}

	a.risked = true
	a.client.SetCookie(CookieGaiaVToken, a.token)
	return env.Code, true
}

// CreateOrder races one order create. Two vendor objections are healed
// in place without advancing state: 100034 updates the expected pay_money
// to whatever the server demanded, and 209001 pre-saves the contact info
// so the next attempt can pass.
func (a *API) CreateOrder(ctx context.Context) (int, string) {
	buyerInfo, err := json.Marshal(a.target.Attendees)
	if err != nil {
		a.logger.Error("unserializable attendee list", "error", err)
		return types.CodeTransport, "bad buyer_info"
	}

	nowMs := time.Now().UnixMilli()
	click, _ := json.Marshal(types.ClickPosition{
		X:      1300 + rand.Intn(201),
		Y:      20 + rand.Intn(81),
		Origin: nowMs - int64(2500+rand.Intn(7501)),
		Now:    nowMs,
	})

	params := url.Values{
		"project_id":    {strconv.FormatInt(a.target.ProjectID, 10)},
		"screen_id":     {strconv.FormatInt(a.target.ScreenID, 10)},
		"sku_id":        {strconv.FormatInt(a.target.SkuID, 10)},
		"count":         {strconv.Itoa(a.target.Count)},
		"pay_money":     {strconv.FormatInt(int64(a.PayMoney()), 10)},
		"order_type":    {strconv.Itoa(a.target.OrderType)},
		"timestamp":     {strconv.FormatInt(nowMs, 10)},
		"buyer_info":    {string(buyerInfo)},
		"token":         {a.token},
		"deviceId":      {newDeviceID()},
		"clickPosition": {string(click)},
		"newRisk":       {"true"},
		"requestSource": {a.scene},
	}
	if a.snapshot.PaperTicket && a.target.Deliver != nil {
		deliver, err := json.Marshal(a.target.Deliver)
		if err != nil {
			a.logger.Error("unserializable delivery address", "error", err)
			return types.CodeTransport, "bad deliver_info"
		}
		params.Set("deliver_info", string(deliver))
		params.Set("buyer", a.target.Username)
		params.Set("tel", a.target.Phone)
	}

	env := a.client.Call(ctx, http.MethodPost,
		a.client.showHost+"/api/ticket/order/createV2?project_id="+strconv.FormatInt(a.target.ProjectID, 10), params)

	switch env.Code {
	case types.CodeOK:
		var data createData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			a.logger.Warn("undecodable create payload", "error", err)
			return types.CodeTransport, "bad create data"
		}
		a.orderID = data.OrderID
		a.orderToken = data.Token
	case types.CodePriceChanged:
		var data payMoneyData
		if err := json.Unmarshal(env.Data, &data); err == nil && data.PayMoney > 0 {
			a.logger.Info("server corrected pay_money",
				"old", a.PayMoney().Yuan(), "new", types.Fen(data.PayMoney).Yuan())
			a.payMoney = types.Fen(data.PayMoney)
		}
	case types.CodeContactMissing:
		if code := a.saveContactInfo(ctx); code == types.CodeOK {
			a.contactOK = true
		}
	case types.CodeUnpaidOrderExists, types.CodeUnpaidOrderFound:
		var data createData
		if err := json.Unmarshal(env.Data, &data); err == nil && data.OrderID != 0 {
			a.orderID = data.OrderID
		}
	}
	return env.Code, env.Msg
}

// saveContactInfo self-heals the 209001 bounce by pre-saving the account's
// contact details.
func (a *API) saveContactInfo(ctx context.Context) int {
	env := a.client.Call(ctx, http.MethodPost, a.client.showHost+"/api/ticket/buyer/saveContactInfo", url.Values{
		"username": {a.target.Username},
		"tel":      {a.target.Phone},
		"csrf":     {a.client.CSRF()},
	})
	if env.Code != types.CodeOK {
		a.logger.Error("saveContactInfo failed", "code", env.Code, "msg", env.Msg)
	}
	return env.Code
}

// CreateStatus polls whether the created order got locked. Code 100012 with
// a matching order id means a prior racing attempt already locked it and is
// reported as success.
func (a *API) CreateStatus(ctx context.Context) (int, string) {
	env := a.client.Call(ctx, http.MethodGet, a.client.showHost+"/api/ticket/order/createstatus", url.Values{
		"token":      {a.orderToken},
		"project_id": {strconv.FormatInt(a.target.ProjectID, 10)},
		"orderId":    {strconv.FormatInt(a.orderID, 10)},
	})
	if env.Code == types.CodeOrderPending {
		var data statusData
		if err := json.Unmarshal(env.Data, &data); err == nil && data.OrderID == a.orderID {
			return types.CodeOK, env.Msg
		}
	}
	return env.Code, env.Msg
}

// OrderInfo confirms the order is visible on the account.
func (a *API) OrderInfo(ctx context.Context) (int, string) {
	env := a.client.Call(ctx, http.MethodGet, a.client.showHost+"/api/ticket/order/info", url.Values{
		"order_id": {strconv.FormatInt(a.orderID, 10)},
	})
	return env.Code, env.Msg
}

// ————————————————————————————————————————————————————————————————————————
// Accessors
// ————————————————————————————————————————————————————————————————————————

// Snapshot returns the last project snapshot; ok is false before the first
// successful ProjectInfo.
func (a *API) Snapshot() (types.ProjectSnapshot, bool) {
	return a.snapshot, a.haveSnap
}

// PayMoney returns the fen amount the next create will carry: unit price ×
// count plus the delivery fee on paper projects, unless the server already
// demanded a different total on a 100034 bounce.
func (a *API) PayMoney() types.Fen {
	if a.payMoney != 0 {
		return a.payMoney
	}
	money := a.snapshot.Sku.Price * types.Fen(a.target.Count)
	if a.snapshot.PaperTicket {
		money += a.snapshot.ExpressFee
	}
	return money
}

// Risk returns the current risk context.
func (a *API) Risk() RiskContext { return a.risk }

// Risked reports whether the next prepare will carry the gaia vtoken.
func (a *API) Risked() bool { return a.risked }

// ContactSaved reports whether the 209001 self-heal succeeded.
func (a *API) ContactSaved() bool { return a.contactOK }

// OrderID returns the created order id (0 before a successful create).
func (a *API) OrderID() int64 { return a.orderID }

// OrderToken returns the token issued with the created order.
func (a *API) OrderToken() string { return a.orderToken }

// Token returns the current prepare/register token.
func (a *API) Token() string { return a.token }

// Scene returns the current requestSource string.
func (a *API) Scene() string { return a.scene }

func newDeviceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
