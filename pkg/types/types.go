// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — the vendor response
// envelope, the numeric result codes the state machine switches on, the
// target spec loaded from configuration, and project/SKU snapshots. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Result codes
// ————————————————————————————————————————————————————————————————————————
//
// The vendor reports every outcome as an integer code. The bot never wraps
// these in error types: each API call returns its code and the state machine
// switches on it. A small negative range below -10000 is reserved for
// synthetic codes the client generates for transport-layer events.

const (
	// CodeOK means the call succeeded and the payload is usable.
	CodeOK = 0

	// CodeTransport is synthetic: network failure, timeout, non-2xx status,
	// or an undecodable body. Infinitely retryable.
	CodeTransport = -10001

	// CodeTargetNotFound is synthetic: the project snapshot decoded fine but
	// the configured screen/sku pair is not present in it.
	CodeTargetNotFound = -10002

	// CodeOverloaded is surfaced for HTTP 429 so the engine retries with the
	// default sleep instead of widening back-off.
	CodeOverloaded = 429

	// CodeRiskChallenge on prepare means the anti-abuse gate wants a
	// challenge solved before it will hand out a token.
	CodeRiskChallenge = -401

	// CodeRiskSolved on risk register means the challenge was already
	// completed elsewhere; treat as success.
	CodeRiskSolved = 100000

	CodeSystemBusy   = 100001 // vendor side hiccup, retry
	CodeStockPending = 219    // no orderable stock yet
	CodeStockEmpty   = 100009 // no remaining stock for the sku

	CodePriceChanged   = 100034 // pay_money rejected; server sends the amount it wants
	CodeContactMissing = 209001 // account has no saved contact info
	CodeOrderPending   = 100012 // createstatus: order not finalized yet, keep polling

	// An existing unpaid order blocks new creates. The user already holds a
	// locked ticket, so both codes terminate the run as a success.
	CodeUnpaidOrderExists = 100079
	CodeUnpaidOrderFound  = 100048

	// Token-stale band on create: the prepare token expired mid-race.
	CodeTokenStaleLo = 100050
	CodeTokenStaleHi = 100059

	// Fatal codes: the run cannot make progress and operator action is needed.
	CodeSaleStopped   = 100039
	CodeQuotaUsed     = 100049
	CodeNotOnSale     = 100016
	CodeNotForSale    = 100017
	CodeBadAttendee   = 100080
	CodeBadAttendeeID = 100082
	CodeLimitReached  = 100098
)

// IsTokenStale reports whether a create-order code means the prepare token
// must be re-acquired.
func IsTokenStale(code int) bool {
	return code >= CodeTokenStaleLo && code <= CodeTokenStaleHi
}

// IsDuplicateOrder reports whether a create-order code means an unpaid order
// already holds the ticket (terminal success).
func IsDuplicateOrder(code int) bool {
	return code == CodeUnpaidOrderExists || code == CodeUnpaidOrderFound
}

// IsFatal reports whether a code ends the run with a non-zero exit.
func IsFatal(code int) bool {
	switch code {
	case CodeSaleStopped, CodeQuotaUsed, CodeNotOnSale, CodeNotForSale,
		CodeBadAttendee, CodeBadAttendeeID, CodeLimitReached:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Response envelope
// ————————————————————————————————————————————————————————————————————————

// Envelope is the vendor's universal JSON response shape. Older endpoints
// use errno/msg, newer ones code/message; both decode into the same fields
// so callers switch on a single Code.
type Envelope struct {
	Code int
	Msg  string
	Data json.RawMessage
}

// envelopeWire mirrors the raw JSON so both field spellings can be read.
type envelopeWire struct {
	Code    *int            `json:"code"`
	Errno   *int            `json:"errno"`
	Msg     string          `json:"msg"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// UnmarshalJSON unifies code/errno and msg/message. When both are present,
// errno wins: the ticketing endpoints report their outcome there while
// keeping a vestigial code field.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch {
	case w.Errno != nil:
		e.Code = *w.Errno
	case w.Code != nil:
		e.Code = *w.Code
	}
	e.Msg = w.Msg
	if e.Msg == "" {
		e.Msg = w.Message
	}
	e.Data = w.Data
	return nil
}

// Transport returns a synthetic envelope for a failed transport attempt.
func Transport(msg string) Envelope {
	return Envelope{Code: CodeTransport, Msg: msg}
}

// ————————————————————————————————————————————————————————————————————————
// Money
// ————————————————————————————————————————————————————————————————————————

// Fen is an integer number of hundredths of a yuan. All monetary arithmetic
// on the wire and in the bot stays in Fen; floats never touch prices.
type Fen int64

// Yuan renders the amount as a human-readable yuan string, e.g. "199.00".
func (f Fen) Yuan() string {
	return decimal.NewFromInt(int64(f)).Div(decimal.NewFromInt(100)).StringFixed(2)
}

// ————————————————————————————————————————————————————————————————————————
// Target configuration
// ————————————————————————————————————————————————————————————————————————

// Attendee is an identity-verified buyer record. The bot treats it as opaque:
// whatever the configuration supplies is serialized verbatim into the order
// payload's buyer_info field.
type Attendee map[string]any

// DeliveryAddress is the pre-filled address for paper-ticket projects.
type DeliveryAddress struct {
	Name     string `json:"name" mapstructure:"name"`
	Tel      string `json:"tel" mapstructure:"tel"`
	AddrID   int64  `json:"addr_id" mapstructure:"addr_id"`
	Province string `json:"prov" mapstructure:"province"`
	City     string `json:"city" mapstructure:"city"`
	Area     string `json:"area" mapstructure:"area"`
	Addr     string `json:"addr" mapstructure:"addr"`
}

// TargetSpec pins down exactly what the bot is buying and for whom.
// Immutable once the engine starts.
type TargetSpec struct {
	ProjectID int64
	ScreenID  int64
	SkuID     int64
	OrderType int // vendor order type, default 1
	Count     int // 1 or the number of enrolled attendees

	Attendees []Attendee
	Deliver   *DeliveryAddress // nil unless the project ships paper tickets
	Phone     string           // 11 digits or empty; required for phone-type challenges
	Username  string
	UID       int64
}

// ————————————————————————————————————————————————————————————————————————
// Project snapshot
// ————————————————————————————————————————————————————————————————————————

// Sale flag values reported per sku.
const (
	SaleFlagOnSale  = 2
	SaleFlagSoldOut = 4
	SaleFlagTempOut = 8
)

// SkuStatus is the per-price-tier slice of a project snapshot.
type SkuStatus struct {
	Price     Fen
	SaleStart int64 // unix seconds
	Clickable bool
	SaleFlag  int
	Remaining int
}

// Available reports whether the sku looks orderable right now. Any of the
// three signals is enough — during the opening seconds the vendor flips
// them at different times.
func (s SkuStatus) Available() bool {
	return s.Clickable || s.SaleFlag != SaleFlagSoldOut || s.Remaining > 0
}

// ProjectSnapshot is the decoded view of one project/getV2 response, reduced
// to the target screen/sku. The adapter caches the array indices it found
// the target at so later reads are O(1) until the vendor reorders the lists.
type ProjectSnapshot struct {
	SaleStart   int64 // unix seconds for the target sku
	PaperTicket bool  // project requires physical delivery
	ExpressFee  Fen   // per-screen delivery fee, added to pay_money when paper
	Sku         SkuStatus
}

// ————————————————————————————————————————————————————————————————————————
// Order payload helpers
// ————————————————————————————————————————————————————————————————————————

// ClickPosition is the synthetic pointer telemetry the create endpoint
// expects: a click a few seconds after page load, somewhere on the button.
type ClickPosition struct {
	X      int   `json:"x"`
	Y      int   `json:"y"`
	Origin int64 `json:"origin"` // page-load ms timestamp
	Now    int64 `json:"now"`    // click ms timestamp
}

// SuccessRecord is the immutable summary handed to the notification fan-out
// when the engine reaches its terminal state.
type SuccessRecord struct {
	ProjectID  int64
	ProjectURL string // payment/order page to open
	OrderID    int64
	OrderToken string
	PayMoney   Fen
	CreatedAt  time.Time
}
