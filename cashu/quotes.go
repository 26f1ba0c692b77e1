package cashu

import (
	"encoding/json"
	"errors"
	"time"
)

// Quote state machine errors. These are logic errors, not transient
// failures: a caller getting one of them must not blindly retry.
var (
	ErrQuoteNotPaid       = errors.New("quote request has not been paid")
	ErrQuoteAlreadyIssued = errors.New("quote was already issued")
	ErrQuoteExpired       = errors.New("quote is expired")
	ErrQuoteInFlight      = errors.New("request for quote already in flight")
	ErrQuotePaid          = errors.New("quote is already paid")
	ErrQuoteOwnership     = errors.New("issuance not signed with the quote owner key")
	ErrInvalidQuoteState  = errors.New("invalid quote state")
)

type MintQuoteState int

const (
	MintQuoteUnpaid MintQuoteState = iota
	MintQuotePaid
	MintQuoteIssued
	MintQuoteExpired
)

func (state MintQuoteState) String() string {
	switch state {
	case MintQuoteUnpaid:
		return "UNPAID"
	case MintQuotePaid:
		return "PAID"
	case MintQuoteIssued:
		return "ISSUED"
	case MintQuoteExpired:
		return "EXPIRED"
	default:
		return "unknown"
	}
}

// StringToMintQuoteState parses the state reported by a mint.
// EXPIRED never appears on the wire from a mint, it is derived
// locally from the quote expiry, but it still round-trips through
// the wallet db.
func StringToMintQuoteState(state string) (MintQuoteState, error) {
	switch state {
	case "UNPAID":
		return MintQuoteUnpaid, nil
	case "PAID":
		return MintQuotePaid, nil
	case "ISSUED":
		return MintQuoteIssued, nil
	case "EXPIRED":
		return MintQuoteExpired, nil
	}
	return 0, ErrInvalidQuoteState
}

func (state MintQuoteState) MarshalJSON() ([]byte, error) {
	return json.Marshal(state.String())
}

func (state *MintQuoteState) UnmarshalJSON(data []byte) error {
	var stateStr string
	if err := json.Unmarshal(data, &stateStr); err != nil {
		return err
	}
	parsed, err := StringToMintQuoteState(stateStr)
	if err != nil {
		return err
	}
	*state = parsed
	return nil
}

// MintQuote tracks a Lightning-invoice-backed request to have the
// mint issue new proofs. Transitions are driven only by explicit
// signals from the mint, never guessed:
//
//	UNPAID -> PAID    (mint reports the invoice paid)
//	PAID   -> ISSUED  (mint signed the submitted blinded messages)
//	UNPAID -> EXPIRED (expiry elapsed; terminal)
type MintQuote struct {
	Id             string
	Mint           string
	Amount         uint64
	Unit           string
	PaymentRequest string
	State          MintQuoteState
	Expiry         int64
	// ephemeral key locking issuance to this wallet (NUT-20).
	// hex of the private key, empty if the mint does not support it.
	PrivateKey string

	inFlight bool
}

// Observe applies a state reported by the mint. Terminal states are
// sticky: no reported state can move a quote out of ISSUED or
// EXPIRED, and a PAID quote cannot go back to UNPAID.
func (q *MintQuote) Observe(reported MintQuoteState) error {
	switch q.State {
	case MintQuoteUnpaid:
		switch reported {
		case MintQuotePaid:
			q.State = MintQuotePaid
		case MintQuoteIssued:
			// wallet missed the PAID observation; still legal
			q.State = MintQuoteIssued
		case MintQuoteUnpaid:
		default:
			return ErrInvalidQuoteState
		}
	case MintQuotePaid:
		switch reported {
		case MintQuoteIssued:
			q.State = MintQuoteIssued
		case MintQuotePaid:
		default:
			return ErrInvalidQuoteState
		}
	case MintQuoteIssued, MintQuoteExpired:
		// terminal
	}
	return nil
}

// CheckExpiry moves an unpaid quote to EXPIRED once its expiry has
// elapsed. Paid and issued quotes never expire.
func (q *MintQuote) CheckExpiry(now time.Time) {
	if q.State == MintQuoteUnpaid && q.Expiry > 0 && now.Unix() > q.Expiry {
		q.State = MintQuoteExpired
	}
}

// BeginIssuance guards the mutating issuance call: it is legal only
// on a PAID quote and at most one issuance may be in flight.
func (q *MintQuote) BeginIssuance() error {
	switch q.State {
	case MintQuoteUnpaid:
		return ErrQuoteNotPaid
	case MintQuoteExpired:
		return ErrQuoteExpired
	case MintQuoteIssued:
		return ErrQuoteAlreadyIssued
	case MintQuotePaid:
		if q.inFlight {
			return ErrQuoteInFlight
		}
		q.inFlight = true
		return nil
	}
	return ErrInvalidQuoteState
}

// FinishIssuance releases the in-flight guard. issued reports
// whether the mint acknowledged the issuance.
func (q *MintQuote) FinishIssuance(issued bool) {
	q.inFlight = false
	if issued {
		q.State = MintQuoteIssued
	}
}

type MeltQuoteState int

const (
	MeltQuoteUnpaid MeltQuoteState = iota
	MeltQuotePending
	MeltQuotePaid
	// MeltQuoteFailed is the local state after the mint reported a
	// failed Lightning payment: the submitted proofs were NOT
	// consumed. On the wire it is reported as UNPAID.
	MeltQuoteFailed
)

func (state MeltQuoteState) String() string {
	switch state {
	case MeltQuoteUnpaid:
		return "UNPAID"
	case MeltQuotePending:
		return "PENDING"
	case MeltQuotePaid:
		return "PAID"
	case MeltQuoteFailed:
		return "UNPAID_FAILED"
	default:
		return "unknown"
	}
}

func StringToMeltQuoteState(state string) (MeltQuoteState, error) {
	switch state {
	case "UNPAID":
		return MeltQuoteUnpaid, nil
	case "PENDING":
		return MeltQuotePending, nil
	case "PAID":
		return MeltQuotePaid, nil
	case "UNPAID_FAILED":
		return MeltQuoteFailed, nil
	}
	return 0, ErrInvalidQuoteState
}

func (state MeltQuoteState) MarshalJSON() ([]byte, error) {
	return json.Marshal(state.String())
}

func (state *MeltQuoteState) UnmarshalJSON(data []byte) error {
	var stateStr string
	if err := json.Unmarshal(data, &stateStr); err != nil {
		return err
	}
	parsed, err := StringToMeltQuoteState(stateStr)
	if err != nil {
		return err
	}
	*state = parsed
	return nil
}

// MeltQuote tracks a request to have the mint pay a Lightning
// invoice in exchange for proofs:
//
//	UNPAID  -> PENDING (wallet submitted proofs, mint attempts payment)
//	PENDING -> PAID    (Lightning payment succeeded; terminal)
//	PENDING -> FAILED  (payment failed; proofs not consumed, one
//	                    resubmission allowed)
type MeltQuote struct {
	Id              string
	Mint            string
	Amount          uint64
	Unit            string
	FeeReserve      uint64
	PaymentRequest  string
	State           MeltQuoteState
	Expiry          int64
	PaymentPreimage string
	// secrets of the proofs submitted for this quote while PENDING
	InputSecrets []string
}

// BeginPayment guards the mutating melt submission. Proofs may be
// submitted on a fresh quote or resubmitted once after a failure,
// never while a previous submission is pending.
func (q *MeltQuote) BeginPayment() error {
	switch q.State {
	case MeltQuoteUnpaid, MeltQuoteFailed:
		q.State = MeltQuotePending
		return nil
	case MeltQuotePending:
		return ErrQuoteInFlight
	case MeltQuotePaid:
		return ErrQuotePaid
	}
	return ErrInvalidQuoteState
}

// Settle applies the payment outcome reported by the mint to a
// PENDING quote. A reported UNPAID means the Lightning payment
// failed and the submitted proofs remain spendable.
func (q *MeltQuote) Settle(reported MeltQuoteState, preimage string) error {
	switch q.State {
	case MeltQuotePending:
		switch reported {
		case MeltQuotePaid:
			q.State = MeltQuotePaid
			q.PaymentPreimage = preimage
		case MeltQuoteUnpaid, MeltQuoteFailed:
			q.State = MeltQuoteFailed
			q.InputSecrets = nil
		case MeltQuotePending:
		}
		return nil
	case MeltQuotePaid:
		// terminal
		return nil
	default:
		return ErrInvalidQuoteState
	}
}
