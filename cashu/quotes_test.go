package cashu

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMintQuoteObserve(t *testing.T) {
	tests := []struct {
		state       MintQuoteState
		reported    MintQuoteState
		expected    MintQuoteState
		expectedErr error
	}{
		{state: MintQuoteUnpaid, reported: MintQuoteUnpaid, expected: MintQuoteUnpaid},
		{state: MintQuoteUnpaid, reported: MintQuotePaid, expected: MintQuotePaid},
		// wallet missed the PAID observation
		{state: MintQuoteUnpaid, reported: MintQuoteIssued, expected: MintQuoteIssued},
		{state: MintQuotePaid, reported: MintQuotePaid, expected: MintQuotePaid},
		{state: MintQuotePaid, reported: MintQuoteIssued, expected: MintQuoteIssued},
		// a paid quote cannot go back to unpaid
		{state: MintQuotePaid, reported: MintQuoteUnpaid, expected: MintQuotePaid, expectedErr: ErrInvalidQuoteState},
		// terminal states are sticky
		{state: MintQuoteIssued, reported: MintQuoteUnpaid, expected: MintQuoteIssued},
		{state: MintQuoteExpired, reported: MintQuotePaid, expected: MintQuoteExpired},
	}

	for _, test := range tests {
		quote := MintQuote{Id: "quote", State: test.state}
		err := quote.Observe(test.reported)
		if !errors.Is(err, test.expectedErr) {
			t.Errorf("observing %v on %v: expected error '%v' but got '%v' instead",
				test.reported, test.state, test.expectedErr, err)
		}
		if quote.State != test.expected {
			t.Errorf("observing %v on %v: expected state '%v' but got '%v' instead",
				test.reported, test.state, test.expected, quote.State)
		}
	}
}

func TestMintQuoteCheckExpiry(t *testing.T) {
	now := time.Now()

	quote := MintQuote{State: MintQuoteUnpaid, Expiry: now.Add(-time.Minute).Unix()}
	quote.CheckExpiry(now)
	if quote.State != MintQuoteExpired {
		t.Errorf("expected '%v' but got '%v' instead", MintQuoteExpired, quote.State)
	}

	quote = MintQuote{State: MintQuoteUnpaid, Expiry: now.Add(time.Minute).Unix()}
	quote.CheckExpiry(now)
	if quote.State != MintQuoteUnpaid {
		t.Errorf("expected '%v' but got '%v' instead", MintQuoteUnpaid, quote.State)
	}

	// paid quotes never expire
	quote = MintQuote{State: MintQuotePaid, Expiry: now.Add(-time.Minute).Unix()}
	quote.CheckExpiry(now)
	if quote.State != MintQuotePaid {
		t.Errorf("expected '%v' but got '%v' instead", MintQuotePaid, quote.State)
	}

	// zero expiry means no expiry
	quote = MintQuote{State: MintQuoteUnpaid}
	quote.CheckExpiry(now)
	if quote.State != MintQuoteUnpaid {
		t.Errorf("expected '%v' but got '%v' instead", MintQuoteUnpaid, quote.State)
	}
}

func TestMintQuoteIssuanceGuard(t *testing.T) {
	quote := MintQuote{Id: "quote", State: MintQuoteUnpaid}
	if err := quote.BeginIssuance(); !errors.Is(err, ErrQuoteNotPaid) {
		t.Errorf("expected '%v' but got '%v' instead", ErrQuoteNotPaid, err)
	}

	quote.State = MintQuoteExpired
	if err := quote.BeginIssuance(); !errors.Is(err, ErrQuoteExpired) {
		t.Errorf("expected '%v' but got '%v' instead", ErrQuoteExpired, err)
	}

	quote.State = MintQuotePaid
	if err := quote.BeginIssuance(); err != nil {
		t.Fatalf("BeginIssuance on paid quote: %v", err)
	}

	// at most one issuance in flight
	if err := quote.BeginIssuance(); !errors.Is(err, ErrQuoteInFlight) {
		t.Errorf("expected '%v' but got '%v' instead", ErrQuoteInFlight, err)
	}

	// failed issuance releases the guard without changing state
	quote.FinishIssuance(false)
	if quote.State != MintQuotePaid {
		t.Errorf("expected '%v' but got '%v' instead", MintQuotePaid, quote.State)
	}
	if err := quote.BeginIssuance(); err != nil {
		t.Fatalf("BeginIssuance after failed attempt: %v", err)
	}

	quote.FinishIssuance(true)
	if quote.State != MintQuoteIssued {
		t.Errorf("expected '%v' but got '%v' instead", MintQuoteIssued, quote.State)
	}
	if err := quote.BeginIssuance(); !errors.Is(err, ErrQuoteAlreadyIssued) {
		t.Errorf("expected '%v' but got '%v' instead", ErrQuoteAlreadyIssued, err)
	}
}

func TestMeltQuoteBeginPayment(t *testing.T) {
	quote := MeltQuote{Id: "quote", State: MeltQuoteUnpaid}
	if err := quote.BeginPayment(); err != nil {
		t.Fatalf("BeginPayment on fresh quote: %v", err)
	}
	if quote.State != MeltQuotePending {
		t.Errorf("expected '%v' but got '%v' instead", MeltQuotePending, quote.State)
	}

	if err := quote.BeginPayment(); !errors.Is(err, ErrQuoteInFlight) {
		t.Errorf("expected '%v' but got '%v' instead", ErrQuoteInFlight, err)
	}

	// a failed payment may be resubmitted
	if err := quote.Settle(MeltQuoteUnpaid, ""); err != nil {
		t.Fatal(err)
	}
	if quote.State != MeltQuoteFailed {
		t.Errorf("expected '%v' but got '%v' instead", MeltQuoteFailed, quote.State)
	}
	if err := quote.BeginPayment(); err != nil {
		t.Fatalf("BeginPayment after failure: %v", err)
	}

	quote.State = MeltQuotePaid
	if err := quote.BeginPayment(); !errors.Is(err, ErrQuotePaid) {
		t.Errorf("expected '%v' but got '%v' instead", ErrQuotePaid, err)
	}
}

func TestMeltQuoteSettle(t *testing.T) {
	quote := MeltQuote{Id: "quote", State: MeltQuotePending, InputSecrets: []string{"secret-1"}}
	if err := quote.Settle(MeltQuotePaid, "preimage"); err != nil {
		t.Fatal(err)
	}
	if quote.State != MeltQuotePaid {
		t.Errorf("expected '%v' but got '%v' instead", MeltQuotePaid, quote.State)
	}
	if quote.PaymentPreimage != "preimage" {
		t.Errorf("expected preimage 'preimage' but got '%v' instead", quote.PaymentPreimage)
	}

	// terminal: settling again is a noop
	if err := quote.Settle(MeltQuoteUnpaid, ""); err != nil {
		t.Fatal(err)
	}
	if quote.State != MeltQuotePaid {
		t.Errorf("expected '%v' but got '%v' instead", MeltQuotePaid, quote.State)
	}

	// failure releases the submitted proofs
	quote = MeltQuote{Id: "quote", State: MeltQuotePending, InputSecrets: []string{"secret-1"}}
	if err := quote.Settle(MeltQuoteUnpaid, ""); err != nil {
		t.Fatal(err)
	}
	if quote.State != MeltQuoteFailed {
		t.Errorf("expected '%v' but got '%v' instead", MeltQuoteFailed, quote.State)
	}
	if quote.InputSecrets != nil {
		t.Errorf("expected input secrets to be cleared but got '%v'", quote.InputSecrets)
	}

	// a pending report leaves the quote pending
	quote = MeltQuote{Id: "quote", State: MeltQuotePending}
	if err := quote.Settle(MeltQuotePending, ""); err != nil {
		t.Fatal(err)
	}
	if quote.State != MeltQuotePending {
		t.Errorf("expected '%v' but got '%v' instead", MeltQuotePending, quote.State)
	}

	// settling a quote that was never submitted is a logic error
	quote = MeltQuote{Id: "quote", State: MeltQuoteUnpaid}
	if err := quote.Settle(MeltQuotePaid, ""); !errors.Is(err, ErrInvalidQuoteState) {
		t.Errorf("expected '%v' but got '%v' instead", ErrInvalidQuoteState, err)
	}
}

func TestQuoteStateJSON(t *testing.T) {
	mintStates := []MintQuoteState{MintQuoteUnpaid, MintQuotePaid, MintQuoteIssued, MintQuoteExpired}
	for _, state := range mintStates {
		data, err := json.Marshal(state)
		if err != nil {
			t.Fatal(err)
		}
		var parsed MintQuoteState
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatalf("unmarshaling %v: %v", state, err)
		}
		if parsed != state {
			t.Errorf("expected '%v' but got '%v' instead", state, parsed)
		}
	}

	meltStates := []MeltQuoteState{MeltQuoteUnpaid, MeltQuotePending, MeltQuotePaid, MeltQuoteFailed}
	for _, state := range meltStates {
		data, err := json.Marshal(state)
		if err != nil {
			t.Fatal(err)
		}
		var parsed MeltQuoteState
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatalf("unmarshaling %v: %v", state, err)
		}
		if parsed != state {
			t.Errorf("expected '%v' but got '%v' instead", state, parsed)
		}
	}

	var invalid MintQuoteState
	if err := json.Unmarshal([]byte(`"NONSENSE"`), &invalid); !errors.Is(err, ErrInvalidQuoteState) {
		t.Errorf("expected '%v' but got '%v' instead", ErrInvalidQuoteState, err)
	}
}
