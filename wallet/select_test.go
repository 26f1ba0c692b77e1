package wallet

import (
	"errors"
	"fmt"
	"testing"

	"github.com/satchel-cash/satchel/cashu"
	"github.com/satchel-cash/satchel/crypto"
)

func TestFeesForProofs(t *testing.T) {
	keysets := map[string]crypto.WalletKeyset{
		"00aaaaaaaaaaaaaa": {Id: "00aaaaaaaaaaaaaa", InputFeePpk: 100},
		"00bbbbbbbbbbbbbb": {Id: "00bbbbbbbbbbbbbb", InputFeePpk: 250},
		"00cccccccccccccc": {Id: "00cccccccccccccc", InputFeePpk: 0},
	}

	tests := []struct {
		keysetIds []string
		expected  uint64
	}{
		{keysetIds: []string{}, expected: 0},
		// fees round up to the next whole unit
		{keysetIds: []string{"00aaaaaaaaaaaaaa"}, expected: 1},
		{keysetIds: []string{"00aaaaaaaaaaaaaa", "00aaaaaaaaaaaaaa"}, expected: 1},
		{keysetIds: []string{"00aaaaaaaaaaaaaa", "00bbbbbbbbbbbbbb"}, expected: 1},
		{keysetIds: []string{"00bbbbbbbbbbbbbb", "00bbbbbbbbbbbbbb", "00bbbbbbbbbbbbbb", "00bbbbbbbbbbbbbb", "00bbbbbbbbbbbbbb"}, expected: 2},
		{keysetIds: []string{"00cccccccccccccc"}, expected: 0},
	}

	for _, test := range tests {
		proofs := make(cashu.Proofs, len(test.keysetIds))
		for i, id := range test.keysetIds {
			proofs[i] = cashu.Proof{Amount: 1, Id: id, Secret: fmt.Sprintf("secret-%d", i)}
		}
		if fee := feesForProofs(proofs, keysets); fee != test.expected {
			t.Errorf("fees for %v proofs: expected '%v' but got '%v' instead",
				len(proofs), test.expected, fee)
		}
	}
}

func TestSelectWithFees(t *testing.T) {
	keysetId := "00ad268c4d1f5826"

	newLedger := func(amounts ...uint64) *ProofLedger {
		ledger := NewProofLedger()
		for i, amount := range amounts {
			if err := ledger.Insert(testProof(keysetId, amount, fmt.Sprintf("secret-%d", i))); err != nil {
				t.Fatal(err)
			}
		}
		return ledger
	}

	// no fees: plain selection
	keysets := map[string]crypto.WalletKeyset{keysetId: {Id: keysetId, InputFeePpk: 0}}
	ledger := newLedger(1, 2, 4, 8)
	selected, fee, err := ledger.SelectWithFees(10, keysets)
	if err != nil {
		t.Fatal(err)
	}
	if fee != 0 {
		t.Errorf("expected fee 0 but got '%v' instead", fee)
	}
	if selected.Amount() != 10 {
		t.Errorf("expected selected amount 10 but got '%v' instead", selected.Amount())
	}

	// with fees the selection must cover target plus its own fee
	keysets = map[string]crypto.WalletKeyset{keysetId: {Id: keysetId, InputFeePpk: 500}}
	ledger = newLedger(1, 2, 4, 8)
	selected, fee, err = ledger.SelectWithFees(10, keysets)
	if err != nil {
		t.Fatal(err)
	}
	if fee != feesForProofs(selected, keysets) {
		t.Errorf("reported fee '%v' does not match selection fee '%v'", fee, feesForProofs(selected, keysets))
	}
	if selected.Amount() < 10+fee {
		t.Errorf("selected amount '%v' does not cover target plus fee '%v'", selected.Amount(), 10+fee)
	}

	// adding proofs to cover the fee raises the fee again; the
	// refinement must converge on a selection covering both
	keysets = map[string]crypto.WalletKeyset{keysetId: {Id: keysetId, InputFeePpk: 200}}
	ledger = newLedger(1, 1, 1, 1, 1, 1, 1, 1)
	selected, fee, err = ledger.SelectWithFees(4, keysets)
	if err != nil {
		t.Fatal(err)
	}
	if selected.Amount() < 4+fee {
		t.Errorf("selected amount '%v' does not cover target plus fee '%v'", selected.Amount(), 4+fee)
	}

	// funds that cover the target but not the fee are insufficient
	keysets = map[string]crypto.WalletKeyset{keysetId: {Id: keysetId, InputFeePpk: 1000}}
	ledger = newLedger(1, 1)
	if _, _, err := ledger.SelectWithFees(2, keysets); !errors.Is(err, cashu.ErrInsufficientFunds) {
		t.Errorf("expected '%v' but got '%v' instead", cashu.ErrInsufficientFunds, err)
	}
}
