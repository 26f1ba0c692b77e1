package wallet

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/satchel-cash/satchel/cashu"
	"github.com/satchel-cash/satchel/crypto"
	"github.com/satchel-cash/satchel/testutils"
)

func testWallet(t *testing.T, mint *testutils.FakeMint) *Wallet {
	t.Helper()
	wallet, err := LoadWallet(Config{WalletPath: t.TempDir(), MintURL: mint.URL})
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}
	t.Cleanup(func() { wallet.Shutdown() })
	return wallet
}

func fundWallet(t *testing.T, wallet *Wallet, mint *testutils.FakeMint, amount uint64) cashu.Proofs {
	t.Helper()
	quote, err := wallet.RequestMint(amount)
	if err != nil {
		t.Fatalf("RequestMint: %v", err)
	}
	mint.SetMintQuotePaid(quote.Id)
	proofs, err := wallet.MintTokens(quote.Id)
	if err != nil {
		t.Fatalf("MintTokens: %v", err)
	}
	return proofs
}

func TestMintTokens(t *testing.T) {
	mint := testutils.NewFakeMint(0)
	defer mint.Close()
	wallet := testWallet(t, mint)

	quote, err := wallet.RequestMint(42)
	if err != nil {
		t.Fatalf("RequestMint: %v", err)
	}
	if quote.PaymentRequest == "" {
		t.Error("expected a payment request on the quote")
	}
	if quote.State != cashu.MintQuoteUnpaid {
		t.Errorf("expected '%v' but got '%v' instead", cashu.MintQuoteUnpaid, quote.State)
	}

	// invoice not paid yet
	if _, err := wallet.MintTokens(quote.Id); !errors.Is(err, cashu.ErrQuoteNotPaid) {
		t.Errorf("expected '%v' but got '%v' instead", cashu.ErrQuoteNotPaid, err)
	}

	mint.SetMintQuotePaid(quote.Id)
	refreshed, err := wallet.MintQuoteState(quote.Id)
	if err != nil {
		t.Fatalf("MintQuoteState: %v", err)
	}
	if refreshed.State != cashu.MintQuotePaid {
		t.Errorf("expected '%v' but got '%v' instead", cashu.MintQuotePaid, refreshed.State)
	}

	proofs, err := wallet.MintTokens(quote.Id)
	if err != nil {
		t.Fatalf("MintTokens: %v", err)
	}
	if proofs.Amount() != 42 {
		t.Errorf("expected amount 42 but got '%v' instead", proofs.Amount())
	}
	if wallet.GetBalance() != 42 {
		t.Errorf("expected balance 42 but got '%v' instead", wallet.GetBalance())
	}

	// a quote issues at most once
	if _, err := wallet.MintTokens(quote.Id); !errors.Is(err, cashu.ErrQuoteAlreadyIssued) {
		t.Errorf("expected '%v' but got '%v' instead", cashu.ErrQuoteAlreadyIssued, err)
	}

	if _, err := wallet.MintTokens("unknown-quote"); !errors.Is(err, ErrQuoteNotFound) {
		t.Errorf("expected '%v' but got '%v' instead", ErrQuoteNotFound, err)
	}

	if _, err := wallet.RequestMint(0); !errors.Is(err, cashu.ErrInvalidAmount) {
		t.Errorf("expected '%v' but got '%v' instead", cashu.ErrInvalidAmount, err)
	}
}

func TestWalletReload(t *testing.T) {
	mint := testutils.NewFakeMint(0)
	defer mint.Close()

	walletPath := t.TempDir()
	wallet, err := LoadWallet(Config{WalletPath: walletPath, MintURL: mint.URL})
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}
	fundWallet(t, wallet, mint, 21)
	mnemonic := wallet.Mnemonic()
	if err := wallet.Shutdown(); err != nil {
		t.Fatal(err)
	}

	// proofs, quotes and the seed survive a restart
	wallet, err = LoadWallet(Config{WalletPath: walletPath, MintURL: mint.URL})
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}
	defer wallet.Shutdown()

	if wallet.GetBalance() != 21 {
		t.Errorf("expected balance 21 but got '%v' instead", wallet.GetBalance())
	}
	if wallet.Mnemonic() != mnemonic {
		t.Error("mnemonic changed across restarts")
	}
	if len(wallet.MintQuotes()) != 1 {
		t.Errorf("expected 1 mint quote but got '%v' instead", len(wallet.MintQuotes()))
	}
}

func TestSendReceive(t *testing.T) {
	mint := testutils.NewFakeMint(0)
	defer mint.Close()

	sender := testWallet(t, mint)
	receiver := testWallet(t, mint)
	fundWallet(t, sender, mint, 64)

	// no exact subset for 21, the wallet swaps first
	token, err := sender.Send(21, "here you go")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if token.Amount() != 21 {
		t.Errorf("expected token amount 21 but got '%v' instead", token.Amount())
	}
	if sender.GetBalance() != 43 {
		t.Errorf("expected balance 43 but got '%v' instead", sender.GetBalance())
	}

	// tokens survive serialization
	serialized, err := token.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := cashu.DecodeToken(serialized)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}

	amount, err := receiver.Receive(decoded)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if amount != 21 {
		t.Errorf("expected received amount 21 but got '%v' instead", amount)
	}
	if receiver.GetBalance() != 21 {
		t.Errorf("expected balance 21 but got '%v' instead", receiver.GetBalance())
	}

	// the received proofs were swapped: replaying the token fails
	if _, err := receiver.Receive(decoded); err == nil {
		t.Error("expected error receiving an already redeemed token")
	}

	// sending the full balance needs no swap
	token, err = sender.Send(43, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sender.GetBalance() != 0 {
		t.Errorf("expected balance 0 but got '%v' instead", sender.GetBalance())
	}
	if _, err := receiver.Receive(token); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if receiver.GetBalance() != 64 {
		t.Errorf("expected balance 64 but got '%v' instead", receiver.GetBalance())
	}

	if _, err := sender.Send(1, ""); !errors.Is(err, cashu.ErrInsufficientFunds) {
		t.Errorf("expected '%v' but got '%v' instead", cashu.ErrInsufficientFunds, err)
	}
}

func TestSendReceiveWithFees(t *testing.T) {
	mint := testutils.NewFakeMint(100)
	defer mint.Close()

	sender := testWallet(t, mint)
	receiver := testWallet(t, mint)
	fundWallet(t, sender, mint, 64)

	token, err := sender.Send(21, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if token.Amount() != 21 {
		t.Errorf("expected token amount 21 but got '%v' instead", token.Amount())
	}
	// the sender pays the swap input fee on top of the amount
	if sender.GetBalance() >= 43 {
		t.Errorf("expected balance below 43 but got '%v' instead", sender.GetBalance())
	}

	// the receiver pays the input fee for redeeming
	amount, err := receiver.Receive(token)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if amount >= 21 {
		t.Errorf("expected received amount below 21 but got '%v' instead", amount)
	}
	if receiver.GetBalance() != amount {
		t.Errorf("expected balance '%v' but got '%v' instead", amount, receiver.GetBalance())
	}
}

func TestReceiveWrongMint(t *testing.T) {
	mint := testutils.NewFakeMint(0)
	defer mint.Close()
	otherMint := testutils.NewFakeMint(0)
	defer otherMint.Close()

	sender := testWallet(t, otherMint)
	receiver := testWallet(t, mint)
	fundWallet(t, sender, otherMint, 8)

	token, err := sender.Send(8, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, err := receiver.Receive(token); err == nil {
		t.Error("expected error receiving token from untrusted mint")
	}
	if receiver.GetBalance() != 0 {
		t.Errorf("expected balance 0 but got '%v' instead", receiver.GetBalance())
	}
}

func TestMelt(t *testing.T) {
	mint := testutils.NewFakeMint(0)
	defer mint.Close()
	mint.LightningFee = 1

	wallet := testWallet(t, mint)
	fundWallet(t, wallet, mint, 127)

	quote, err := wallet.RequestMeltQuote(mint.CreateInvoice(50))
	if err != nil {
		t.Fatalf("RequestMeltQuote: %v", err)
	}
	if quote.Amount != 50 {
		t.Errorf("expected quote amount 50 but got '%v' instead", quote.Amount)
	}
	if quote.FeeReserve != 2 {
		t.Errorf("expected fee reserve 2 but got '%v' instead", quote.FeeReserve)
	}

	melted, err := wallet.Melt(quote.Id)
	if err != nil {
		t.Fatalf("Melt: %v", err)
	}
	if melted.State != cashu.MeltQuotePaid {
		t.Errorf("expected '%v' but got '%v' instead", cashu.MeltQuotePaid, melted.State)
	}
	if melted.PaymentPreimage == "" {
		t.Error("expected a payment preimage")
	}

	// inputs covered amount 50 plus the 2 sat fee reserve; the
	// Lightning payment only cost 1 sat, so 1 sat comes back as change
	if wallet.GetBalance() != 76 {
		t.Errorf("expected balance 76 but got '%v' instead", wallet.GetBalance())
	}

	// a paid quote cannot be melted again
	if _, err := wallet.Melt(quote.Id); !errors.Is(err, cashu.ErrQuotePaid) {
		t.Errorf("expected '%v' but got '%v' instead", cashu.ErrQuotePaid, err)
	}

	if _, err := wallet.Melt("unknown-quote"); !errors.Is(err, ErrQuoteNotFound) {
		t.Errorf("expected '%v' but got '%v' instead", ErrQuoteNotFound, err)
	}
}

func TestMeltPaymentFailure(t *testing.T) {
	mint := testutils.NewFakeMint(0)
	defer mint.Close()
	mint.FailPayments = true

	wallet := testWallet(t, mint)
	fundWallet(t, wallet, mint, 127)

	quote, err := wallet.RequestMeltQuote(mint.CreateInvoice(50))
	if err != nil {
		t.Fatalf("RequestMeltQuote: %v", err)
	}

	melted, err := wallet.Melt(quote.Id)
	if err != nil {
		t.Fatalf("Melt: %v", err)
	}
	if melted.State != cashu.MeltQuoteFailed {
		t.Errorf("expected '%v' but got '%v' instead", cashu.MeltQuoteFailed, melted.State)
	}

	// the proofs were not consumed
	if wallet.GetBalance() != 127 {
		t.Errorf("expected balance 127 but got '%v' instead", wallet.GetBalance())
	}

	// a failed payment may be retried
	mint.FailPayments = false
	melted, err = wallet.Melt(quote.Id)
	if err != nil {
		t.Fatalf("Melt: %v", err)
	}
	if melted.State != cashu.MeltQuotePaid {
		t.Errorf("expected '%v' but got '%v' instead", cashu.MeltQuotePaid, melted.State)
	}
	if wallet.GetBalance() != 77 {
		t.Errorf("expected balance 77 but got '%v' instead", wallet.GetBalance())
	}
}

func TestMeltInsufficientFunds(t *testing.T) {
	mint := testutils.NewFakeMint(0)
	defer mint.Close()

	wallet := testWallet(t, mint)
	fundWallet(t, wallet, mint, 21)

	quote, err := wallet.RequestMeltQuote(mint.CreateInvoice(50))
	if err != nil {
		t.Fatalf("RequestMeltQuote: %v", err)
	}
	if _, err := wallet.Melt(quote.Id); !errors.Is(err, cashu.ErrInsufficientFunds) {
		t.Errorf("expected '%v' but got '%v' instead", cashu.ErrInsufficientFunds, err)
	}
	if wallet.GetBalance() != 21 {
		t.Errorf("expected balance 21 but got '%v' instead", wallet.GetBalance())
	}
}

func TestRemoveSpentProofs(t *testing.T) {
	mint := testutils.NewFakeMint(0)
	defer mint.Close()

	wallet := testWallet(t, mint)
	proofs := fundWallet(t, wallet, mint, 21)

	// nothing spent yet
	removed, err := wallet.RemoveSpentProofs()
	if err != nil {
		t.Fatalf("RemoveSpentProofs: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected 0 removed but got '%v' instead", removed)
	}

	// another copy of the wallet db spent some proofs elsewhere
	if err := mint.MarkSpent(cashu.Proofs{proofs[0]}); err != nil {
		t.Fatal(err)
	}
	removed, err = wallet.RemoveSpentProofs()
	if err != nil {
		t.Fatalf("RemoveSpentProofs: %v", err)
	}
	if removed != proofs[0].Amount {
		t.Errorf("expected '%v' removed but got '%v' instead", proofs[0].Amount, removed)
	}
	if wallet.GetBalance() != 21-proofs[0].Amount {
		t.Errorf("expected balance '%v' but got '%v' instead", 21-proofs[0].Amount, wallet.GetBalance())
	}
}

func TestRestore(t *testing.T) {
	mint := testutils.NewFakeMint(0)
	defer mint.Close()

	walletPath := t.TempDir()
	wallet, err := LoadWallet(Config{WalletPath: walletPath, MintURL: mint.URL})
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}
	fundWallet(t, wallet, mint, 42)
	fundWallet(t, wallet, mint, 21)
	mnemonic := wallet.Mnemonic()
	if err := wallet.Shutdown(); err != nil {
		t.Fatal(err)
	}

	// the wallet db is gone; only the mnemonic is left
	if err := os.Remove(filepath.Join(walletPath, "wallet.db")); err != nil {
		t.Fatal(err)
	}

	proofs, err := Restore(walletPath, mnemonic, []string{mint.URL})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if proofs.Amount() != 63 {
		t.Errorf("expected restored amount 63 but got '%v' instead", proofs.Amount())
	}

	restored, err := LoadWallet(Config{WalletPath: walletPath, MintURL: mint.URL})
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}
	defer restored.Shutdown()
	if restored.GetBalance() != 63 {
		t.Errorf("expected balance 63 but got '%v' instead", restored.GetBalance())
	}
	if restored.Mnemonic() != mnemonic {
		t.Error("restored wallet has a different mnemonic")
	}

	// the restored proofs are spendable
	if _, err := restored.Send(63, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestRestoreInvalidMnemonic(t *testing.T) {
	if _, err := Restore(t.TempDir(), "not a valid mnemonic", nil); err == nil {
		t.Error("expected error restoring with invalid mnemonic")
	}
}

func TestRestoreExistingWallet(t *testing.T) {
	mint := testutils.NewFakeMint(0)
	defer mint.Close()

	walletPath := t.TempDir()
	wallet, err := LoadWallet(Config{WalletPath: walletPath, MintURL: mint.URL})
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}
	mnemonic := wallet.Mnemonic()
	wallet.Shutdown()

	if _, err := Restore(walletPath, mnemonic, []string{mint.URL}); err == nil {
		t.Error("expected error restoring over an existing wallet db")
	}
}

func TestCreateBlindedMessages(t *testing.T) {
	mint := testutils.NewFakeMint(0)
	defer mint.Close()
	wallet := testWallet(t, mint)

	split := []uint64{1, 2, 8}
	counter := uint32(0)
	messages, secrets, rs, err := wallet.createBlindedMessages(split, mint.KeysetId(), &counter)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 3 || len(secrets) != 3 || len(rs) != 3 {
		t.Fatalf("expected 3 outputs but got '%v' instead", len(messages))
	}
	if counter != 3 {
		t.Errorf("expected counter 3 but got '%v' instead", counter)
	}
	for i, message := range messages {
		if message.Amount != split[i] {
			t.Errorf("expected amount '%v' but got '%v' instead", split[i], message.Amount)
		}
		if message.Id != mint.KeysetId() {
			t.Errorf("expected keyset id '%v' but got '%v' instead", mint.KeysetId(), message.Id)
		}
	}

	// derivation from the seed is deterministic
	counter = 0
	_, secrets2, _, err := wallet.createBlindedMessages(split, mint.KeysetId(), &counter)
	if err != nil {
		t.Fatal(err)
	}
	for i := range secrets {
		if secrets[i] != secrets2[i] {
			t.Error("deterministic secrets differ for the same counter")
		}
	}

	// random secrets when no counter is given
	_, secrets3, _, err := wallet.createBlindedMessages(split, mint.KeysetId(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range secrets {
		if secrets[i] == secrets3[i] {
			t.Error("expected random secrets to differ from deterministic ones")
		}
	}
}

func TestRequestMeltQuoteInvalidInvoice(t *testing.T) {
	mint := testutils.NewFakeMint(0)
	defer mint.Close()
	wallet := testWallet(t, mint)

	_, err := wallet.RequestMeltQuote("notaninvoice")
	var cashuErr cashu.Error
	if !errors.As(err, &cashuErr) {
		t.Fatalf("expected a mint error but got '%v' instead", err)
	}
	if cashuErr.Code != cashu.MeltQuoteErrCode {
		t.Errorf("expected code '%v' but got '%v' instead", cashu.MeltQuoteErrCode, cashuErr.Code)
	}
}

func TestConstructProofsZeroesBlindingFactors(t *testing.T) {
	mintKeyset := crypto.GenerateMintKeyset("construct proofs seed", "0/0/0/0", 0)
	keyset := &crypto.WalletKeyset{Id: mintKeyset.Id, PublicKeys: mintKeyset.PublicKeys()}

	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	rs := []*secp256k1.PrivateKey{r}
	// amount 3 is not a mint denomination, so unblinding must fail
	signatures := cashu.BlindedSignatures{{Amount: 3, Id: keyset.Id, C_: "02aa"}}

	wallet := &Wallet{}
	if _, err := wallet.constructProofs(signatures, []string{"secret"}, rs, keyset); err == nil {
		t.Fatal("expected error unblinding a signature with an unknown amount")
	}
	if !bytes.Equal(r.Serialize(), make([]byte, 32)) {
		t.Error("blinding factor still live after the error path")
	}
}
