// Package wallet implements a Cashu wallet against a single trusted
// mint: minting, swapping, sending, receiving and melting proofs.
package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"

	"github.com/satchel-cash/satchel/cashu"
	"github.com/satchel-cash/satchel/cashu/nuts/nut03"
	"github.com/satchel-cash/satchel/cashu/nuts/nut04"
	"github.com/satchel-cash/satchel/cashu/nuts/nut05"
	"github.com/satchel-cash/satchel/cashu/nuts/nut06"
	"github.com/satchel-cash/satchel/cashu/nuts/nut07"
	"github.com/satchel-cash/satchel/cashu/nuts/nut12"
	"github.com/satchel-cash/satchel/cashu/nuts/nut13"
	"github.com/satchel-cash/satchel/cashu/nuts/nut20"
	"github.com/satchel-cash/satchel/crypto"
	"github.com/satchel-cash/satchel/wallet/storage"
)

var ErrQuoteNotFound = errors.New("quote not found")

type Config struct {
	WalletPath string
	MintURL    string
}

type Wallet struct {
	db     storage.WalletDB
	logger *slog.Logger

	mintURL string
	unit    cashu.Unit

	// info advertised by the mint, nil if it could not be fetched.
	// absence only disables optional features (NUT-20 locks).
	mintInfo *nut06.MintInfo

	// all keysets of the mint the wallet has seen, active and
	// inactive. proofs from inactive keysets stay spendable but new
	// signatures are only requested from the active keyset.
	keysets map[string]crypto.WalletKeyset

	ledger *ProofLedger

	mintQuotes map[string]*cashu.MintQuote
	meltQuotes map[string]*cashu.MeltQuote
	// blinding material of in-flight melts, needed to unblind
	// NUT-08 change once the payment settles
	pendingMelts map[string]*pendingMelt

	masterKey *hdkeychain.ExtendedKey
}

// pendingMelt holds what a PENDING melt needs to settle: the
// submitted proofs and the secrets and blinding factors of the blank
// outputs sent for Lightning fee change.
type pendingMelt struct {
	proofs       cashu.Proofs
	blankSecrets []string
	blankRs      []*secp256k1.PrivateKey
	keysetId     string
	numBlank     int
}

func InitStorage(path string) (storage.WalletDB, error) {
	return storage.InitBolt(path)
}

// LoadWallet opens (or creates) the wallet at config.WalletPath and
// syncs keysets with the mint. On first run a new BIP-39 mnemonic is
// generated and persisted.
func LoadWallet(config Config) (*Wallet, error) {
	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return nil, err
	}
	db, err := InitStorage(config.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}

	mnemonic := db.GetMnemonic()
	if mnemonic == "" {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, err
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, err
		}
		seed := bip39.NewSeed(mnemonic, "")
		db.SaveMnemonicSeed(mnemonic, seed)
	}
	masterKey, err := hdkeychain.NewMaster(db.GetSeed(), &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	mintURL, err := url.Parse(config.MintURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	wallet := &Wallet{
		db:           db,
		logger:       slog.Default(),
		mintURL:      mintURL.String(),
		unit:         cashu.Sat,
		keysets:      make(map[string]crypto.WalletKeyset),
		ledger:       NewProofLedger(),
		mintQuotes:   make(map[string]*cashu.MintQuote),
		meltQuotes:   make(map[string]*cashu.MeltQuote),
		pendingMelts: make(map[string]*pendingMelt),
		masterKey:    masterKey,
	}

	for _, keyset := range db.GetKeysets()[wallet.mintURL] {
		wallet.keysets[keyset.Id] = keyset
	}

	activeKeyset, err := GetMintActiveKeyset(wallet.mintURL, wallet.unit)
	if err != nil {
		return nil, fmt.Errorf("error getting active keyset from mint: %v", err)
	}
	if err := wallet.addKeyset(*activeKeyset); err != nil {
		return nil, err
	}

	inactiveKeysets, err := GetMintInactiveKeysets(wallet.mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %v", err)
	}
	for _, keyset := range inactiveKeysets {
		if err := wallet.addKeyset(keyset); err != nil {
			return nil, err
		}
	}

	mintInfo, err := GetMintInfo(wallet.mintURL)
	if err != nil {
		wallet.logger.Warn("could not get mint info", slog.String("mint", wallet.mintURL), slog.Any("error", err))
	} else {
		wallet.mintInfo = mintInfo
	}

	now := time.Now()
	for _, quote := range db.GetMintQuotes() {
		quote := quote
		quote.CheckExpiry(now)
		wallet.mintQuotes[quote.Id] = &quote
	}

	// proofs submitted for a melt that is still pending are
	// reserved: they must not be selectable for other operations
	reserved := make(map[string]bool)
	for _, quote := range db.GetMeltQuotes() {
		quote := quote
		wallet.meltQuotes[quote.Id] = &quote
		if quote.State == cashu.MeltQuotePending {
			for _, secret := range quote.InputSecrets {
				reserved[secret] = true
			}
		}
	}

	for _, proof := range db.GetProofs() {
		if reserved[proof.Secret] {
			continue
		}
		if err := wallet.ledger.Insert(proof); err != nil {
			return nil, err
		}
	}

	return wallet, nil
}

func (w *Wallet) Shutdown() error {
	return w.db.Close()
}

// Mnemonic returns the wallet's BIP-39 recovery phrase.
func (w *Wallet) Mnemonic() string {
	return w.db.GetMnemonic()
}

func (w *Wallet) MintURL() string {
	return w.mintURL
}

// GetBalance returns the sum of all spendable proofs.
func (w *Wallet) GetBalance() uint64 {
	return w.ledger.Balance()
}

// RequestMint requests a quote from the mint for newly issued proofs
// worth amount. The returned quote carries the Lightning invoice to
// pay. If the mint supports quote locks, an ephemeral key is
// generated so only this wallet can redeem the quote.
func (w *Wallet) RequestMint(amount uint64) (*cashu.MintQuote, error) {
	if amount == 0 {
		return nil, cashu.ErrInvalidAmount
	}

	mintQuoteRequest := nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: w.unit.String()}

	var privateKey *secp256k1.PrivateKey
	if w.mintInfo != nil && w.mintInfo.Nuts.Nut20.Supported {
		var err error
		privateKey, err = secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		mintQuoteRequest.Pubkey = hex.EncodeToString(privateKey.PubKey().SerializeCompressed())
	}

	mintQuoteResponse, err := PostMintQuoteBolt11(w.mintURL, mintQuoteRequest)
	if err != nil {
		return nil, err
	}

	quote := &cashu.MintQuote{
		Id:             mintQuoteResponse.Quote,
		Mint:           w.mintURL,
		Amount:         amount,
		Unit:           w.unit.String(),
		PaymentRequest: mintQuoteResponse.Request,
		State:          mintQuoteResponse.State,
		Expiry:         mintQuoteResponse.Expiry,
	}
	if privateKey != nil {
		quote.PrivateKey = hex.EncodeToString(privateKey.Serialize())
	}

	w.mintQuotes[quote.Id] = quote
	if err := w.db.SaveMintQuote(*quote); err != nil {
		return nil, err
	}

	w.logger.Debug("requested mint quote",
		slog.String("quote", quote.Id), slog.Uint64("amount", amount))
	return quote, nil
}

// MintQuoteState refreshes the state of a mint quote from the mint.
func (w *Wallet) MintQuoteState(quoteId string) (*cashu.MintQuote, error) {
	quote, err := w.mintQuote(quoteId)
	if err != nil {
		return nil, err
	}

	mintQuoteResponse, err := GetMintQuoteState(w.mintURL, quoteId)
	if err != nil {
		return nil, err
	}
	if err := quote.Observe(mintQuoteResponse.State); err != nil {
		return nil, err
	}
	quote.CheckExpiry(time.Now())

	if err := w.db.SaveMintQuote(*quote); err != nil {
		return nil, err
	}
	return quote, nil
}

// MintTokens redeems a paid mint quote: it submits blinded messages
// for the quote amount and stores the unblinded proofs. It is only
// legal on a PAID quote and issues at most once.
func (w *Wallet) MintTokens(quoteId string) (cashu.Proofs, error) {
	quote, err := w.mintQuote(quoteId)
	if err != nil {
		return nil, err
	}

	quote.CheckExpiry(time.Now())
	if quote.State == cashu.MintQuoteUnpaid {
		mintQuoteResponse, err := GetMintQuoteState(w.mintURL, quoteId)
		if err != nil {
			return nil, err
		}
		if err := quote.Observe(mintQuoteResponse.State); err != nil {
			return nil, err
		}
		quote.CheckExpiry(time.Now())
	}

	if err := quote.BeginIssuance(); err != nil {
		// persist the state observed above even when issuance cannot
		// proceed
		if dbErr := w.db.SaveMintQuote(*quote); dbErr != nil {
			w.logger.Error("saving mint quote",
				slog.String("quote", quote.Id), slog.Any("error", dbErr))
		}
		return nil, err
	}

	proofs, err := w.mintProofs(quote)
	if err != nil {
		quote.FinishIssuance(false)
		return nil, err
	}

	quote.FinishIssuance(true)
	if err := w.db.SaveMintQuote(*quote); err != nil {
		return nil, err
	}

	w.logger.Info("minted tokens",
		slog.String("quote", quote.Id), slog.Uint64("amount", proofs.Amount()))
	return proofs, nil
}

func (w *Wallet) mintProofs(quote *cashu.MintQuote) (cashu.Proofs, error) {
	activeKeyset, err := w.activeKeyset()
	if err != nil {
		return nil, err
	}

	counter := w.db.GetKeysetCounter(activeKeyset.Id)
	split := cashu.AmountSplit(quote.Amount)
	blindedMessages, secrets, rs, err := w.createBlindedMessages(split, activeKeyset.Id, &counter)
	if err != nil {
		return nil, fmt.Errorf("error creating blinded messages: %v", err)
	}

	mintRequest := nut04.PostMintBolt11Request{Quote: quote.Id, Outputs: blindedMessages}
	if quote.PrivateKey != "" {
		keyBytes, err := hex.DecodeString(quote.PrivateKey)
		if err != nil {
			return nil, err
		}
		signature, err := nut20.SignMintQuote(secp256k1.PrivKeyFromBytes(keyBytes), quote.Id, blindedMessages)
		if err != nil {
			return nil, err
		}
		mintRequest.Signature = hex.EncodeToString(signature.Serialize())
	}

	mintResponse, err := PostMintBolt11(w.mintURL, mintRequest)
	if err != nil {
		return nil, fmt.Errorf("error minting tokens: %w", err)
	}

	proofs, err := w.constructProofs(mintResponse.Signatures, secrets, rs, activeKeyset)
	if err != nil {
		return nil, err
	}

	if err := w.db.IncrementKeysetCounter(activeKeyset.Id, uint32(len(blindedMessages))); err != nil {
		return nil, fmt.Errorf("error incrementing keyset counter: %v", err)
	}
	if err := w.storeProofs(proofs); err != nil {
		return nil, err
	}
	return proofs, nil
}

// Send packages proofs worth exactly amount into a V4 token. If no
// subset of the held proofs matches the amount, the wallet swaps
// with the mint first, paying the swap input fees itself.
func (w *Wallet) Send(amount uint64, memo string) (cashu.Token, error) {
	if amount == 0 {
		return nil, cashu.ErrInvalidAmount
	}

	proofsToSend, err := w.getProofsForAmount(amount)
	if err != nil {
		return nil, err
	}

	token, err := cashu.NewTokenV4(proofsToSend, w.mintURL, w.unit, true)
	if err != nil {
		return nil, err
	}
	token.Memo = memo

	w.logger.Info("sending token", slog.Uint64("amount", amount))
	return token, nil
}

// Receive redeems the proofs in a token. Only tokens from the
// wallet's own mint are accepted; the proofs are swapped for fresh
// ones so the sender cannot double-spend them afterwards. Returns
// the amount added to the balance (the token amount minus the swap
// input fees).
func (w *Wallet) Receive(token cashu.Token) (uint64, error) {
	if token.Mint() != w.mintURL {
		return 0, fmt.Errorf("token is from mint '%v', wallet only trusts '%v'", token.Mint(), w.mintURL)
	}

	proofs := token.Proofs()
	if len(proofs) == 0 {
		return 0, errors.New("token has no proofs")
	}

	byKeyset := make(map[string]cashu.Proofs)
	for _, proof := range proofs {
		byKeyset[proof.Id] = append(byKeyset[proof.Id], proof)
	}
	for id, keysetProofs := range byKeyset {
		keyset, err := w.keysetById(id)
		if err != nil {
			return 0, err
		}
		if !nut12.VerifyProofsDLEQ(keysetProofs, *keyset) {
			return 0, cashu.ErrDLEQVerificationFailed
		}
	}

	newProofs, err := w.swap(proofs)
	if err != nil {
		return 0, err
	}

	w.logger.Info("received token", slog.Uint64("amount", newProofs.Amount()))
	return newProofs.Amount(), nil
}

// swap exchanges proofs at the mint for fresh ones signed by the
// active keyset, net of input fees, and stores the result.
func (w *Wallet) swap(proofs cashu.Proofs) (cashu.Proofs, error) {
	activeKeyset, err := w.activeKeyset()
	if err != nil {
		return nil, err
	}

	fees := feesForProofs(proofs, w.keysets)
	if proofs.Amount() <= fees {
		return nil, cashu.ErrInsufficientFunds
	}

	counter := w.db.GetKeysetCounter(activeKeyset.Id)
	split := cashu.AmountSplit(proofs.Amount() - fees)
	outputs, secrets, rs, err := w.createBlindedMessages(split, activeKeyset.Id, &counter)
	if err != nil {
		return nil, fmt.Errorf("error creating blinded messages: %v", err)
	}

	swapResponse, err := PostSwap(w.mintURL, nut03.PostSwapRequest{Inputs: proofs, Outputs: outputs})
	if err != nil {
		return nil, err
	}

	newProofs, err := w.constructProofs(swapResponse.Signatures, secrets, rs, activeKeyset)
	if err != nil {
		return nil, err
	}

	if err := w.db.IncrementKeysetCounter(activeKeyset.Id, uint32(len(outputs))); err != nil {
		return nil, fmt.Errorf("error incrementing keyset counter: %v", err)
	}
	if err := w.storeProofs(newProofs); err != nil {
		return nil, err
	}
	return newProofs, nil
}

// getProofsForAmount returns proofs summing to exactly amount,
// removed from the spendable set. An exact subset is handed over as
// is; otherwise the selection is swapped and the change kept.
func (w *Wallet) getProofsForAmount(amount uint64) (cashu.Proofs, error) {
	keysetIds := make([]string, 0, len(w.keysets))
	for id := range w.keysets {
		keysetIds = append(keysetIds, id)
	}

	selected, err := w.ledger.Select(amount, keysetIds)
	if err != nil {
		return nil, err
	}
	if selected.Amount() == amount {
		if err := w.releaseProofs(selected); err != nil {
			return nil, err
		}
		return selected, nil
	}

	// no exact subset: swap through the mint, covering the swap's
	// own input fees, and keep the change
	selected, fee, err := w.ledger.SelectWithFees(amount, w.keysets)
	if err != nil {
		return nil, err
	}
	return w.swapToSend(selected, amount, fee)
}

// swapToSend swaps the selected proofs into a set matching amount
// exactly plus change. The send outputs and change outputs are
// interleaved by amount so the mint cannot tell them apart.
func (w *Wallet) swapToSend(selected cashu.Proofs, amount, fee uint64) (cashu.Proofs, error) {
	activeKeyset, err := w.activeKeyset()
	if err != nil {
		return nil, err
	}

	changeAmount := selected.Amount() - amount - fee
	counter := w.db.GetKeysetCounter(activeKeyset.Id)

	sendOutputs, sendSecrets, sendRs, err := w.createBlindedMessages(
		cashu.AmountSplit(amount), activeKeyset.Id, &counter)
	if err != nil {
		return nil, fmt.Errorf("error creating blinded messages: %v", err)
	}
	changeOutputs, changeSecrets, changeRs, err := w.createBlindedMessages(
		cashu.AmountSplit(changeAmount), activeKeyset.Id, &counter)
	if err != nil {
		return nil, fmt.Errorf("error creating blinded messages: %v", err)
	}

	forSend := make(map[string]bool, len(sendSecrets))
	for _, secret := range sendSecrets {
		forSend[secret] = true
	}

	outputs := append(sendOutputs, changeOutputs...)
	secrets := append(sendSecrets, changeSecrets...)
	rs := append(sendRs, changeRs...)
	cashu.SortBlindedMessages(outputs, secrets, rs)

	swapResponse, err := PostSwap(w.mintURL, nut03.PostSwapRequest{Inputs: selected, Outputs: outputs})
	if err != nil {
		return nil, err
	}

	// the swap consumed the inputs
	if err := w.releaseProofs(selected); err != nil {
		return nil, err
	}

	proofs, err := w.constructProofs(swapResponse.Signatures, secrets, rs, activeKeyset)
	if err != nil {
		return nil, err
	}
	if err := w.db.IncrementKeysetCounter(activeKeyset.Id, uint32(len(outputs))); err != nil {
		return nil, fmt.Errorf("error incrementing keyset counter: %v", err)
	}

	proofsToSend := make(cashu.Proofs, 0, len(sendSecrets))
	changeProofs := make(cashu.Proofs, 0, len(changeSecrets))
	for _, proof := range proofs {
		if forSend[proof.Secret] {
			proofsToSend = append(proofsToSend, proof)
		} else {
			changeProofs = append(changeProofs, proof)
		}
	}

	if err := w.storeProofs(changeProofs); err != nil {
		return nil, err
	}
	return proofsToSend, nil
}

// RequestMeltQuote asks the mint how much paying the given Lightning
// invoice will cost, including the fee reserve.
func (w *Wallet) RequestMeltQuote(request string) (*cashu.MeltQuote, error) {
	meltQuoteResponse, err := PostMeltQuoteBolt11(w.mintURL,
		nut05.PostMeltQuoteBolt11Request{Request: request, Unit: w.unit.String()})
	if err != nil {
		return nil, err
	}

	quote := &cashu.MeltQuote{
		Id:             meltQuoteResponse.Quote,
		Mint:           w.mintURL,
		Amount:         meltQuoteResponse.Amount,
		Unit:           w.unit.String(),
		FeeReserve:     meltQuoteResponse.FeeReserve,
		PaymentRequest: request,
		State:          meltQuoteResponse.State,
		Expiry:         meltQuoteResponse.Expiry,
	}

	w.meltQuotes[quote.Id] = quote
	if err := w.db.SaveMeltQuote(*quote); err != nil {
		return nil, err
	}
	return quote, nil
}

// Melt submits proofs for a melt quote so the mint pays the quoted
// Lightning invoice. The submitted proofs cover the quote amount
// plus the fee reserve plus their own input fees; any unused fee
// reserve comes back as change via blank outputs.
//
// A transport failure leaves the quote PENDING with its proofs
// reserved; call CheckMeltQuote to learn the outcome.
func (w *Wallet) Melt(quoteId string) (*cashu.MeltQuote, error) {
	quote, err := w.meltQuote(quoteId)
	if err != nil {
		return nil, err
	}

	proofs, _, err := w.ledger.SelectWithFees(quote.Amount+quote.FeeReserve, w.keysets)
	if err != nil {
		return nil, err
	}

	activeKeyset, err := w.activeKeyset()
	if err != nil {
		return nil, err
	}

	counter := w.db.GetKeysetCounter(activeKeyset.Id)
	numBlank := blankOutputCount(quote.FeeReserve)
	blankAmounts := make([]uint64, numBlank)
	for i := range blankAmounts {
		blankAmounts[i] = 1
	}
	blankOutputs, blankSecrets, blankRs, err := w.createBlindedMessages(blankAmounts, activeKeyset.Id, &counter)
	if err != nil {
		return nil, fmt.Errorf("error creating blinded messages: %v", err)
	}

	if err := quote.BeginPayment(); err != nil {
		return nil, err
	}

	secrets := make([]string, len(proofs))
	for i, proof := range proofs {
		secrets[i] = proof.Secret
	}
	quote.InputSecrets = secrets
	if err := w.ledger.Remove(proofs); err != nil {
		return nil, err
	}
	if err := w.db.SaveMeltQuote(*quote); err != nil {
		return nil, err
	}
	if err := w.db.IncrementKeysetCounter(activeKeyset.Id, uint32(numBlank)); err != nil {
		return nil, fmt.Errorf("error incrementing keyset counter: %v", err)
	}
	w.pendingMelts[quote.Id] = &pendingMelt{
		proofs:       proofs,
		blankSecrets: blankSecrets,
		blankRs:      blankRs,
		keysetId:     activeKeyset.Id,
		numBlank:     numBlank,
	}

	meltRequest := nut05.PostMeltBolt11Request{Quote: quote.Id, Inputs: proofs, Outputs: blankOutputs}
	meltResponse, err := PostMeltBolt11(w.mintURL, meltRequest)
	if err != nil {
		var cashuErr cashu.Error
		if errors.As(err, &cashuErr) {
			// the mint rejected the request outright, so the
			// proofs were not consumed
			if settleErr := w.settleMelt(quote, cashu.MeltQuoteUnpaid, "", nil); settleErr != nil {
				w.logger.Error("returning proofs after rejected melt",
					slog.String("quote", quote.Id), slog.Any("error", settleErr))
			}
			return nil, err
		}
		// outcome unknown: the quote stays PENDING and the proofs
		// stay reserved until CheckMeltQuote resolves it
		w.logger.Warn("melt outcome unknown",
			slog.String("quote", quote.Id), slog.Any("error", err))
		return nil, err
	}

	if err := w.settleMelt(quote, meltResponse.State, meltResponse.Preimage, meltResponse.Change); err != nil {
		return nil, err
	}
	return quote, nil
}

// CheckMeltQuote refreshes a melt quote from the mint and settles it
// if a payment was pending.
func (w *Wallet) CheckMeltQuote(quoteId string) (*cashu.MeltQuote, error) {
	quote, err := w.meltQuote(quoteId)
	if err != nil {
		return nil, err
	}

	meltQuoteResponse, err := GetMeltQuoteState(w.mintURL, quoteId)
	if err != nil {
		return nil, err
	}

	if quote.State == cashu.MeltQuotePending {
		if err := w.settleMelt(quote, meltQuoteResponse.State, meltQuoteResponse.Preimage, meltQuoteResponse.Change); err != nil {
			return nil, err
		}
	}
	return quote, nil
}

// settleMelt applies the payment outcome of a PENDING melt: on
// success the inputs are deleted and the fee change unblinded, on
// failure the inputs go back to the spendable set.
func (w *Wallet) settleMelt(quote *cashu.MeltQuote, reported cashu.MeltQuoteState,
	preimage string, change cashu.BlindedSignatures) error {

	pending := w.pendingMelts[quote.Id]
	proofs := w.pendingProofs(quote, pending)

	if err := quote.Settle(reported, preimage); err != nil {
		return err
	}

	switch quote.State {
	case cashu.MeltQuotePaid:
		if err := w.db.DeleteProofs(proofs); err != nil {
			return err
		}
		quote.InputSecrets = nil
		if len(change) > 0 {
			if err := w.redeemMeltChange(change, pending); err != nil {
				return err
			}
		} else if pending != nil {
			zeroBlindingFactors(pending.blankRs)
		}
		delete(w.pendingMelts, quote.Id)
		w.logger.Info("melt paid",
			slog.String("quote", quote.Id), slog.Uint64("amount", quote.Amount))
	case cashu.MeltQuoteFailed:
		if err := w.ledger.InsertAll(proofs); err != nil {
			return err
		}
		if pending != nil {
			zeroBlindingFactors(pending.blankRs)
		}
		delete(w.pendingMelts, quote.Id)
		w.logger.Info("melt payment failed, proofs returned",
			slog.String("quote", quote.Id))
	case cashu.MeltQuotePending:
		// still in flight
	}

	return w.db.SaveMeltQuote(*quote)
}

// pendingProofs resolves the proofs reserved for a pending melt,
// falling back to the db when the in-memory record did not survive a
// restart.
func (w *Wallet) pendingProofs(quote *cashu.MeltQuote, pending *pendingMelt) cashu.Proofs {
	if pending != nil {
		return pending.proofs
	}

	secrets := make(map[string]bool, len(quote.InputSecrets))
	for _, secret := range quote.InputSecrets {
		secrets[secret] = true
	}
	proofs := make(cashu.Proofs, 0, len(quote.InputSecrets))
	for _, proof := range w.db.GetProofs() {
		if secrets[proof.Secret] {
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

// redeemMeltChange unblinds NUT-08 change signatures. Without the
// blinding material from this process's Melt call the change cannot
// be unblinded; it is recoverable later through a seed restore.
func (w *Wallet) redeemMeltChange(change cashu.BlindedSignatures, pending *pendingMelt) error {
	if pending == nil {
		w.logger.Warn("melt returned change but blinding material is gone; recover it with a restore")
		return nil
	}
	if len(change) > len(pending.blankRs) {
		return errors.New("mint returned more change signatures than blank outputs")
	}

	keyset, err := w.keysetById(pending.keysetId)
	if err != nil {
		return err
	}
	changeProofs, err := w.constructProofs(change,
		pending.blankSecrets[:len(change)], pending.blankRs[:len(change)], keyset)
	zeroBlindingFactors(pending.blankRs[len(change):])
	if err != nil {
		return err
	}
	return w.storeProofs(changeProofs)
}

// RemoveSpentProofs asks the mint which held proofs were already
// spent and drops them. A proof can end up spent without the
// wallet's knowledge when a backup of the wallet db was used
// elsewhere. Returns the amount removed.
func (w *Wallet) RemoveSpentProofs() (uint64, error) {
	proofs := w.ledger.Proofs()
	if len(proofs) == 0 {
		return 0, nil
	}

	Ys, err := proofs.Ys()
	if err != nil {
		return 0, err
	}
	stateResponse, err := PostCheckProofState(w.mintURL, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return 0, err
	}
	if len(stateResponse.States) != len(proofs) {
		return 0, errors.New("mint returned wrong number of proof states")
	}

	spent := make(cashu.Proofs, 0)
	for i, proofState := range stateResponse.States {
		if proofState.State == nut07.Spent {
			spent = append(spent, proofs[i])
		}
	}
	if len(spent) == 0 {
		return 0, nil
	}

	if err := w.ledger.Remove(spent); err != nil {
		return 0, err
	}
	if err := w.db.DeleteProofs(spent); err != nil {
		return 0, err
	}

	w.logger.Info("removed spent proofs", slog.Uint64("amount", spent.Amount()))
	return spent.Amount(), nil
}

func (w *Wallet) mintQuote(quoteId string) (*cashu.MintQuote, error) {
	quote, ok := w.mintQuotes[quoteId]
	if !ok {
		return nil, ErrQuoteNotFound
	}
	return quote, nil
}

func (w *Wallet) meltQuote(quoteId string) (*cashu.MeltQuote, error) {
	quote, ok := w.meltQuotes[quoteId]
	if !ok {
		return nil, ErrQuoteNotFound
	}
	return quote, nil
}

func (w *Wallet) MintQuotes() []cashu.MintQuote {
	quotes := make([]cashu.MintQuote, 0, len(w.mintQuotes))
	for _, quote := range w.mintQuotes {
		quotes = append(quotes, *quote)
	}
	return quotes
}

func (w *Wallet) MeltQuotes() []cashu.MeltQuote {
	quotes := make([]cashu.MeltQuote, 0, len(w.meltQuotes))
	for _, quote := range w.meltQuotes {
		quotes = append(quotes, *quote)
	}
	return quotes
}

// createBlindedMessages builds one blinded message per amount in
// splitAmounts. With a counter the secrets and blinding factors are
// derived deterministically from the wallet seed and the counter is
// advanced; with a nil counter they are random.
func (w *Wallet) createBlindedMessages(splitAmounts []uint64, keysetId string, counter *uint32) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	splitLen := len(splitAmounts)
	blindedMessages := make(cashu.BlindedMessages, splitLen)
	secrets := make([]string, splitLen)
	rs := make([]*secp256k1.PrivateKey, splitLen)

	var keysetPath *hdkeychain.ExtendedKey
	if counter != nil {
		var err error
		keysetPath, err = nut13.DeriveKeysetPath(w.masterKey, keysetId)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	for i, amount := range splitAmounts {
		var secret string
		var r *secp256k1.PrivateKey
		var err error
		if counter != nil {
			secret, r, err = generateDeterministicSecret(keysetPath, *counter)
			*counter++
		} else {
			secret, err = cashu.GenerateRandomSecret()
			if err == nil {
				r, err = secp256k1.GeneratePrivateKey()
			}
		}
		if err != nil {
			return nil, nil, nil, err
		}

		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

func generateDeterministicSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (
	string, *secp256k1.PrivateKey, error) {

	secret, err := nut13.DeriveSecret(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	r, err := nut13.DeriveBlindingFactor(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	return secret, r, nil
}

// constructProofs unblinds the signatures returned by the mint into
// proofs. If a signature carries a DLEQ proof it is verified first;
// a bad one aborts the whole batch since it means the mint key is
// not what it claims. Blinding factors are zeroed once used, on
// error paths included.
func (w *Wallet) constructProofs(blindedSignatures cashu.BlindedSignatures,
	secrets []string, rs []*secp256k1.PrivateKey, keyset *crypto.WalletKeyset) (cashu.Proofs, error) {

	defer zeroBlindingFactors(rs)

	if len(blindedSignatures) != len(secrets) || len(blindedSignatures) != len(rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, len(blindedSignatures))
	for i, blindedSignature := range blindedSignatures {
		pubkey, ok := keyset.PublicKeys[blindedSignature.Amount]
		if !ok {
			return nil, cashu.ErrInvalidAmount
		}

		var dleq *cashu.DLEQProof
		if blindedSignature.DLEQ != nil {
			B_, _, err := crypto.BlindMessage(secrets[i], rs[i])
			if err != nil {
				return nil, err
			}
			B_str := hex.EncodeToString(B_.SerializeCompressed())
			if !nut12.VerifyBlindSignatureDLEQ(*blindedSignature.DLEQ, pubkey, B_str, blindedSignature.C_) {
				return nil, cashu.ErrDLEQVerificationFailed
			}
			dleq = &cashu.DLEQProof{
				E: blindedSignature.DLEQ.E,
				S: blindedSignature.DLEQ.S,
				R: hex.EncodeToString(rs[i].Serialize()),
			}
		}

		C_bytes, err := hex.DecodeString(blindedSignature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		C := crypto.UnblindSignature(C_, rs[i], pubkey)
		proofs[i] = cashu.Proof{
			Amount: blindedSignature.Amount,
			Id:     blindedSignature.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
			DLEQ:   dleq,
		}
	}

	return proofs, nil
}

func zeroBlindingFactors(rs []*secp256k1.PrivateKey) {
	for _, r := range rs {
		if r != nil {
			r.Zero()
		}
	}
}

func (w *Wallet) storeProofs(proofs cashu.Proofs) error {
	if err := w.db.SaveProofs(proofs); err != nil {
		return fmt.Errorf("error saving proofs: %v", err)
	}
	return w.ledger.InsertAll(proofs)
}

// releaseProofs takes proofs out of the spendable set and the db.
func (w *Wallet) releaseProofs(proofs cashu.Proofs) error {
	if err := w.ledger.Remove(proofs); err != nil {
		return err
	}
	return w.db.DeleteProofs(proofs)
}

// blankOutputCount is the NUT-08 number of blank outputs for a fee
// reserve: max(ceil(log2(feeReserve)), 1), or none when there is no
// reserve to return.
func blankOutputCount(feeReserve uint64) int {
	if feeReserve == 0 {
		return 0
	}
	count := int(math.Ceil(math.Log2(float64(feeReserve))))
	if count < 1 {
		count = 1
	}
	return count
}
