// Package testutils provides an in-process mint for wallet tests.
// It signs with a real keyset so the full blind signature and DLEQ
// flow is exercised, but Lightning is simulated: invoices are opaque
// strings and payment outcomes are controlled by the test.
package testutils

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/satchel-cash/satchel/cashu"
	"github.com/satchel-cash/satchel/cashu/nuts/nut01"
	"github.com/satchel-cash/satchel/cashu/nuts/nut02"
	"github.com/satchel-cash/satchel/cashu/nuts/nut03"
	"github.com/satchel-cash/satchel/cashu/nuts/nut04"
	"github.com/satchel-cash/satchel/cashu/nuts/nut05"
	"github.com/satchel-cash/satchel/cashu/nuts/nut06"
	"github.com/satchel-cash/satchel/cashu/nuts/nut07"
	"github.com/satchel-cash/satchel/cashu/nuts/nut09"
	"github.com/satchel-cash/satchel/cashu/nuts/nut20"
	"github.com/satchel-cash/satchel/crypto"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const fakeInvoicePrefix = "lnfake"

type fakeMintQuote struct {
	amount uint64
	state  cashu.MintQuoteState
	pubkey string
	expiry int64
}

type fakeMeltQuote struct {
	amount     uint64
	feeReserve uint64
	state      cashu.MeltQuoteState
	preimage   string
	change     cashu.BlindedSignatures
	expiry     int64
}

// FakeMint is a Cashu mint backed by httptest. All handlers are
// safe for concurrent use.
type FakeMint struct {
	URL string

	// FailPayments makes melt attempts report UNPAID without
	// consuming the inputs.
	FailPayments bool
	// LightningFee is the simulated fee of a successful payment; it
	// must stay within the quoted fee reserve.
	LightningFee uint64
	// FeeReserve quoted on melt quotes.
	FeeReserve uint64

	server *httptest.Server

	mu         sync.Mutex
	keyset     *crypto.MintKeyset
	mintQuotes map[string]*fakeMintQuote
	meltQuotes map[string]*fakeMeltQuote
	spent      map[string]bool
	// every blinded message ever signed, for NUT-09 restore
	signed       map[string]cashu.BlindedSignature
	quoteCounter int
}

func NewFakeMint(inputFeePpk uint) *FakeMint {
	m := &FakeMint{
		FeeReserve: 2,
		keyset:     crypto.GenerateMintKeyset("fake mint secret", "0/0/0/0", inputFeePpk),
		mintQuotes: make(map[string]*fakeMintQuote),
		meltQuotes: make(map[string]*fakeMeltQuote),
		spent:      make(map[string]bool),
		signed:     make(map[string]cashu.BlindedSignature),
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/info", m.getInfo).Methods(http.MethodGet)
	router.HandleFunc("/v1/keys", m.getKeys).Methods(http.MethodGet)
	router.HandleFunc("/v1/keys/{id}", m.getKeysById).Methods(http.MethodGet)
	router.HandleFunc("/v1/keysets", m.getKeysets).Methods(http.MethodGet)
	router.HandleFunc("/v1/mint/quote/bolt11", m.postMintQuote).Methods(http.MethodPost)
	router.HandleFunc("/v1/mint/quote/bolt11/{id}", m.getMintQuote).Methods(http.MethodGet)
	router.HandleFunc("/v1/mint/bolt11", m.postMint).Methods(http.MethodPost)
	router.HandleFunc("/v1/swap", m.postSwap).Methods(http.MethodPost)
	router.HandleFunc("/v1/melt/quote/bolt11", m.postMeltQuote).Methods(http.MethodPost)
	router.HandleFunc("/v1/melt/quote/bolt11/{id}", m.getMeltQuote).Methods(http.MethodGet)
	router.HandleFunc("/v1/melt/bolt11", m.postMelt).Methods(http.MethodPost)
	router.HandleFunc("/v1/checkstate", m.postCheckState).Methods(http.MethodPost)
	router.HandleFunc("/v1/restore", m.postRestore).Methods(http.MethodPost)

	m.server = httptest.NewServer(router)
	m.URL = m.server.URL
	return m
}

func (m *FakeMint) Close() {
	m.server.Close()
}

// KeysetId returns the id of the mint's active keyset.
func (m *FakeMint) KeysetId() string {
	return m.keyset.Id
}

// CreateInvoice returns a fake bolt11 request the mint will quote at
// the given amount.
func (m *FakeMint) CreateInvoice(amount uint64) string {
	return fmt.Sprintf("%s-%d", fakeInvoicePrefix, amount)
}

// SetMintQuotePaid marks a mint quote's invoice as paid, as if the
// Lightning payment settled.
func (m *FakeMint) SetMintQuotePaid(quoteId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if quote, ok := m.mintQuotes[quoteId]; ok && quote.state == cashu.MintQuoteUnpaid {
		quote.state = cashu.MintQuotePaid
	}
}

// MarkSpent marks proofs as spent behind the wallet's back, as a
// copied wallet db spending elsewhere would.
func (m *FakeMint) MarkSpent(proofs cashu.Proofs) error {
	Ys, err := proofs.Ys()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, Y := range Ys {
		m.spent[Y] = true
	}
	return nil
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(v)
}

func writeErr(rw http.ResponseWriter, cashuErr cashu.Error) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(rw).Encode(cashuErr)
}

func (m *FakeMint) getInfo(rw http.ResponseWriter, req *http.Request) {
	info := nut06.MintInfo{
		Name:    "fake mint",
		Version: "fakemint/0.1",
		Nuts: nut06.Nuts{
			Nut04: nut06.NutSetting{
				Methods: []nut06.MethodSetting{{Method: cashu.Bolt11Method, Unit: cashu.Sat.String()}},
			},
			Nut05: nut06.NutSetting{
				Methods: []nut06.MethodSetting{{Method: cashu.Bolt11Method, Unit: cashu.Sat.String()}},
			},
			Nut07: nut06.Supported{Supported: true},
			Nut08: nut06.Supported{Supported: true},
			Nut09: nut06.Supported{Supported: true},
			Nut12: nut06.Supported{Supported: true},
			Nut13: nut06.Supported{Supported: true},
			Nut20: nut06.Supported{Supported: true},
		},
	}
	writeJSON(rw, info)
}

func (m *FakeMint) keysResponse() nut01.GetKeysResponse {
	keys := make(nut01.KeysMap)
	for amount, key := range m.keyset.PublicKeys() {
		keys[amount] = hex.EncodeToString(key.SerializeCompressed())
	}
	return nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{{Id: m.keyset.Id, Unit: m.keyset.Unit, Keys: keys}},
	}
}

func (m *FakeMint) getKeys(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, m.keysResponse())
}

func (m *FakeMint) getKeysById(rw http.ResponseWriter, req *http.Request) {
	if mux.Vars(req)["id"] != m.keyset.Id {
		writeErr(rw, cashu.UnknownKeysetErr)
		return
	}
	writeJSON(rw, m.keysResponse())
}

func (m *FakeMint) getKeysets(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, nut02.GetKeysetsResponse{
		Keysets: []nut02.Keyset{{
			Id:          m.keyset.Id,
			Unit:        m.keyset.Unit,
			Active:      m.keyset.Active,
			InputFeePpk: m.keyset.InputFeePpk,
		}},
	})
}

func (m *FakeMint) postMintQuote(rw http.ResponseWriter, req *http.Request) {
	var quoteRequest nut04.PostMintQuoteBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&quoteRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}
	if quoteRequest.Unit != cashu.Sat.String() {
		writeErr(rw, cashu.UnitNotSupportedErr)
		return
	}

	m.mu.Lock()
	m.quoteCounter++
	quoteId := fmt.Sprintf("mintquote-%d", m.quoteCounter)
	quote := &fakeMintQuote{
		amount: quoteRequest.Amount,
		state:  cashu.MintQuoteUnpaid,
		pubkey: quoteRequest.Pubkey,
		expiry: time.Now().Add(10 * time.Minute).Unix(),
	}
	m.mintQuotes[quoteId] = quote
	m.mu.Unlock()

	writeJSON(rw, nut04.PostMintQuoteBolt11Response{
		Quote:   quoteId,
		Request: fmt.Sprintf("%s-%d", fakeInvoicePrefix, quoteRequest.Amount),
		State:   quote.state,
		Expiry:  quote.expiry,
		Pubkey:  quote.pubkey,
	})
}

func (m *FakeMint) getMintQuote(rw http.ResponseWriter, req *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	quoteId := mux.Vars(req)["id"]
	quote, ok := m.mintQuotes[quoteId]
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	writeJSON(rw, nut04.PostMintQuoteBolt11Response{
		Quote:  quoteId,
		State:  quote.state,
		Expiry: quote.expiry,
		Pubkey: quote.pubkey,
	})
}

func (m *FakeMint) postMint(rw http.ResponseWriter, req *http.Request) {
	var mintRequest nut04.PostMintBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&mintRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	quote, ok := m.mintQuotes[mintRequest.Quote]
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	switch quote.state {
	case cashu.MintQuoteUnpaid:
		writeErr(rw, cashu.MintQuoteRequestNotPaid)
		return
	case cashu.MintQuoteIssued:
		writeErr(rw, cashu.MintQuoteAlreadyIssued)
		return
	}
	if mintRequest.Outputs.Amount() != quote.amount {
		writeErr(rw, cashu.OutputsOverQuoteAmountErr)
		return
	}

	if quote.pubkey != "" {
		if !m.validQuoteSignature(quote.pubkey, mintRequest.Quote, mintRequest.Outputs, mintRequest.Signature) {
			writeErr(rw, cashu.MintQuoteInvalidSigErr)
			return
		}
	}

	signatures, cashuErr := m.signOutputs(mintRequest.Outputs)
	if cashuErr != nil {
		writeErr(rw, *cashuErr)
		return
	}

	quote.state = cashu.MintQuoteIssued
	writeJSON(rw, nut04.PostMintBolt11Response{Signatures: signatures})
}

func (m *FakeMint) validQuoteSignature(pubkeyHex, quoteId string,
	outputs cashu.BlindedMessages, signatureHex string) bool {

	pubkeyBytes, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return false
	}
	pubkey, err := secp256k1.ParsePubKey(pubkeyBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	signature, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	return nut20.VerifyMintQuoteSignature(signature, quoteId, outputs, pubkey)
}

// signOutputs signs blinded messages with the keyset keys and
// attaches DLEQ proofs.
func (m *FakeMint) signOutputs(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, *cashu.Error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		if output.Id != m.keyset.Id {
			return nil, &cashu.InactiveKeysetErr
		}
		k, ok := m.keyset.PrivateKeys[output.Amount]
		if !ok {
			return nil, &cashu.InvalidBlindedMessageAmount
		}

		B_bytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, &cashu.StandardErr
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, &cashu.StandardErr
		}

		C_ := crypto.SignBlindedMessage(B_, k)
		e, s, err := crypto.GenerateDLEQ(k, B_, C_)
		if err != nil {
			return nil, &cashu.StandardErr
		}

		signature := cashu.BlindedSignature{
			Amount: output.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     m.keyset.Id,
			DLEQ: &cashu.DLEQProof{
				E: hex.EncodeToString(e.Serialize()),
				S: hex.EncodeToString(s.Serialize()),
			},
		}
		signatures[i] = signature
		m.signed[output.B_] = signature
	}
	return signatures, nil
}

// verifyInputs checks proofs against the keyset keys and the spent
// set. It does not mark anything spent.
func (m *FakeMint) verifyInputs(inputs cashu.Proofs) ([]string, *cashu.Error) {
	if cashu.CheckDuplicateProofs(inputs) {
		return nil, &cashu.DuplicateProofsErr
	}
	Ys, err := inputs.Ys()
	if err != nil {
		return nil, &cashu.InvalidProofErr
	}
	for i, proof := range inputs {
		if proof.Id != m.keyset.Id {
			return nil, &cashu.UnknownKeysetErr
		}
		k, ok := m.keyset.PrivateKeys[proof.Amount]
		if !ok {
			return nil, &cashu.InvalidProofErr
		}
		if m.spent[Ys[i]] {
			return nil, &cashu.ProofAlreadyUsedErr
		}
		CBytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return nil, &cashu.InvalidProofErr
		}
		C, err := secp256k1.ParsePubKey(CBytes)
		if err != nil {
			return nil, &cashu.InvalidProofErr
		}
		if !crypto.Verify(proof.Secret, k, C) {
			return nil, &cashu.InvalidProofErr
		}
	}
	return Ys, nil
}

func (m *FakeMint) inputFees(inputs cashu.Proofs) uint64 {
	var feePpk uint
	for range inputs {
		feePpk += m.keyset.InputFeePpk
	}
	return uint64((feePpk + 999) / 1000)
}

func (m *FakeMint) postSwap(rw http.ResponseWriter, req *http.Request) {
	var swapRequest nut03.PostSwapRequest
	if err := json.NewDecoder(req.Body).Decode(&swapRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	Ys, cashuErr := m.verifyInputs(swapRequest.Inputs)
	if cashuErr != nil {
		writeErr(rw, *cashuErr)
		return
	}

	fees := m.inputFees(swapRequest.Inputs)
	if swapRequest.Outputs.Amount()+fees != swapRequest.Inputs.Amount() {
		writeErr(rw, cashu.InsufficientProofsAmountErr)
		return
	}

	signatures, cashuErr := m.signOutputs(swapRequest.Outputs)
	if cashuErr != nil {
		writeErr(rw, *cashuErr)
		return
	}
	for _, Y := range Ys {
		m.spent[Y] = true
	}
	writeJSON(rw, nut03.PostSwapResponse{Signatures: signatures})
}

func (m *FakeMint) postMeltQuote(rw http.ResponseWriter, req *http.Request) {
	var quoteRequest nut05.PostMeltQuoteBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&quoteRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}
	if quoteRequest.Unit != cashu.Sat.String() {
		writeErr(rw, cashu.UnitNotSupportedErr)
		return
	}

	amount, err := parseFakeInvoice(quoteRequest.Request)
	if err != nil {
		writeErr(rw, *cashu.BuildCashuError("invalid payment request", cashu.MeltQuoteErrCode))
		return
	}

	m.mu.Lock()
	m.quoteCounter++
	quoteId := fmt.Sprintf("meltquote-%d", m.quoteCounter)
	quote := &fakeMeltQuote{
		amount:     amount,
		feeReserve: m.FeeReserve,
		state:      cashu.MeltQuoteUnpaid,
		expiry:     time.Now().Add(10 * time.Minute).Unix(),
	}
	m.meltQuotes[quoteId] = quote
	m.mu.Unlock()

	writeJSON(rw, nut05.PostMeltQuoteBolt11Response{
		Quote:      quoteId,
		Amount:     quote.amount,
		FeeReserve: quote.feeReserve,
		State:      quote.state,
		Expiry:     quote.expiry,
	})
}

func (m *FakeMint) getMeltQuote(rw http.ResponseWriter, req *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	quoteId := mux.Vars(req)["id"]
	quote, ok := m.meltQuotes[quoteId]
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	writeJSON(rw, m.meltQuoteResponse(quoteId, quote))
}

func (m *FakeMint) meltQuoteResponse(quoteId string, quote *fakeMeltQuote) nut05.PostMeltQuoteBolt11Response {
	state := quote.state
	// a failed payment is reported as UNPAID on the wire
	if state == cashu.MeltQuoteFailed {
		state = cashu.MeltQuoteUnpaid
	}
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      quoteId,
		Amount:     quote.amount,
		FeeReserve: quote.feeReserve,
		State:      state,
		Expiry:     quote.expiry,
		Preimage:   quote.preimage,
		Change:     quote.change,
	}
}

func (m *FakeMint) postMelt(rw http.ResponseWriter, req *http.Request) {
	var meltRequest nut05.PostMeltBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&meltRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	quote, ok := m.meltQuotes[meltRequest.Quote]
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	if quote.state == cashu.MeltQuotePaid {
		writeErr(rw, cashu.MeltQuoteAlreadyPaidErr)
		return
	}

	Ys, cashuErr := m.verifyInputs(meltRequest.Inputs)
	if cashuErr != nil {
		writeErr(rw, *cashuErr)
		return
	}

	fees := m.inputFees(meltRequest.Inputs)
	if meltRequest.Inputs.Amount() < quote.amount+quote.feeReserve+fees {
		writeErr(rw, cashu.InsufficientProofsAmountErr)
		return
	}

	if m.FailPayments {
		quote.state = cashu.MeltQuoteUnpaid
		writeJSON(rw, m.meltQuoteResponse(meltRequest.Quote, quote))
		return
	}

	for _, Y := range Ys {
		m.spent[Y] = true
	}
	quote.state = cashu.MeltQuotePaid
	quote.preimage = "fakepreimage"

	// NUT-08: return the unused fee reserve over the blank outputs
	overpaid := meltRequest.Inputs.Amount() - quote.amount - fees - m.LightningFee
	if overpaid > 0 && len(meltRequest.Outputs) > 0 {
		split := cashu.AmountSplit(overpaid)
		if len(split) > len(meltRequest.Outputs) {
			split = split[:len(meltRequest.Outputs)]
		}
		changeOutputs := make(cashu.BlindedMessages, len(split))
		for i := range split {
			changeOutputs[i] = meltRequest.Outputs[i]
			changeOutputs[i].Amount = split[i]
		}
		change, cashuErr := m.signOutputs(changeOutputs)
		if cashuErr != nil {
			writeErr(rw, *cashuErr)
			return
		}
		quote.change = change
	}

	writeJSON(rw, m.meltQuoteResponse(meltRequest.Quote, quote))
}

func (m *FakeMint) postCheckState(rw http.ResponseWriter, req *http.Request) {
	var stateRequest nut07.PostCheckStateRequest
	if err := json.NewDecoder(req.Body).Decode(&stateRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]nut07.ProofState, len(stateRequest.Ys))
	for i, Y := range stateRequest.Ys {
		state := nut07.Unspent
		if m.spent[Y] {
			state = nut07.Spent
		}
		states[i] = nut07.ProofState{Y: Y, State: state}
	}
	writeJSON(rw, nut07.PostCheckStateResponse{States: states})
}

func (m *FakeMint) postRestore(rw http.ResponseWriter, req *http.Request) {
	var restoreRequest nut09.PostRestoreRequest
	if err := json.NewDecoder(req.Body).Decode(&restoreRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	outputs := cashu.BlindedMessages{}
	signatures := cashu.BlindedSignatures{}
	for _, output := range restoreRequest.Outputs {
		if signature, ok := m.signed[output.B_]; ok {
			output.Amount = signature.Amount
			outputs = append(outputs, output)
			signatures = append(signatures, signature)
		}
	}
	writeJSON(rw, nut09.PostRestoreResponse{Outputs: outputs, Signatures: signatures})
}

func parseFakeInvoice(request string) (uint64, error) {
	parts := strings.Split(request, "-")
	if len(parts) != 2 || parts[0] != fakeInvoicePrefix {
		return 0, fmt.Errorf("not a fake invoice: %v", request)
	}
	return strconv.ParseUint(parts[1], 10, 64)
}
