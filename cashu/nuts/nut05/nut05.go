// Package nut05 contains structs as defined in [NUT-05]
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import "github.com/satchel-cash/satchel/cashu"

type PostMeltQuoteBolt11Request struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string               `json:"quote"`
	Amount     uint64               `json:"amount"`
	FeeReserve uint64               `json:"fee_reserve"`
	State      cashu.MeltQuoteState `json:"state"`
	Expiry     int64                `json:"expiry"`
	Preimage   string               `json:"payment_preimage,omitempty"`
	// blind signatures for overpaid Lightning fees (NUT-08)
	Change cashu.BlindedSignatures `json:"change,omitempty"`
}

type PostMeltBolt11Request struct {
	Quote  string       `json:"quote"`
	Inputs cashu.Proofs `json:"inputs"`
	// blank outputs for fee reserve change (NUT-08)
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}
