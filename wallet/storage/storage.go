// Package storage persists wallet state: proofs, keysets, pending
// quotes and the seed. Durability guarantees live here, not in the
// wallet core.
package storage

import (
	"github.com/satchel-cash/satchel/cashu"
	"github.com/satchel-cash/satchel/crypto"
)

type WalletDB interface {
	SaveMnemonicSeed(mnemonic string, seed []byte)
	GetMnemonic() string
	GetSeed() []byte

	SaveProofs(proofs cashu.Proofs) error
	GetProofs() cashu.Proofs
	// DeleteProofs removes the listed proofs in a single
	// transaction: all or none
	DeleteProofs(proofs cashu.Proofs) error

	SaveKeyset(keyset *crypto.WalletKeyset) error
	GetKeysets() crypto.KeysetsMap
	IncrementKeysetCounter(keysetId string, num uint32) error
	GetKeysetCounter(keysetId string) uint32

	SaveMintQuote(quote cashu.MintQuote) error
	GetMintQuotes() []cashu.MintQuote
	SaveMeltQuote(quote cashu.MeltQuote) error
	GetMeltQuotes() []cashu.MeltQuote

	Close() error
}
