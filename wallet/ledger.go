package wallet

import (
	"errors"
	"fmt"

	"github.com/satchel-cash/satchel/cashu"
)

// bucketKey addresses one denomination of one keyset in the ledger.
type bucketKey struct {
	keysetId string
	amount   uint64
}

type ledgerEntry struct {
	proof cashu.Proof
	// global insertion sequence. Selection prefers older proofs on
	// equal amounts to keep proofs turning over.
	seq uint64
}

// ProofLedger is the in-memory collection of the proofs the wallet
// owns, bucketed by (keyset id, amount). It assumes a single wallet
// process; cross-process concurrency is the storage layer's problem.
type ProofLedger struct {
	buckets  map[bucketKey][]ledgerEntry
	bySecret map[string]bucketKey
	nextSeq  uint64
}

var ErrProofNotInLedger = errors.New("proof not in ledger")

func NewProofLedger() *ProofLedger {
	return &ProofLedger{
		buckets:  make(map[bucketKey][]ledgerEntry),
		bySecret: make(map[string]bucketKey),
	}
}

// Insert adds a proof to the ledger. A secret can only ever appear
// once; inserting it again is a hard error.
func (l *ProofLedger) Insert(proof cashu.Proof) error {
	if _, ok := l.bySecret[proof.Secret]; ok {
		return fmt.Errorf("proof with secret '%v' already in ledger", proof.Secret)
	}

	key := bucketKey{keysetId: proof.Id, amount: proof.Amount}
	l.buckets[key] = append(l.buckets[key], ledgerEntry{proof: proof, seq: l.nextSeq})
	l.bySecret[proof.Secret] = key
	l.nextSeq++
	return nil
}

func (l *ProofLedger) InsertAll(proofs cashu.Proofs) error {
	for _, proof := range proofs {
		if err := l.Insert(proof); err != nil {
			return err
		}
	}
	return nil
}

// Remove takes the listed proofs out of the ledger atomically:
// either all of them are removed or none, so a failing downstream
// call cannot leave a half-spent ledger.
func (l *ProofLedger) Remove(proofs cashu.Proofs) error {
	for _, proof := range proofs {
		if _, ok := l.bySecret[proof.Secret]; !ok {
			return ErrProofNotInLedger
		}
	}

	for _, proof := range proofs {
		key := l.bySecret[proof.Secret]
		entries := l.buckets[key]
		for i, entry := range entries {
			if entry.proof.Secret == proof.Secret {
				l.buckets[key] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(l.buckets[key]) == 0 {
			delete(l.buckets, key)
		}
		delete(l.bySecret, proof.Secret)
	}
	return nil
}

func (l *ProofLedger) Contains(secret string) bool {
	_, ok := l.bySecret[secret]
	return ok
}

// Balance sums all proofs in the ledger.
func (l *ProofLedger) Balance() uint64 {
	var balance uint64
	for key, entries := range l.buckets {
		balance += key.amount * uint64(len(entries))
	}
	return balance
}

// BalanceByKeysets sums the proofs belonging to the given keysets.
func (l *ProofLedger) BalanceByKeysets(keysetIds []string) uint64 {
	ids := make(map[string]bool, len(keysetIds))
	for _, id := range keysetIds {
		ids[id] = true
	}

	var balance uint64
	for key, entries := range l.buckets {
		if ids[key.keysetId] {
			balance += key.amount * uint64(len(entries))
		}
	}
	return balance
}

// Proofs returns all proofs currently held.
func (l *ProofLedger) Proofs() cashu.Proofs {
	proofs := make(cashu.Proofs, 0, len(l.bySecret))
	for _, entries := range l.buckets {
		for _, entry := range entries {
			proofs = append(proofs, entry.proof)
		}
	}
	return proofs
}
