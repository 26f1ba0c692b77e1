package wallet

import (
	"sort"

	"github.com/satchel-cash/satchel/cashu"
	"github.com/satchel-cash/satchel/crypto"
)

// Fee recomputation changes the number of inputs, which changes the
// fee again. The interaction converges quickly; cap the refinement
// rather than recursing.
const maxFeeSelectionRounds = 5

// Select chooses proofs from the given keysets summing to at least
// target, minimizing first the number of proofs used and then the
// overpayment. Greedy largest-first over the denomination buckets;
// equal amounts are taken oldest first.
func (l *ProofLedger) Select(target uint64, keysetIds []string) (cashu.Proofs, error) {
	ids := make(map[string]bool, len(keysetIds))
	for _, id := range keysetIds {
		ids[id] = true
	}

	grouped := make(map[uint64][]ledgerEntry)
	for key, entries := range l.buckets {
		if ids[key.keysetId] {
			grouped[key.amount] = append(grouped[key.amount], entries...)
		}
	}

	amounts := make([]uint64, 0, len(grouped))
	for amount := range grouped {
		entries := grouped[amount]
		sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
		amounts = append(amounts, amount)
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] > amounts[j] })

	selected := make(cashu.Proofs, 0)
	taken := make(map[uint64]int, len(grouped))
	remaining := target
	for _, amount := range amounts {
		for _, entry := range grouped[amount] {
			if remaining < amount {
				break
			}
			selected = append(selected, entry.proof)
			taken[amount]++
			remaining -= amount
		}
	}

	if remaining > 0 {
		// every unused proof is now larger than the remainder:
		// the smallest one minimizes overpayment
		for i := len(amounts) - 1; i >= 0; i-- {
			amount := amounts[i]
			if taken[amount] < len(grouped[amount]) {
				fallback := grouped[amount][taken[amount]].proof
				return dropRedundant(selected, fallback, target), nil
			}
		}
		return nil, cashu.ErrInsufficientFunds
	}

	return selected, nil
}

// dropRedundant appends the overpayment fallback and removes any
// greedy pick its amount made unnecessary. The greedy picks are in
// descending order, so walking them backwards drops smallest first;
// the fallback itself is never redundant since the picks alone fall
// short of target.
func dropRedundant(selected cashu.Proofs, fallback cashu.Proof, target uint64) cashu.Proofs {
	sum := selected.Amount() + fallback.Amount
	redundant := make(map[int]bool)
	for i := len(selected) - 1; i >= 0; i-- {
		if sum-selected[i].Amount >= target {
			sum -= selected[i].Amount
			redundant[i] = true
		}
	}

	kept := make(cashu.Proofs, 0, len(selected)+1)
	for i, proof := range selected {
		if !redundant[i] {
			kept = append(kept, proof)
		}
	}
	return append(kept, fallback)
}

// SelectWithFees chooses proofs covering target plus the input fees
// for the chosen proofs themselves. Since the fee depends on how
// many proofs end up selected, the selection is refined until it
// covers its own fee, with a bounded number of rounds.
func (l *ProofLedger) SelectWithFees(target uint64, keysets map[string]crypto.WalletKeyset) (cashu.Proofs, uint64, error) {
	keysetIds := make([]string, 0, len(keysets))
	for id := range keysets {
		keysetIds = append(keysetIds, id)
	}

	selected, err := l.Select(target, keysetIds)
	if err != nil {
		return nil, 0, err
	}

	for i := 0; i < maxFeeSelectionRounds; i++ {
		fee := feesForProofs(selected, keysets)
		if selected.Amount() >= target+fee {
			return selected, fee, nil
		}

		selected, err = l.Select(target+fee, keysetIds)
		if err != nil {
			return nil, 0, err
		}
	}

	return nil, 0, cashu.ErrInsufficientFunds
}

// feesForProofs is the fee charged by the mint for spending the
// given input proofs: sum of the per-keyset input_fee_ppk, rounded
// up to the next whole unit.
func feesForProofs(proofs cashu.Proofs, keysets map[string]crypto.WalletKeyset) uint64 {
	var feePpk uint
	for _, proof := range proofs {
		feePpk += keysets[proof.Id].InputFeePpk
	}
	return uint64((feePpk + 999) / 1000)
}
