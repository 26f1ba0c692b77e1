package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"

	"github.com/satchel-cash/satchel/cashu"
	"github.com/satchel-cash/satchel/cashu/nuts/nut07"
	"github.com/satchel-cash/satchel/cashu/nuts/nut09"
	"github.com/satchel-cash/satchel/cashu/nuts/nut13"
	"github.com/satchel-cash/satchel/crypto"
)

const restoreBatchSize = 100

// Restore rebuilds a wallet db at walletPath from a BIP-39 mnemonic
// by asking each mint to re-issue the blind signatures for
// deterministically derived secrets, stopping after three
// consecutive empty batches per keyset. Only proofs the mint reports
// unspent are kept.
func Restore(walletPath, mnemonic string, mintsToRestore []string) (cashu.Proofs, error) {
	dbpath := filepath.Join(walletPath, "wallet.db")
	if _, err := os.Stat(dbpath); err == nil {
		return nil, errors.New("wallet already exists")
	}

	if err := os.MkdirAll(walletPath, 0700); err != nil {
		return nil, err
	}

	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}

	db, err := InitStorage(walletPath)
	if err != nil {
		return nil, fmt.Errorf("error restoring wallet: %v", err)
	}
	defer db.Close()

	seed := bip39.NewSeed(mnemonic, "")
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	db.SaveMnemonicSeed(mnemonic, seed)

	proofsRestored := cashu.Proofs{}

	for _, mint := range mintsToRestore {
		mintInfo, err := GetMintInfo(mint)
		if err != nil {
			return nil, fmt.Errorf("error getting info from mint: %v", err)
		}
		if !mintInfo.Nuts.Nut07.Supported || !mintInfo.Nuts.Nut09.Supported {
			fmt.Println("mint does not support the necessary operations to restore wallet")
			continue
		}

		keysetsResponse, err := GetAllKeysets(mint)
		if err != nil {
			return nil, err
		}

		for _, keyset := range keysetsResponse.Keysets {
			if keyset.Unit != cashu.Sat.String() {
				continue
			}
			// ignore keysets whose ids cannot derive a path
			if idBytes, err := hex.DecodeString(keyset.Id); err != nil || len(idBytes) < 8 {
				continue
			}

			keysetKeys, err := getKeysetKeys(mint, keyset.Id)
			if err != nil {
				return nil, err
			}

			walletKeyset := crypto.WalletKeyset{
				Id:          keyset.Id,
				MintURL:     mint,
				Unit:        keyset.Unit,
				Active:      keyset.Active,
				PublicKeys:  keysetKeys,
				InputFeePpk: keyset.InputFeePpk,
			}
			if err := db.SaveKeyset(&walletKeyset); err != nil {
				return nil, err
			}

			keysetProofs, counter, err := restoreKeyset(mint, masterKey, keyset.Id, keysetKeys)
			if err != nil {
				return nil, err
			}

			if len(keysetProofs) > 0 {
				if err := db.SaveProofs(keysetProofs); err != nil {
					return nil, fmt.Errorf("error saving restored proofs: %v", err)
				}
			}
			// move the counter past everything the mint has seen so
			// the wallet never reuses a derivation
			if counter > 0 {
				if err := db.IncrementKeysetCounter(keyset.Id, counter); err != nil {
					return nil, fmt.Errorf("error incrementing keyset counter: %v", err)
				}
			}
			proofsRestored = append(proofsRestored, keysetProofs...)
		}
	}

	return proofsRestored, nil
}

func restoreKeyset(mint string, masterKey *hdkeychain.ExtendedKey, keysetId string,
	keysetKeys map[uint64]*secp256k1.PublicKey) (cashu.Proofs, uint32, error) {

	keysetPath, err := nut13.DeriveKeysetPath(masterKey, keysetId)
	if err != nil {
		return nil, 0, err
	}

	proofsRestored := cashu.Proofs{}
	var counter, lastUsed uint32
	emptyBatches := 0

	// an error mid-batch must not leave the current blinding factors
	// live in memory
	var rs []*secp256k1.PrivateKey
	defer func() { zeroBlindingFactors(rs) }()

	for emptyBatches < 3 {
		blindedMessages := make(cashu.BlindedMessages, restoreBatchSize)
		rs = make([]*secp256k1.PrivateKey, restoreBatchSize)
		secrets := make([]string, restoreBatchSize)

		for i := 0; i < restoreBatchSize; i++ {
			secret, r, err := generateDeterministicSecret(keysetPath, counter)
			if err != nil {
				return nil, 0, err
			}
			B_, r, err := crypto.BlindMessage(secret, r)
			if err != nil {
				return nil, 0, err
			}

			B_str := hex.EncodeToString(B_.SerializeCompressed())
			blindedMessages[i] = cashu.BlindedMessage{B_: B_str, Id: keysetId}
			rs[i] = r
			secrets[i] = secret
			counter++
		}

		restoreResponse, err := PostRestore(mint, nut09.PostRestoreRequest{Outputs: blindedMessages})
		if err != nil {
			return nil, 0, fmt.Errorf("error restoring signatures from mint '%v': %v", mint, err)
		}

		if len(restoreResponse.Signatures) == 0 {
			zeroBlindingFactors(rs)
			emptyBatches++
			continue
		}
		emptyBatches = 0
		lastUsed = counter

		// the mint only returns signatures for outputs it has seen;
		// match them back to their secrets through the echoed outputs
		bySecret := make(map[string]int, restoreBatchSize)
		for i, bm := range blindedMessages {
			bySecret[bm.B_] = i
		}

		Ys := make([]string, len(restoreResponse.Signatures))
		proofs := make(map[string]cashu.Proof, len(restoreResponse.Signatures))

		for i, signature := range restoreResponse.Signatures {
			idx, ok := bySecret[restoreResponse.Outputs[i].B_]
			if !ok {
				return nil, 0, errors.New("mint returned a signature for an unknown output")
			}

			pubkey, ok := keysetKeys[signature.Amount]
			if !ok {
				return nil, 0, errors.New("key not found")
			}

			C_bytes, err := hex.DecodeString(signature.C_)
			if err != nil {
				return nil, 0, err
			}
			C_, err := secp256k1.ParsePubKey(C_bytes)
			if err != nil {
				return nil, 0, err
			}
			C := crypto.UnblindSignature(C_, rs[idx], pubkey)

			Y, err := crypto.HashToCurve([]byte(secrets[idx]))
			if err != nil {
				return nil, 0, err
			}
			Yhex := hex.EncodeToString(Y.SerializeCompressed())
			Ys[i] = Yhex

			proofs[Yhex] = cashu.Proof{
				Amount: signature.Amount,
				Secret: secrets[idx],
				C:      hex.EncodeToString(C.SerializeCompressed()),
				Id:     signature.Id,
			}
		}

		proofStateResponse, err := PostCheckProofState(mint, nut07.PostCheckStateRequest{Ys: Ys})
		if err != nil {
			return nil, 0, err
		}

		for _, proofState := range proofStateResponse.States {
			if proofState.State == nut07.Unspent {
				proofsRestored = append(proofsRestored, proofs[proofState.Y])
			}
		}
		zeroBlindingFactors(rs)
	}

	return proofsRestored, lastUsed, nil
}
