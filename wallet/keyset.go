package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/satchel-cash/satchel/cashu"
	"github.com/satchel-cash/satchel/cashu/nuts/nut02"
	"github.com/satchel-cash/satchel/crypto"
)

// GetMintActiveKeyset gets the active keyset with the specified unit
// and verifies that the keyset id derived from the keys matches the
// id announced by the mint.
func GetMintActiveKeyset(mintURL string, unit cashu.Unit) (*crypto.WalletKeyset, error) {
	keysets, err := GetAllKeysets(mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting active keysets from mint: %v", err)
	}

	keysetsResponse, err := GetActiveKeysets(mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting active keysets from mint: %v", err)
	}

	for i, keyset := range keysetsResponse.Keysets {
		if keyset.Unit == unit.String() {
			var inputFeePpk uint
			for _, response := range keysets.Keysets {
				if response.Id == keyset.Id {
					inputFeePpk = response.InputFeePpk
					break
				}
			}

			_, err := hex.DecodeString(keyset.Id)
			if keyset.Unit == cashu.Sat.String() && err == nil {
				keys, err := crypto.MapPubKeys(keysetsResponse.Keysets[i].Keys)
				if err != nil {
					return nil, err
				}
				id := crypto.DeriveKeysetId(keys)
				if id != keyset.Id {
					return nil, fmt.Errorf("got invalid keyset. Derived id: '%v' but got '%v' from mint", id, keyset.Id)
				}

				return &crypto.WalletKeyset{
					Id:          id,
					MintURL:     mintURL,
					Unit:        keyset.Unit,
					Active:      true,
					PublicKeys:  keys,
					InputFeePpk: inputFeePpk,
				}, nil
			}
		}
	}

	return nil, errors.New("could not find an active keyset for the unit")
}

func GetMintInactiveKeysets(mintURL string) (map[string]crypto.WalletKeyset, error) {
	keysetsResponse, err := GetAllKeysets(mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %v", err)
	}

	inactiveKeysets := make(map[string]crypto.WalletKeyset)
	for _, keysetRes := range keysetsResponse.Keysets {
		_, err := hex.DecodeString(keysetRes.Id)
		if !keysetRes.Active && keysetRes.Unit == cashu.Sat.String() && err == nil {
			keyset := crypto.WalletKeyset{
				Id:          keysetRes.Id,
				MintURL:     mintURL,
				Unit:        keysetRes.Unit,
				Active:      keysetRes.Active,
				InputFeePpk: keysetRes.InputFeePpk,
			}
			inactiveKeysets[keyset.Id] = keyset
		}
	}
	return inactiveKeysets, nil
}

// addKeyset caches a keyset. A keyset id commits to its keys, so a
// cached keyset whose data disagrees with a new announcement under
// the same id means the mint is lying about one of them.
func (w *Wallet) addKeyset(keyset crypto.WalletKeyset) error {
	cached, ok := w.keysets[keyset.Id]
	if !ok {
		w.keysets[keyset.Id] = keyset
		return w.db.SaveKeyset(&keyset)
	}

	if len(cached.PublicKeys) > 0 && len(keyset.PublicKeys) > 0 {
		if len(cached.PublicKeys) != len(keyset.PublicKeys) {
			return fmt.Errorf("mint announced different keys for keyset '%v'", keyset.Id)
		}
		for amount, key := range keyset.PublicKeys {
			cachedKey, ok := cached.PublicKeys[amount]
			if !ok || !cachedKey.IsEqual(key) {
				return fmt.Errorf("mint announced different keys for keyset '%v'", keyset.Id)
			}
		}
	}

	changed := false
	if cached.Active != keyset.Active {
		cached.Active = keyset.Active
		changed = true
	}
	if cached.InputFeePpk != keyset.InputFeePpk {
		cached.InputFeePpk = keyset.InputFeePpk
		changed = true
	}
	if len(cached.PublicKeys) == 0 && len(keyset.PublicKeys) > 0 {
		cached.PublicKeys = keyset.PublicKeys
		changed = true
	}
	if changed {
		w.keysets[keyset.Id] = cached
		return w.db.SaveKeyset(&cached)
	}

	return nil
}

// activeKeyset returns the keyset the wallet should request new
// signatures from. If the mint rotated keysets since the last call,
// the previous active is inactivated and the new one cached.
func (w *Wallet) activeKeyset() (*crypto.WalletKeyset, error) {
	allKeysets, err := GetAllKeysets(w.mintURL)
	if err != nil {
		return nil, err
	}

	for id, keyset := range w.keysets {
		if !keyset.Active {
			continue
		}
		stillActive := false
		for _, announced := range allKeysets.Keysets {
			if announced.Id == id && announced.Active {
				stillActive = true
				break
			}
		}
		if !stillActive {
			keyset.Active = false
			w.keysets[id] = keyset
			if err := w.db.SaveKeyset(&keyset); err != nil {
				return nil, err
			}
		}
	}

	for id, keyset := range w.keysets {
		if keyset.Active && keyset.Unit == w.unit.String() {
			ks := w.keysets[id]
			return &ks, nil
		}
	}

	activeKeyset, err := GetMintActiveKeyset(w.mintURL, w.unit)
	if err != nil {
		return nil, err
	}
	if err := w.addKeyset(*activeKeyset); err != nil {
		return nil, err
	}

	return activeKeyset, nil
}

// keysetById resolves a keyset id to its keys and fee. Unknown ids
// trigger a single fetch from the mint; an id the mint does not know
// either is a hard error.
func (w *Wallet) keysetById(id string) (*crypto.WalletKeyset, error) {
	if keyset, ok := w.keysets[id]; ok && len(keyset.PublicKeys) > 0 {
		return &keyset, nil
	}

	allKeysets, err := GetAllKeysets(w.mintURL)
	if err != nil {
		return nil, err
	}
	var announced *nut02.Keyset
	for i, announcedKeyset := range allKeysets.Keysets {
		if announcedKeyset.Id == id {
			announced = &allKeysets.Keysets[i]
			break
		}
	}
	if announced == nil || announced.Unit != w.unit.String() {
		return nil, cashu.ErrKeysetUnknown
	}

	keys, err := getKeysetKeys(w.mintURL, id)
	if err != nil || len(keys) == 0 {
		return nil, cashu.ErrKeysetUnknown
	}
	if derived := crypto.DeriveKeysetId(keys); derived != id {
		return nil, fmt.Errorf("got invalid keyset. Derived id: '%v' but got '%v' from mint", derived, id)
	}

	keyset := crypto.WalletKeyset{
		Id:          id,
		MintURL:     w.mintURL,
		Unit:        announced.Unit,
		Active:      announced.Active,
		PublicKeys:  keys,
		InputFeePpk: announced.InputFeePpk,
	}
	if err := w.addKeyset(keyset); err != nil {
		return nil, err
	}

	cached := w.keysets[id]
	return &cached, nil
}

func getKeysetKeys(mintURL, id string) (map[uint64]*secp256k1.PublicKey, error) {
	keysetsResponse, err := GetKeysetById(mintURL, id)
	if err != nil {
		return nil, fmt.Errorf("error getting keyset from mint: %v", err)
	}

	var keys map[uint64]*secp256k1.PublicKey
	if len(keysetsResponse.Keysets) > 0 && keysetsResponse.Keysets[0].Unit == cashu.Sat.String() {
		var err error
		keys, err = crypto.MapPubKeys(keysetsResponse.Keysets[0].Keys)
		if err != nil {
			return nil, err
		}
	}

	return keys, nil
}
