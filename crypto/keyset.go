package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const maxOrder = 64

// KeysetsMap maps a mint url to map of string keyset id to keyset
type KeysetsMap map[string]map[string]WalletKeyset

// MintKeyset holds the private keys of a mint, one per power-of-two
// amount. The wallet never sees one of these; it is used by test
// doubles that play the mint role.
type MintKeyset struct {
	Id          string
	Unit        string
	Active      bool
	PrivateKeys map[uint64]*secp256k1.PrivateKey
	InputFeePpk uint
}

// WalletKeyset is the wallet-side view of a mint keyset: the public
// key per amount, the unit and the fee charged per input proof.
type WalletKeyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]*secp256k1.PublicKey
	InputFeePpk uint
	Counter     uint32
}

func GenerateMintKeyset(seed, derivationPath string, inputFeePpk uint) *MintKeyset {
	privateKeys := make(map[uint64]*secp256k1.PrivateKey, maxOrder)

	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		hash := sha256.Sum256([]byte(seed + derivationPath + strconv.FormatUint(amount, 10)))
		privKey, _ := btcec.PrivKeyFromBytes(hash[:])
		privateKeys[amount] = privKey
	}
	return &MintKeyset{
		Id:          DeriveKeysetId(derivePublic(privateKeys)),
		Unit:        "sat",
		Active:      true,
		PrivateKeys: privateKeys,
		InputFeePpk: inputFeePpk,
	}
}

func (ks *MintKeyset) PublicKeys() map[uint64]*secp256k1.PublicKey {
	return derivePublic(ks.PrivateKeys)
}

func derivePublic(privateKeys map[uint64]*secp256k1.PrivateKey) map[uint64]*secp256k1.PublicKey {
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(privateKeys))
	for amount, key := range privateKeys {
		publicKeys[amount] = key.PubKey()
	}
	return publicKeys
}

// DeriveKeysetId returns the version-00 keyset id: "00" followed by
// the first 14 hex chars of the sha256 over the compressed public
// keys concatenated in ascending amount order. The id commits to the
// full amount-to-key map, so a key rotation always produces a new id.
func DeriveKeysetId(keyset map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, len(keyset))
	i := 0
	for amount := range keyset {
		amounts[i] = amount
		i++
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })

	pubkeys := make([]byte, 0, len(amounts)*33)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keyset[amount].SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}

// MapPubKeys parses the hex-encoded amount to public key map
// returned by a mint.
func MapPubKeys(keys map[uint64]string) (map[uint64]*secp256k1.PublicKey, error) {
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		pkbytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, err
		}
		pubkey, err := secp256k1.ParsePubKey(pkbytes)
		if err != nil {
			return nil, err
		}
		publicKeys[amount] = pubkey
	}
	return publicKeys, nil
}

type walletKeysetTemp struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]string
	InputFeePpk uint
	Counter     uint32
}

func (wk *WalletKeyset) MarshalJSON() ([]byte, error) {
	keys := make(map[uint64]string, len(wk.PublicKeys))
	for amount, pubkey := range wk.PublicKeys {
		keys[amount] = hex.EncodeToString(pubkey.SerializeCompressed())
	}
	return json.Marshal(walletKeysetTemp{
		Id:          wk.Id,
		MintURL:     wk.MintURL,
		Unit:        wk.Unit,
		Active:      wk.Active,
		PublicKeys:  keys,
		InputFeePpk: wk.InputFeePpk,
		Counter:     wk.Counter,
	})
}

func (wk *WalletKeyset) UnmarshalJSON(data []byte) error {
	var temp walletKeysetTemp
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	keys, err := MapPubKeys(temp.PublicKeys)
	if err != nil {
		return err
	}

	wk.Id = temp.Id
	wk.MintURL = temp.MintURL
	wk.Unit = temp.Unit
	wk.Active = temp.Active
	wk.PublicKeys = keys
	wk.InputFeePpk = temp.InputFeePpk
	wk.Counter = temp.Counter

	return nil
}
