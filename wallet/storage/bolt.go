package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/satchel-cash/satchel/cashu"
	"github.com/satchel-cash/satchel/crypto"
)

const (
	keysetsBucket    = "keysets"
	proofsBucket     = "proofs"
	mintQuotesBucket = "mint_quotes"
	meltQuotesBucket = "melt_quotes"
	seedBucket       = "seed"

	mnemonicKey = "mnemonic"
	seedKey     = "seed"
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600,
		&bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) initWalletBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buckets := []string{keysetsBucket, proofsBucket, mintQuotesBucket, meltQuotesBucket, seedBucket}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) SaveMnemonicSeed(mnemonic string, seed []byte) {
	db.bolt.Update(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		seedb.Put([]byte(seedKey), seed)
		seedb.Put([]byte(mnemonicKey), []byte(mnemonic))
		return nil
	})
}

func (db *BoltDB) GetMnemonic() string {
	var mnemonic string
	db.bolt.View(func(tx *bolt.Tx) error {
		mnemonic = string(tx.Bucket([]byte(seedBucket)).Get([]byte(mnemonicKey)))
		return nil
	})
	return mnemonic
}

func (db *BoltDB) GetSeed() []byte {
	var seed []byte
	db.bolt.View(func(tx *bolt.Tx) error {
		// the slice bolt returns is only valid inside the transaction
		if v := tx.Bucket([]byte(seedBucket)).Get([]byte(seedKey)); v != nil {
			seed = append([]byte(nil), v...)
		}
		return nil
	})
	return seed
}

func (db *BoltDB) SaveProofs(proofs cashu.Proofs) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, proof := range proofs {
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := proofsb.Put([]byte(proof.Secret), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetProofs() cashu.Proofs {
	proofs := cashu.Proofs{}

	db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))

		c := proofsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof cashu.Proof
			if err := json.Unmarshal(v, &proof); err != nil {
				return fmt.Errorf("error getting proofs: %v", err)
			}
			proofs = append(proofs, proof)
		}
		return nil
	})

	return proofs
}

func (db *BoltDB) DeleteProofs(proofs cashu.Proofs) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, proof := range proofs {
			if proofsb.Get([]byte(proof.Secret)) == nil {
				return fmt.Errorf("proof with secret '%v' not in db", proof.Secret)
			}
		}
		for _, proof := range proofs {
			if err := proofsb.Delete([]byte(proof.Secret)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	jsonKeyset, err := json.Marshal(keyset)
	if err != nil {
		return fmt.Errorf("invalid keyset: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		mintBucket, err := keysetsb.CreateBucketIfNotExists([]byte(keyset.MintURL))
		if err != nil {
			return err
		}
		return mintBucket.Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetKeysets() crypto.KeysetsMap {
	keysets := make(crypto.KeysetsMap)

	db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))

		return keysetsb.ForEachBucket(func(mintURL []byte) error {
			mintKeysets := make(map[string]crypto.WalletKeyset)
			mintBucket := keysetsb.Bucket(mintURL)
			c := mintBucket.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var keyset crypto.WalletKeyset
				if err := json.Unmarshal(v, &keyset); err != nil {
					return err
				}
				mintKeysets[string(k)] = keyset
			}
			keysets[string(mintURL)] = mintKeysets
			return nil
		})
	})

	return keysets
}

func (db *BoltDB) IncrementKeysetCounter(keysetId string, num uint32) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		return keysetsb.ForEachBucket(func(mintURL []byte) error {
			mintBucket := keysetsb.Bucket(mintURL)
			keysetBytes := mintBucket.Get([]byte(keysetId))
			if keysetBytes == nil {
				return nil
			}

			var keyset crypto.WalletKeyset
			if err := json.Unmarshal(keysetBytes, &keyset); err != nil {
				return fmt.Errorf("error incrementing counter: %v", err)
			}
			keyset.Counter += num
			jsonBytes, err := json.Marshal(&keyset)
			if err != nil {
				return fmt.Errorf("error incrementing counter: %v", err)
			}
			return mintBucket.Put([]byte(keysetId), jsonBytes)
		})
	})
}

func (db *BoltDB) GetKeysetCounter(keysetId string) uint32 {
	var counter uint32
	db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		return keysetsb.ForEachBucket(func(mintURL []byte) error {
			keysetBytes := keysetsb.Bucket(mintURL).Get([]byte(keysetId))
			if keysetBytes == nil {
				return nil
			}

			var keyset crypto.WalletKeyset
			if err := json.Unmarshal(keysetBytes, &keyset); err != nil {
				return err
			}
			counter = keyset.Counter
			return nil
		})
	})
	return counter
}

func (db *BoltDB) SaveMintQuote(quote cashu.MintQuote) error {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid mint quote: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(mintQuotesBucket))
		return quotesb.Put([]byte(quote.Id), jsonQuote)
	})
}

func (db *BoltDB) GetMintQuotes() []cashu.MintQuote {
	quotes := []cashu.MintQuote{}

	db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(mintQuotesBucket))
		c := quotesb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var quote cashu.MintQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				return err
			}
			quotes = append(quotes, quote)
		}
		return nil
	})

	return quotes
}

func (db *BoltDB) SaveMeltQuote(quote cashu.MeltQuote) error {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid melt quote: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(meltQuotesBucket))
		return quotesb.Put([]byte(quote.Id), jsonQuote)
	})
}

func (db *BoltDB) GetMeltQuotes() []cashu.MeltQuote {
	quotes := []cashu.MeltQuote{}

	db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(meltQuotesBucket))
		c := quotesb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var quote cashu.MeltQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				return err
			}
			quotes = append(quotes, quote)
		}
		return nil
	})

	return quotes
}

