package cashu

import (
	"encoding/hex"
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestDecodeTokenV4(t *testing.T) {
	keysetIdBytes, _ := hex.DecodeString("00ad268c4d1f5826")
	Cbytes, _ := hex.DecodeString("038618543ffb6b8695df4ad4babcde92a34a96bdcd97dcee0d7ccf98d472126792")
	keysetId2Bytes, _ := hex.DecodeString("00ffd48b8f5ecf80")
	C2Bytes, _ := hex.DecodeString("0244538319de485d55bed3b29a642bee5879375ab9e7a620e11e48ba482421f3cf")
	C3Bytes, _ := hex.DecodeString("023456aa110d84b4ac747aebd82c3b005aca50bf457ebd5737a4414fac3ae7d94d")
	C4Bytes, _ := hex.DecodeString("0273129c5719e599379a974a626363c333c56cafc0e6d01abe46d5808280789c63")

	tests := []struct {
		tokenString string
		expected    TokenV4
	}{
		{
			tokenString: "cashuBpGF0gaJhaUgArSaMTR9YJmFwgaNhYQFhc3hAOWE2ZGJiODQ3YmQyMzJiYTc2ZGIwZGYxOTcyMTZiMjlkM2I4Y2MxNDU1M2NkMjc4MjdmYzFjYzk0MmZlZGI0ZWFjWCEDhhhUP_trhpXfStS6vN6So0qWvc2X3O4NfM-Y1HISZ5JhZGlUaGFuayB5b3VhbXVodHRwOi8vbG9jYWxob3N0OjMzMzhhdWNzYXQ=",
			expected: TokenV4{
				MintURL: "http://localhost:3338",
				TokenProofs: []TokenV4Proof{
					{
						Id: keysetIdBytes,
						Proofs: []ProofV4{
							{
								Amount: 1,
								Secret: "9a6dbb847bd232ba76db0df197216b29d3b8cc14553cd27827fc1cc942fedb4e",
								C:      Cbytes,
							},
						},
					},
				},
				Unit: "sat",
				Memo: "Thank you",
			},
		},
		{
			tokenString: "cashuBo2F0gqJhaUgA_9SLj17PgGFwgaNhYQFhc3hAYWNjMTI0MzVlN2I4NDg0YzNjZjE4NTAxNDkyMThhZjkwZjcxNmE1MmJmNGE1ZWQzNDdlNDhlY2MxM2Y3NzM4OGFjWCECRFODGd5IXVW-07KaZCvuWHk3WrnnpiDhHki6SCQh88-iYWlIAK0mjE0fWCZhcIKjYWECYXN4QDEzMjNkM2Q0NzA3YTU4YWQyZTIzYWRhNGU5ZjFmNDlmNWE1YjRhYzdiNzA4ZWIwZDYxZjczOGY0ODMwN2U4ZWVhY1ghAjRWqhENhLSsdHrr2Cw7AFrKUL9Ffr1XN6RBT6w659lNo2FhAWFzeEA1NmJjYmNiYjdjYzY0MDZiM2ZhNWQ1N2QyMTc0ZjRlZmY4YjQ0MDJiMTc2OTI2ZDNhNTdkM2MzZGNiYjU5ZDU3YWNYIQJzEpxXGeWZN5qXSmJjY8MzxWyvwObQGr5G1YCCgHicY2FtdWh0dHA6Ly9sb2NhbGhvc3Q6MzMzOGF1Y3NhdA",
			expected: TokenV4{
				MintURL: "http://localhost:3338",
				TokenProofs: []TokenV4Proof{
					{
						Id: keysetId2Bytes,
						Proofs: []ProofV4{
							{
								Amount: 1,
								Secret: "acc12435e7b8484c3cf1850149218af90f716a52bf4a5ed347e48ecc13f77388",
								C:      C2Bytes,
							},
						},
					},
					{
						Id: keysetIdBytes,
						Proofs: []ProofV4{
							{
								Amount: 2,
								Secret: "1323d3d4707a58ad2e23ada4e9f1f49f5a5b4ac7b708eb0d61f738f48307e8ee",
								C:      C3Bytes,
							},
							{
								Amount: 1,
								Secret: "56bcbcbb7cc6406b3fa5d57d2174f4eff8b4402b176926d3a57d3c3dcbb59d57",
								C:      C4Bytes,
							},
						},
					},
				},
				Unit: "sat",
			},
		},
	}

	for _, test := range tests {
		token, err := DecodeTokenV4(test.tokenString)
		if err != nil {
			t.Fatalf("DecodeTokenV4: %v", err)
		}

		if token.Unit != test.expected.Unit {
			t.Errorf("expected '%v' but got '%v' instead", test.expected.Unit, token.Unit)
		}

		if token.Memo != test.expected.Memo {
			t.Errorf("expected '%v' but got '%v' instead", test.expected.Memo, token.Memo)
		}

		if token.Mint() != test.expected.MintURL {
			t.Errorf("expected '%v' but got '%v' instead", test.expected.MintURL, token.Mint())
		}

		proofs := token.Proofs()
		expectedProofs := test.expected.Proofs()
		if !reflect.DeepEqual(proofs, expectedProofs) {
			t.Errorf("expected proofs '%v' but got '%v' instead", expectedProofs, proofs)
		}
	}
}

func TestSerializeTokenV4(t *testing.T) {
	keysetBytes, _ := hex.DecodeString("00ad268c4d1f5826")
	C, _ := hex.DecodeString("038618543ffb6b8695df4ad4babcde92a34a96bdcd97dcee0d7ccf98d472126792")

	keysetId2Bytes, _ := hex.DecodeString("00ffd48b8f5ecf80")
	C2Bytes, _ := hex.DecodeString("0244538319de485d55bed3b29a642bee5879375ab9e7a620e11e48ba482421f3cf")
	C3Bytes, _ := hex.DecodeString("023456aa110d84b4ac747aebd82c3b005aca50bf457ebd5737a4414fac3ae7d94d")
	C4Bytes, _ := hex.DecodeString("0273129c5719e599379a974a626363c333c56cafc0e6d01abe46d5808280789c63")

	tests := []struct {
		token    TokenV4
		expected string
	}{
		{
			token: TokenV4{
				TokenProofs: []TokenV4Proof{
					{
						Id: keysetBytes,
						Proofs: []ProofV4{
							{
								Amount: 1,
								Secret: "9a6dbb847bd232ba76db0df197216b29d3b8cc14553cd27827fc1cc942fedb4e",
								C:      C,
							},
						},
					},
				},
				Memo:    "Thank you",
				MintURL: "http://localhost:3338",
				Unit:    "sat",
			},
			expected: "cashuBpGF0gaJhaUgArSaMTR9YJmFwgaNhYQFhc3hAOWE2ZGJiODQ3YmQyMzJiYTc2ZGIwZGYxOTcyMTZiMjlkM2I4Y2MxNDU1M2NkMjc4MjdmYzFjYzk0MmZlZGI0ZWFjWCEDhhhUP_trhpXfStS6vN6So0qWvc2X3O4NfM-Y1HISZ5JhZGlUaGFuayB5b3VhbXVodHRwOi8vbG9jYWxob3N0OjMzMzhhdWNzYXQ",
		},
		{
			token: TokenV4{
				MintURL: "http://localhost:3338",
				Unit:    "sat",
				TokenProofs: []TokenV4Proof{
					{
						Id: keysetId2Bytes,
						Proofs: []ProofV4{
							{
								Amount: 1,
								Secret: "acc12435e7b8484c3cf1850149218af90f716a52bf4a5ed347e48ecc13f77388",
								C:      C2Bytes,
							},
						},
					},
					{
						Id: keysetBytes,
						Proofs: []ProofV4{
							{
								Amount: 2,
								Secret: "1323d3d4707a58ad2e23ada4e9f1f49f5a5b4ac7b708eb0d61f738f48307e8ee",
								C:      C3Bytes,
							},
							{
								Amount: 1,
								Secret: "56bcbcbb7cc6406b3fa5d57d2174f4eff8b4402b176926d3a57d3c3dcbb59d57",
								C:      C4Bytes,
							},
						},
					},
				},
			},
			expected: "cashuBo2F0gqJhaUgA_9SLj17PgGFwgaNhYQFhc3hAYWNjMTI0MzVlN2I4NDg0YzNjZjE4NTAxNDkyMThhZjkwZjcxNmE1MmJmNGE1ZWQzNDdlNDhlY2MxM2Y3NzM4OGFjWCECRFODGd5IXVW-07KaZCvuWHk3WrnnpiDhHki6SCQh88-iYWlIAK0mjE0fWCZhcIKjYWECYXN4QDEzMjNkM2Q0NzA3YTU4YWQyZTIzYWRhNGU5ZjFmNDlmNWE1YjRhYzdiNzA4ZWIwZDYxZjczOGY0ODMwN2U4ZWVhY1ghAjRWqhENhLSsdHrr2Cw7AFrKUL9Ffr1XN6RBT6w659lNo2FhAWFzeEA1NmJjYmNiYjdjYzY0MDZiM2ZhNWQ1N2QyMTc0ZjRlZmY4YjQ0MDJiMTc2OTI2ZDNhNTdkM2MzZGNiYjU5ZDU3YWNYIQJzEpxXGeWZN5qXSmJjY8MzxWyvwObQGr5G1YCCgHicY2FtdWh0dHA6Ly9sb2NhbGhvc3Q6MzMzOGF1Y3NhdA",
		},
	}

	for _, test := range tests {
		tokenString, err := test.token.Serialize()
		if err != nil {
			t.Fatal(err)
		}

		if tokenString != test.expected {
			t.Errorf("expected '%v'\n\n but got '%v' instead", test.expected, tokenString)
		}
	}
}

func TestDecodeTokenUnsupportedVersion(t *testing.T) {
	// V3 tokens are not accepted
	v3Token := "cashuAeyJ0b2tlbiI6W3sibWludCI6Imh0dHBzOi8vODMzMy5zcGFjZTozMzM4IiwicHJvb2ZzIjpbXX1dLCJ1bml0Ijoic2F0In0"

	if _, err := DecodeToken(v3Token); !errors.Is(err, ErrUnsupportedTokenVersion) {
		t.Errorf("expected '%v' but got '%v' instead", ErrUnsupportedTokenVersion, err)
	}

	if _, err := DecodeToken("notatoken"); err == nil {
		t.Error("expected error decoding garbage input")
	}
}

func TestTokenRoundTripWithDLEQ(t *testing.T) {
	proofs := Proofs{
		{
			Amount: 4,
			Id:     "00ad268c4d1f5826",
			Secret: "9a6dbb847bd232ba76db0df197216b29d3b8cc14553cd27827fc1cc942fedb4e",
			C:      "038618543ffb6b8695df4ad4babcde92a34a96bdcd97dcee0d7ccf98d472126792",
			DLEQ: &DLEQProof{
				E: "5f9bfd12f7ff6e72fc43c3dd7137daa5a1b25071b2ebb522d4e09a13742fb0c5",
				S: "a196857c0b1e92c0b026018eb3960a21b483b2eed24b00a00e573282e707f1d3",
				R: "cd028a1eda88a57e2c9b172e2e9b0c55a5aeb75e31f3e1799ee5e20ba2e06b26",
			},
		},
	}

	token, err := NewTokenV4(proofs, "http://localhost:3338", Sat, true)
	if err != nil {
		t.Fatalf("NewTokenV4: %v", err)
	}

	serialized, err := token.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	decoded, err := DecodeToken(serialized)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}

	if !reflect.DeepEqual(decoded.Proofs(), proofs) {
		t.Errorf("expected proofs '%v' but got '%v' instead", proofs, decoded.Proofs())
	}
	if decoded.Amount() != 4 {
		t.Errorf("expected amount 4 but got '%v' instead", decoded.Amount())
	}
}

func TestTokenRoundTripRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	randomHex := func(n int) string {
		b := make([]byte, n)
		rng.Read(b)
		return hex.EncodeToString(b)
	}

	for i := 0; i < 25; i++ {
		keysetIds := make([]string, 1+rng.Intn(5))
		for j := range keysetIds {
			keysetIds[j] = randomHex(8)
		}

		proofs := make(Proofs, 1+rng.Intn(50))
		var total uint64
		for j := range proofs {
			amount := uint64(1) << rng.Intn(20)
			total += amount
			proofs[j] = Proof{
				Amount: amount,
				Id:     keysetIds[rng.Intn(len(keysetIds))],
				Secret: randomHex(32),
				C:      randomHex(33),
			}
		}

		token, err := NewTokenV4(proofs, "http://localhost:3338", Sat, false)
		if err != nil {
			t.Fatalf("NewTokenV4: %v", err)
		}
		serialized, err := token.Serialize()
		if err != nil {
			t.Fatalf("Serialize: %v", err)
		}
		decoded, err := DecodeToken(serialized)
		if err != nil {
			t.Fatalf("DecodeToken: %v", err)
		}

		if !reflect.DeepEqual(decoded.Proofs(), token.Proofs()) {
			t.Fatalf("decoded proofs differ for %v proofs over %v keysets",
				len(proofs), len(keysetIds))
		}
		if decoded.Amount() != total {
			t.Errorf("expected amount '%v' but got '%v' instead", total, decoded.Amount())
		}
	}
}

func TestAmountSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{amount: 13, expected: []uint64{1, 4, 8}},
		{amount: 64, expected: []uint64{64}},
		{amount: 255, expected: []uint64{1, 2, 4, 8, 16, 32, 64, 128}},
		{amount: 0, expected: []uint64{}},
	}

	for _, test := range tests {
		result := AmountSplit(test.amount)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("expected '%v' but got '%v' instead", test.expected, result)
		}
	}
}

func TestCheckDuplicateProofs(t *testing.T) {
	proofs := Proofs{
		{Amount: 1, Id: "00ad268c4d1f5826", Secret: "secret-1", C: "C1"},
		{Amount: 2, Id: "00ad268c4d1f5826", Secret: "secret-2", C: "C2"},
	}
	if CheckDuplicateProofs(proofs) {
		t.Error("expected no duplicates")
	}

	proofs = append(proofs, proofs[0])
	if !CheckDuplicateProofs(proofs) {
		t.Error("expected duplicate proofs to be detected")
	}
}

func TestSortBlindedMessages(t *testing.T) {
	var blindedMessages BlindedMessages
	var secrets []string
	var rs []*secp256k1.PrivateKey

	amounts := []uint64{32, 1, 8, 2}
	for i, amount := range amounts {
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		secret := string(rune('a' + i))
		blindedMessages = append(blindedMessages, BlindedMessage{Amount: amount, Id: "00ad268c4d1f5826", B_: "B_" + secret})
		secrets = append(secrets, secret)
		rs = append(rs, r)
	}

	SortBlindedMessages(blindedMessages, secrets, rs)

	expectedAmounts := []uint64{1, 2, 8, 32}
	expectedSecrets := []string{"b", "d", "c", "a"}
	for i := range blindedMessages {
		if blindedMessages[i].Amount != expectedAmounts[i] {
			t.Errorf("expected amount '%v' but got '%v' instead", expectedAmounts[i], blindedMessages[i].Amount)
		}
		if secrets[i] != expectedSecrets[i] {
			t.Errorf("expected secret '%v' but got '%v' instead", expectedSecrets[i], secrets[i])
		}
		if blindedMessages[i].B_ != "B_"+secrets[i] {
			t.Error("blinding factors not sorted alongside messages")
		}
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	secret, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	// 32 random bytes hex encoded
	if len(secret) != 64 {
		t.Errorf("expected secret of length 64 but got '%v' instead", len(secret))
	}
	if _, err := hex.DecodeString(secret); err != nil {
		t.Errorf("secret is not valid hex: %v", err)
	}

	secret2, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if secret == secret2 {
		t.Error("expected distinct secrets")
	}
}
