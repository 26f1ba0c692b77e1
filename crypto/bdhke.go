// Package crypto implements the blind Diffie-Hellman key exchange
// scheme used by Cashu and the DLEQ proofs that accompany it.
// See https://github.com/cashubtc/nuts/blob/main/00.md
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// domain separator for the hash-to-curve mapping as defined in NUT-00
var hashToCurveDomainSeparator = []byte("Secp256k1_HashToCurve_Cashu_")

var ErrNoValidPoint = errors.New("no valid point found")

// HashToCurve deterministically maps a message to a point on the curve.
// It hashes sha256(domainSeparator || message) concatenated with an
// incrementing 4-byte little-endian counter until the result is the
// x coordinate of a valid even-parity point.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgToHash := sha256.Sum256(append(hashToCurveDomainSeparator, message...))

	counterBytes := make([]byte, 4)
	bytesToHash := make([]byte, 0, 36)
	for counter := uint32(0); counter < 1<<16; counter++ {
		binary.LittleEndian.PutUint32(counterBytes, counter)
		bytesToHash = append(bytesToHash[:0], msgToHash[:]...)
		bytesToHash = append(bytesToHash, counterBytes...)
		hash := sha256.Sum256(bytesToHash)

		point, err := secp256k1.ParsePubKey(append([]byte{0x02}, hash[:]...))
		if err == nil {
			return point, nil
		}
	}
	return nil, ErrNoValidPoint
}

// B_ = Y + rG
func BlindMessage(secret string, r *secp256k1.PrivateKey) (
	*secp256k1.PublicKey, *secp256k1.PrivateKey, error) {

	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint

	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return nil, nil, err
	}
	Y.AsJacobian(&ypoint)
	r.PubKey().AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r, nil
}

// C_ = kB_
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	C_ := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C_
}

// C = C_ - rK
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey) *secp256k1.PublicKey {

	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	C := secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
	return C
}

// k * HashToCurve(secret) == C
func Verify(secret string, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	var Ypoint, result secp256k1.JacobianPoint
	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return false
	}
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}

// HashE computes the challenge hash for the DLEQ proof as defined
// in NUT-12: sha256 over the concatenated hex of the uncompressed
// serializations of the public keys.
func HashE(publicKeys []*secp256k1.PublicKey) [32]byte {
	concat := ""
	for _, pk := range publicKeys {
		concat += hex.EncodeToString(pk.SerializeUncompressed())
	}
	return sha256.Sum256([]byte(concat))
}

// GenerateDLEQ creates the proof that the same key k that serves
// as the public key A = kG was used to sign the blinded message:
// C_ = kB_. Produced by a mint alongside each blind signature.
func GenerateDLEQ(k *secp256k1.PrivateKey, B_, C_ *secp256k1.PublicKey) (
	e *secp256k1.PrivateKey, s *secp256k1.PrivateKey, err error) {

	nonce, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}

	R1 := nonce.PubKey()             // R1 = nonce*G
	R2 := SignBlindedMessage(B_, nonce) // R2 = nonce*B_

	eHash := HashE([]*secp256k1.PublicKey{R1, R2, k.PubKey(), C_})
	e = secp256k1.PrivKeyFromBytes(eHash[:])

	// s = nonce + e*k
	var sScalar secp256k1.ModNScalar
	sScalar.Mul2(&e.Key, &k.Key).Add(&nonce.Key)
	s = secp256k1.NewPrivateKey(&sScalar)

	nonce.Zero()
	return e, s, nil
}

// VerifyDLEQ checks the two verification equations
//
//	R1 = s*G - e*A
//	R2 = s*B_ - e*C_
//
// and that e matches the challenge hash over (R1, R2, A, C_).
func VerifyDLEQ(e, s *secp256k1.PrivateKey,
	A, B_, C_ *secp256k1.PublicKey) bool {

	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(&e.Key)

	// R1 = s*G - e*A
	var APoint, eAPoint, sGPoint, R1Point secp256k1.JacobianPoint
	A.AsJacobian(&APoint)
	secp256k1.ScalarMultNonConst(&eNeg, &APoint, &eAPoint)
	secp256k1.ScalarBaseMultNonConst(&s.Key, &sGPoint)
	secp256k1.AddNonConst(&sGPoint, &eAPoint, &R1Point)
	R1Point.ToAffine()
	R1 := secp256k1.NewPublicKey(&R1Point.X, &R1Point.Y)

	// R2 = s*B_ - e*C_
	var BPoint, CPoint, eCPoint, sBPoint, R2Point secp256k1.JacobianPoint
	B_.AsJacobian(&BPoint)
	C_.AsJacobian(&CPoint)
	secp256k1.ScalarMultNonConst(&eNeg, &CPoint, &eCPoint)
	secp256k1.ScalarMultNonConst(&s.Key, &BPoint, &sBPoint)
	secp256k1.AddNonConst(&sBPoint, &eCPoint, &R2Point)
	R2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	hash := HashE([]*secp256k1.PublicKey{R1, R2, A, C_})
	var hashScalar secp256k1.ModNScalar
	hashScalar.SetByteSlice(hash[:])

	return e.Key.Equals(&hashScalar)
}
