// Package attest binds an image digest to the wallet that submitted it.
package attest

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

const commitmentDomain = "PROOFPIPE_IMAGE_V1"

var (
	ErrInvalidDigest    = errors.New("attest: invalid digest")
	ErrInvalidPublicKey = errors.New("attest: invalid public key")
	ErrInvalidSignature = errors.New("attest: invalid signature")
	ErrSignerMismatch   = errors.New("attest: signature does not match public key")
)

// Commitment is keccak256(domain || sha256(image)). It is what the wallet
// signs and what the proof service attests to.
func Commitment(digest [32]byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(commitmentDomain))
	_, _ = h.Write(digest[:])
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// CommitmentHex parses a hex sha256 digest (optionally 0x-prefixed) and returns its commitment.
func CommitmentHex(sha256Hex string) (common.Hash, error) {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(sha256Hex)), "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidDigest, sha256Hex)
	}
	return Commitment([32]byte(b)), nil
}

// Sign returns a 65-byte r || s || v signature with v in {27,28}.
func Sign(key *ecdsa.PrivateKey, commitment common.Hash) ([]byte, error) {
	if key == nil {
		return nil, errors.New("attest: nil private key")
	}
	sig, err := crypto.Sign(commitment[:], key)
	if err != nil {
		return nil, fmt.Errorf("attest: sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// ParsePublicKey accepts a compressed (33 byte) or uncompressed (65 byte) secp256k1 key in hex.
func ParsePublicKey(pubHex string) (*ecdsa.PublicKey, error) {
	b, err := decodeHex(pubHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	var pub *ecdsa.PublicKey
	switch len(b) {
	case 33:
		pub, err = crypto.DecompressPubkey(b)
	case 65:
		pub, err = crypto.UnmarshalPubkey(b)
	default:
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(b))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// Recover returns the key that produced sig over commitment.
// sig must be 65 bytes with v in {0,1,27,28}.
func Recover(commitment common.Hash, sig []byte) (*ecdsa.PublicKey, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	s := make([]byte, 65)
	copy(s, sig)
	switch s[64] {
	case 0, 1:
	case 27, 28:
		s[64] -= 27
	default:
		return nil, fmt.Errorf("%w: bad v %d", ErrInvalidSignature, s[64])
	}
	pub, err := crypto.SigToPub(commitment[:], s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return pub, nil
}

// Verify checks that signatureHex is publicKeyHex's signature over commitment.
func Verify(commitment common.Hash, publicKeyHex, signatureHex string) error {
	want, err := ParsePublicKey(publicKeyHex)
	if err != nil {
		return err
	}
	sig, err := decodeHex(signatureHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	got, err := Recover(commitment, sig)
	if err != nil {
		return err
	}
	if crypto.PubkeyToAddress(*got) != crypto.PubkeyToAddress(*want) {
		return ErrSignerMismatch
	}
	return nil
}

// WalletAddress is the checksummed address derived from a public key.
func WalletAddress(publicKeyHex string) (string, error) {
	pub, err := ParsePublicKey(publicKeyHex)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, errors.New("empty hex")
	}
	return hex.DecodeString(s)
}
