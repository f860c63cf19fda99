package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	anysender "github.com/anydotcrypto/cyberdice"
)

// HashMessage returns the EIP-191 personal message hash of msg:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func HashMessage(msg []byte) []byte {
	return accounts.TextHash(msg)
}

// SignMessage signs the EIP-191 hash of msg with signer
func SignMessage(ctx context.Context, signer anysender.Signer, msg []byte) ([]byte, error) {
	sig, err := signer.SignDigest(ctx, HashMessage(msg))
	if err != nil {
		return nil, err
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	return sig, nil
}

// RecoverMessageSigner recovers the address that produced sig over the EIP-191 hash of msg.
// Both V encodings (0/1 and 27/28) are accepted.
func RecoverMessageSigner(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(sig))
	}

	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(msg), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyMessage reports whether sig over msg was produced by expected
func VerifyMessage(msg []byte, sig []byte, expected common.Address) (bool, error) {
	recovered, err := RecoverMessageSigner(msg, sig)
	if err != nil {
		return false, err
	}
	return recovered == expected, nil
}
