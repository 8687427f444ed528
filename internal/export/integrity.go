package export

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/yourorg/protocol-metrics/internal/model"
)

// ErrDigestMismatch is returned when a payload's records do not hash to its digest
var ErrDigestMismatch = errors.New("payload digest mismatch")

// Payload is the body posted to the webhook. Digest is keccak256 over the JSON encoding of
// Records; Signature, when present, is a 65-byte secp256k1 signature of the digest.
type Payload struct {
	Records    []*model.DailyMetric `json:"records"`
	Count      int                  `json:"count"`
	ExportTime string               `json:"export_time"`
	Digest     string               `json:"digest"`
	Signature  string               `json:"signature,omitempty"`
	Signer     string               `json:"signer,omitempty"`
}

// Digest hashes the canonical JSON encoding of the records
func Digest(records []*model.DailyMetric) (common.Hash, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to marshal records: %w", err)
	}
	return crypto.Keccak256Hash(data), nil
}

// BuildPayload wraps records with their digest, signed when key is non-nil
func BuildPayload(records []*model.DailyMetric, key *ecdsa.PrivateKey) (*Payload, error) {
	digest, err := Digest(records)
	if err != nil {
		return nil, err
	}

	p := &Payload{
		Records:    records,
		Count:      len(records),
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Digest:     digest.Hex(),
	}

	if key != nil {
		sig, err := crypto.Sign(digest.Bytes(), key)
		if err != nil {
			return nil, fmt.Errorf("failed to sign payload: %w", err)
		}
		p.Signature = hexutil.Encode(sig)
		p.Signer = signerAddress(key).Hex()
	}
	return p, nil
}

// VerifyPayload checks the digest and, when signed, recovers the signer and compares it with
// the advertised one. It returns the recovered signer, or the zero address for unsigned payloads.
func VerifyPayload(p *Payload) (common.Address, error) {
	digest, err := Digest(p.Records)
	if err != nil {
		return common.Address{}, err
	}
	if digest.Hex() != p.Digest {
		return common.Address{}, ErrDigestMismatch
	}
	if p.Signature == "" {
		return common.Address{}, nil
	}

	sig, err := hexutil.Decode(p.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode signature: %w", err)
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}

	signer := crypto.PubkeyToAddress(*pub)
	if p.Signer != "" && common.HexToAddress(p.Signer) != signer {
		return signer, fmt.Errorf("signature is from %s, payload claims %s", signer.Hex(), p.Signer)
	}
	return signer, nil
}

// ParseSigningKey decodes a hex secp256k1 private key; an empty string yields nil
func ParseSigningKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(trimHexPrefix(hexKey))
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return key, nil
}

func signerAddress(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
