// Package identity holds a node's Ed25519 key pair and the signed proofs a
// node presents when asking to join a cluster.
package identity

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

var (
	// ErrInvalidProof is returned when a join proof fails verification.
	ErrInvalidProof = errors.New("invalid join proof")
	// ErrProofExpired is returned for proofs older than the accepted skew.
	ErrProofExpired = errors.New("join proof expired")
)

// MaxProofAge bounds how old (or how far in the future) a proof timestamp may be.
const MaxProofAge = 5 * time.Minute

// Identity is a node's signing key.
type Identity struct {
	priv libp2pcrypto.PrivKey
	pub  []byte
}

// Generate creates a fresh Ed25519 identity.
func Generate() (*Identity, error) {
	priv, _, err := libp2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return fromPrivate(priv)
}

// LoadOrGenerate reads a marshalled private key from path, or generates one
// and writes it there when the file does not exist. An empty path always
// generates an ephemeral key.
func LoadOrGenerate(path string) (*Identity, error) {
	if path == "" {
		return Generate()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		raw, err := libp2pcrypto.MarshalPrivateKey(id.priv)
		if err != nil {
			return nil, fmt.Errorf("marshal key: %w", err)
		}
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return nil, fmt.Errorf("write key: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	priv, err := libp2pcrypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal key: %w", err)
	}
	return fromPrivate(priv)
}

func fromPrivate(priv libp2pcrypto.PrivKey) (*Identity, error) {
	pub, err := libp2pcrypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// PublicKey returns the marshalled public key.
func (id *Identity) PublicKey() []byte {
	return append([]byte(nil), id.pub...)
}

// Sign signs data.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	return id.priv.Sign(data)
}

// JoinProof binds a node id and address to its public key at a point in time.
type JoinProof struct {
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
	Addr      string    `json:"addr"`
	PublicKey []byte    `json:"public_key"`
	Signature []byte    `json:"signature"`
}

func proofPayload(nodeID, addr string, ts time.Time) []byte {
	return []byte(nodeID + "|" + addr + "|" + strconv.FormatInt(ts.UnixNano(), 10))
}

// NewJoinProof signs the node's id and address.
func (id *Identity) NewJoinProof(nodeID, addr string, now time.Time) (JoinProof, error) {
	sig, err := id.Sign(proofPayload(nodeID, addr, now))
	if err != nil {
		return JoinProof{}, fmt.Errorf("sign join proof: %w", err)
	}
	return JoinProof{
		Timestamp: now,
		NodeID:    nodeID,
		Addr:      addr,
		PublicKey: id.PublicKey(),
		Signature: sig,
	}, nil
}

// Verify checks the signature and that the proof was made within MaxProofAge of now.
func (p JoinProof) Verify(now time.Time) error {
	if p.NodeID == "" || len(p.PublicKey) == 0 || len(p.Signature) == 0 {
		return fmt.Errorf("%w: missing fields", ErrInvalidProof)
	}
	if d := now.Sub(p.Timestamp); d > MaxProofAge || d < -MaxProofAge {
		return ErrProofExpired
	}
	pub, err := libp2pcrypto.UnmarshalPublicKey(p.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	ok, err := pub.Verify(proofPayload(p.NodeID, p.Addr, p.Timestamp), p.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if !ok {
		return fmt.Errorf("%w: bad signature", ErrInvalidProof)
	}
	return nil
}
