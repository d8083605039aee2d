package validation

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/roach88/strand/internal/hash"
)

// CounterSignSession is the payload of a countersign entry: shared
// bytes plus one signature per party over those bytes. Every party must
// verify before the entry passes sys-validation anywhere.
type CounterSignSession struct {
	Payload []byte             `json:"payload"`
	Parties []CounterSignParty `json:"parties"`
}

// CounterSignParty is one signer in a session.
type CounterSignParty struct {
	Agent     []byte `json:"agent"`
	Signature []byte `json:"signature"`
}

// ParseCounterSignSession decodes a session blob.
func ParseCounterSignSession(blob []byte) (*CounterSignSession, error) {
	var s CounterSignSession
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if len(s.Parties) < 2 {
		return nil, fmt.Errorf("session has %d parties, need at least 2", len(s.Parties))
	}
	return &s, nil
}

// VerifyAll checks every party's signature over the shared payload.
func (s *CounterSignSession) VerifyAll() error {
	for i, p := range s.Parties {
		agent, err := hash.FromBytes(p.Agent)
		if err != nil {
			return fmt.Errorf("party %d: %w", i, err)
		}
		pub, err := agent.AgentKey()
		if err != nil {
			return fmt.Errorf("party %d: %w", i, err)
		}
		if len(p.Signature) != ed25519.SignatureSize {
			return fmt.Errorf("party %d: signature is %d bytes, want %d", i, len(p.Signature), ed25519.SignatureSize)
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), s.Payload, p.Signature) {
			return fmt.Errorf("party %d (%s): signature does not verify", i, agent)
		}
	}
	return nil
}

// EncodeCounterSignSession serializes a session for embedding in a
// countersign entry.
func EncodeCounterSignSession(s *CounterSignSession) ([]byte, error) {
	return json.Marshal(s)
}
