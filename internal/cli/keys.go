package cli

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/keystore"
)

const agentKeyFile = "agent.key"

// createAgentKey generates a fresh ed25519 seed, writes it under the
// data directory and returns a keystore holding the agent.
func createAgentKey(dataDir string) (*keystore.MemKeystore, hash.Hash, error) {
	path := filepath.Join(dataDir, agentKeyFile)
	if _, err := os.Stat(path); err == nil {
		return nil, hash.Hash{}, fmt.Errorf("key file already exists: %s", path)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, hash.Hash{}, fmt.Errorf("generate key seed: %w", err)
	}
	encoded := base64.RawStdEncoding.EncodeToString(seed) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, hash.Hash{}, fmt.Errorf("write key file: %w", err)
	}
	return importSeed(seed)
}

// loadAgentKey reads the seed file written by createAgentKey.
func loadAgentKey(dataDir string) (*keystore.MemKeystore, hash.Hash, error) {
	path := filepath.Join(dataDir, agentKeyFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, hash.Hash{}, fmt.Errorf("read key file: %w", err)
	}
	seed, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, hash.Hash{}, fmt.Errorf("decode key file %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, hash.Hash{}, fmt.Errorf("key file %s holds %d bytes, want %d", path, len(seed), ed25519.SeedSize)
	}
	return importSeed(seed)
}

func importSeed(seed []byte) (*keystore.MemKeystore, hash.Hash, error) {
	ks := keystore.NewMem()
	agent, err := ks.ImportKey(ed25519.NewKeyFromSeed(seed))
	if err != nil {
		return nil, hash.Hash{}, err
	}
	return ks, agent, nil
}
