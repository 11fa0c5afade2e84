package crypto

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// masterKeyLength is the required decoded length of STREAM_ENCRYPTION_MASTER_KEY
// (a hex-encoded 256-bit key), the single process-wide symmetric key
// envelope-encrypting both OAuth tokens at rest and archive objects.
const masterKeyLength = 32

// MasterKeyFromEnv loads and hex-decodes the master key from envVar, accepting
// an optional "0x"/"0X" prefix.
func MasterKeyFromEnv(envVar string) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(envVar))
	if raw == "" {
		return nil, fmt.Errorf("%s is required", envVar)
	}
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.TrimPrefix(raw, "0X")

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", envVar, err)
	}
	if len(key) != masterKeyLength {
		return nil, fmt.Errorf("%s must decode to %d bytes, got %d", envVar, masterKeyLength, len(key))
	}
	return key, nil
}
