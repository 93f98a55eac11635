package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/millrace/millrace/internal/store"
)

// HashArtifact fingerprints stage output bytes.
func HashArtifact(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashConfig fingerprints a stage's effective configuration so config changes
// invalidate downstream caches the same way content changes do.
func HashConfig(cfg any) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config for hashing: %w", err)
	}
	return HashArtifact(b), nil
}

// UpstreamUnchanged reports whether a completed upstream step recorded the
// same output hash, meaning the downstream stage may skip recomputation.
// This is a cache-coherence check, separate from resume planning; callers
// compose the two.
func UpstreamUnchanged(prev store.StepRecord, currentHash string) bool {
	return prev.Status == store.StepCompleted &&
		prev.OutputHash != "" &&
		prev.OutputHash == currentHash
}
