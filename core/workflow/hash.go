package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashInput derives the idempotency hash of a step from its name and input.
// encoding/json sorts map keys, so equal inputs hash equally across replays.
func HashInput(stepName string, input any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("hash step %s input: %w", stepName, err)
	}
	h := sha256.New()
	h.Write([]byte(stepName))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
