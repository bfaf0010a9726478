package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// callSignature computes a deterministic signature for a capability call
// (name + hash of arguments).
func callSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// DetectLoop checks if the last windowSize signatures follow a repeating
// pattern of length 1, 2, or 3.
func DetectLoop(signatures []string, windowSize int) bool {
	if windowSize <= 0 || len(signatures) < windowSize {
		return false
	}
	sigs := signatures[len(signatures)-windowSize:]

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
