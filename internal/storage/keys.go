package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func randomStreamKey() (string, error) {
	buf := make([]byte, streamKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// mintStreamKey draws random keys until one is unused, bounded by
// keyGenerationAttempts. taken reports whether a candidate key already exists
// anywhere a key may live (sources and legacy user keys).
func mintStreamKey(taken func(string) (bool, error)) (string, error) {
	for attempt := 0; attempt < keyGenerationAttempts; attempt++ {
		key, err := randomStreamKey()
		if err != nil {
			return "", err
		}
		exists, err := taken(key)
		if err != nil {
			return "", err
		}
		if !exists {
			return key, nil
		}
	}
	return "", ErrKeyGeneration
}
