package util

import "crypto/rand"

// Keep the alphabet and length in sync with the one on the map frontend
// (studyDesignMaps/shortUUID.ts).
const (
	idAlphabet = "23456789abcdefghjklmnpqrstuvwxyz"
	IDLength   = 12
)

func NewID() string {
	bytes := make([]byte, IDLength)
	_, _ = rand.Read(bytes)
	for i, b := range bytes {
		bytes[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(bytes)
}
