package database

import "crypto/rand"

const (
	shortIDLength = 15
	alphabet      = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	// Bytes at or above this are rejected so every symbol is equally likely.
	unbiased = 256 - 256%len(alphabet)
)

// GenerateShortID returns prefix followed by 15 random base62 characters,
// as in "wh_3fKq09TzLm2xA1b". Webhooks use "wh_", schedules "sch_".
func GenerateShortID(prefix string) string {
	id := make([]byte, len(prefix), len(prefix)+shortIDLength)
	copy(id, prefix)

	var buf [32]byte
	for len(id) < cap(id) {
		rand.Read(buf[:])
		for _, b := range buf {
			if int(b) >= unbiased {
				continue
			}
			id = append(id, alphabet[int(b)%len(alphabet)])
			if len(id) == cap(id) {
				break
			}
		}
	}
	return string(id)
}
