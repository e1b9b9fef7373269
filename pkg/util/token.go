package util

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

const (
	// Alphanumeric is the 36 symbol upper-case alphabet used for claim codes.
	Alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// Unambiguous drops 0/O/1/I for codes read aloud or typed by staff.
	Unambiguous = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// RandomString draws n symbols from alphabet using crypto/rand.
func RandomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[num.Int64()]
	}
	return string(b), nil
}

func RandomHex(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
