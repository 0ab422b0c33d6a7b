package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RandomDigits returns a string of n decimal digits. Processing unit terminals
// (mixers, transcoders, selectors) are named this way.
func RandomDigits(n int) string {
	var sb strings.Builder
	sb.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			sb.WriteByte('0')
			continue
		}
		sb.WriteByte(byte('0' + d.Int64()))
	}
	return sb.String()
}

// TerminalID returns a fresh id for a processing unit terminal.
func TerminalID() string {
	return RandomDigits(20)
}

// Ticket returns a dash-less uuid, used to authenticate internal connections between nodes.
func Ticket() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), hex.EncodeToString(b))
}
