package helpers

import (
	"crypto/sha256"
	"encoding/hex"
)

func HashData(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// LoginStatus maps a credential match to the status value recorded on
// capture events. The fabricated response is cosmetic either way.
func LoginStatus(matched bool) string {
	if matched {
		return "success"
	}
	return "failed"
}
