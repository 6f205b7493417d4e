package domain

import (
	"golang.org/x/crypto/sha3"
)

// DeriveServiceToken computes the deterministic token for a claimed payment:
// SHA3-256 over hex(pid) || "|" || hex(txid). The separator guards against
// concatenation ambiguity if either component's width ever changes.
func DeriveServiceToken(pid PaymentId, txidHex string) ServiceToken {
	h := sha3.New256()
	h.Write([]byte(pid.Hex()))
	h.Write([]byte("|"))
	h.Write([]byte(txidHex))

	var tok ServiceToken
	copy(tok[:], h.Sum(nil))
	return tok
}
