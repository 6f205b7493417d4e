// genaddress prints a fresh payment id for an operator to embed in a
// Monero integrated address. Encoding the full integrated address
// (base58-checked, binding the view/spend keys) is out of scope here;
// operators feed the printed PID into their existing address-generation
// tooling (monero-wallet-cli's make_integrated_address, or the wallet
// RPC's equivalent call).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/torpay/anon-ticket/internal/domain"
)

func main() {
	count := flag.Int("count", 1, "number of payment ids to generate")
	flag.Parse()

	for i := 0; i < *count; i++ {
		pid, err := domain.GeneratePaymentId(domain.SystemRand())
		if err != nil {
			fmt.Fprintln(os.Stderr, "generate payment id:", err)
			os.Exit(1)
		}
		fmt.Println(pid.Hex())
	}
}
