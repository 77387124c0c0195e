// Command trustctl administers field grants and inspects tenant audit ledgers
// through the trustd admin API.
package main

import (
	"os"

	"github.com/REVIVEINC6/nino360-sub015/cmd/trustctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
