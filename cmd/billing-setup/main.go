package main

import (
	"os"

	"github.com/kaytu-io/billing-scheduler/services/billing"
)

func main() {
	if err := billing.SetupCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
