// Package main provides a one-shot utility for access grant key generation.
//
// It emits the asymmetric keypair used to sign and verify caller access grants.
package main

import (
	"os"

	"github.com/louisbranch/taskroom/internal/platform/config"
	"github.com/louisbranch/taskroom/internal/tools/grantkey"
)

func main() {
	if err := grantkey.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate access grant key: %v", err)
	}
}
