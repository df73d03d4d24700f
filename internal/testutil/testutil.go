// Package testutil holds helpers shared by the block store tests.
package testutil

import (
	"flag"
	"os"
	"testing"
)

const longEnv = "OUROBOROS_LONG_TESTS"

var runLong = flag.Bool("long", false, "run on-disk and large import tests")

// RequireLong skips t unless -long is passed or OUROBOROS_LONG_TESTS is set.
func RequireLong(t *testing.T) {
	t.Helper()
	if !*runLong && os.Getenv(longEnv) == "" {
		t.Skip("skipping long test (use -long or set " + longEnv + ")")
	}
}
