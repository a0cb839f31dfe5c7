// Package guard switches the entrypoints into test mode when imported by a test.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("AMORTIZATION_TEST_MODE") == "" {
			_ = os.Setenv("AMORTIZATION_TEST_MODE", "1")
		}
	})
}
