// Package guard flips the runtime into test mode before any package
// under test reads the flag. Import it for side effects from tests
// that touch the binaries' startup paths.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("KARDEX_TEST_MODE") == "" {
			_ = os.Setenv("KARDEX_TEST_MODE", "1")
		}
	})
}
