// Package fault provides a probabilistic crash probe for durability
// testing. A probe placed before a critical write lets tests verify
// that recovery works when the process dies at the worst moment.
package fault

import (
	"math/rand"
	"os"

	"github.com/0xgpapad/kuduraft/pkg/xlog"
)

var logger = xlog.NewLogger("fault", xlog.INFO)

var exitFunc = os.Exit

// SetExitFuncForTests replaces the process-exit function and returns
// a restore function.
func SetExitFuncForTests(f func(code int)) (restore func()) {
	prev := exitFunc
	exitFunc = f
	return func() { exitFunc = prev }
}

// MaybeFault terminates the process with the given probability.
// A probability of zero or less never faults. Tagged unsafe; only
// test configurations should set a non-zero probability.
func MaybeFault(probability float64) {
	if probability <= 0 {
		return
	}
	if rand.Float64() < probability {
		logger.Errorf("injected fault: terminating process (probability %f)", probability)
		exitFunc(1)
	}
}
