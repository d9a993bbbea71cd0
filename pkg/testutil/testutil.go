// Package testutil holds small helpers shared by tests.
package testutil

import (
	"runtime"
	"testing"
)

// FatalStack fails the test with s after dumping the stacks of all
// running goroutines, for diagnosing stuck rendezvous or lost wakeups.
func FatalStack(t *testing.T, s string) {
	t.Helper()
	buf := make([]byte, 16*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}
	t.Logf("goroutine dump:\n%s", buf)
	t.Fatal(s)
}
