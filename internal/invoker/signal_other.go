//go:build !unix

package invoker

import "os"

func terminateSignal() os.Signal {
	return os.Kill
}
