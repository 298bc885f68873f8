package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"
)

// SetupSignalContext returns a context cancelled on SIGTERM or SIGINT. A
// second signal terminates the program with exit code 1.
func SetupSignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		klog.Infof("Received %v, shutting down", sig)
		cancel()

		<-sigCh
		os.Exit(1)
	}()

	return ctx
}
