package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
)

// CreateContextWithShutdown returns a context that will report done when a SIGINT or SIGTERM is received
func CreateContextWithShutdown() *haulcontext.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case sig := <-c:
			log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return haulcontext.New(ctx, log.NewEntry(log.StandardLogger()))
}
