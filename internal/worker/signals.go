package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// HandleSignal applies an operator signal. SIGQUIT stops the current job
// cooperatively; SIGINT and SIGTERM also stop it and end Run once it returns.
func (p *Processor) HandleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGQUIT:
		log.Info("stop requested for the current job")
		p.stop.Set()
	case os.Interrupt, syscall.SIGTERM:
		log.WithField("signal", sig.String()).Info("shutting down after the current job")
		p.stop.Set()
		p.Shutdown()
	}
}

// WatchSignals routes process signals to HandleSignal until ctx ends.
func (p *Processor) WatchSignals(ctx context.Context) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGQUIT, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				p.HandleSignal(sig)
			}
		}
	}()
}
