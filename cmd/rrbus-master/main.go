package main

import (
	"flag"
	"os"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/rrbus/pkg/env"
	fx "github.com/robotalks/rrbus/pkg/framework"
	"github.com/robotalks/rrbus/pkg/journal"
	"github.com/robotalks/rrbus/pkg/master"
	"github.com/robotalks/rrbus/pkg/mqttbridge"
	"github.com/robotalks/rrbus/pkg/transport"
)

const pruneInterval = time.Hour

// pruner removes old journal entries every pruneInterval.
func pruner(j *journal.Journal, retention time.Duration) fx.Controller {
	var last time.Time
	return fx.ControlFunc(func(cc fx.ControlContext) error {
		if retention <= 0 || cc.Time().Sub(last) < pruneInterval {
			return nil
		}
		last = cc.Time()
		count, err := j.Prune(cc.Context(), retention)
		if err == nil && count > 0 {
			glog.Infof("journal: %d entries pruned", count)
		}
		return err
	})
}

func main() {
	cfg, err := env.Load(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		glog.Exit(err)
	}
	defer glog.Flush()

	port, err := transport.Open(cfg.Port)
	if err != nil {
		glog.Exitf("open %s: %v", cfg.Port, err)
	}
	defer port.Close()

	poller := master.NewPoller(master.NewBus(port), master.NewMemoryRegistry())
	cfg.PollerOptions(poller)

	loop := fx.NewLoop()
	// Control only, Run would poll the bus from a second goroutine
	loop.AddController(fx.PrLvBus, fx.ControlFunc(poller.Control))

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			glog.Exit(err)
		}
		defer j.Close()
		poller.Listeners = append(poller.Listeners, j)
		loop.AddController(fx.PrLvPostProc, j, pruner(j, cfg.JournalRetention))
	}

	if cfg.MQTTBrokerURL != "" {
		q, err := mqttbridge.NewQueueFromURL(cfg.MQTTBrokerURL, cfg.ClientID)
		if err != nil {
			glog.Exitf("mqtt %s: %v", cfg.MQTTBrokerURL, err)
		}
		bridge := mqttbridge.NewBridge(q, poller, cfg.BusName)
		poller.Listeners = append(poller.Listeners, bridge)
		loop.AddRunnable(fx.NamedRun("mqtt", q), fx.NamedRun("bridge", bridge))
	}

	glog.Infof("bus %s on %s", cfg.BusName, cfg.Port)
	err = fx.NewRunner().HandleSignals().Go(fx.NamedRun("loop", loop)).Wait()
	if err != nil {
		glog.Error(err)
		glog.Flush()
		os.Exit(1)
	}
}
