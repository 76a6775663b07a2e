package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samsamfire/ionode/internal/metrics"
	"github.com/samsamfire/ionode/pkg/can"
	"github.com/samsamfire/ionode/pkg/can/bridge"
	"github.com/samsamfire/ionode/pkg/can/sim"
	"github.com/samsamfire/ionode/pkg/config"
	"github.com/samsamfire/ionode/pkg/node"
	"github.com/samsamfire/ionode/pkg/od"
	"github.com/samsamfire/ionode/pkg/stack"
	log "github.com/sirupsen/logrus"

	_ "github.com/samsamfire/ionode/pkg/can/slcan"
	_ "github.com/samsamfire/ionode/pkg/can/socketcan"
	_ "github.com/samsamfire/ionode/pkg/can/socketcanraw"
	_ "github.com/samsamfire/ionode/pkg/can/virtual"
)

const statePollPeriod = 100 * time.Millisecond

func main() {
	configPath := flag.String("c", "", "configuration file (ini)")
	canInterface := flag.String("i", config.DefaultInterface, "can interface e.g. sim, socketcan, socketcanraw, slcan, virtual")
	channel := flag.String("ch", "", "can channel e.g. can0, /dev/ttyACM0, localhost:18888")
	nodeId := flag.Uint("n", uint(config.DefaultNodeId), "node id, 255 waits for LSS configuration")
	bitRate := flag.Uint("b", uint(config.DefaultBitRate), "bit rate in kbit/s")
	edsPath := flag.String("p", "", "eds file path, embedded default if empty")
	logLevel := flag.String("l", config.DefaultLogLevel, "log level")
	listen := flag.String("m", "", "metrics listen address e.g. :9100")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load configuration")
		}
		cfg = loaded
	}
	// Explicit flags override the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "i":
			cfg.Interface = *canInterface
		case "ch":
			cfg.Channel = *channel
		case "n":
			cfg.NodeId = uint8(*nodeId)
		case "b":
			cfg.BitRate = uint16(*bitRate)
		case "p":
			cfg.EDS = *edsPath
		case "l":
			cfg.LogLevel = *logLevel
		case "m":
			cfg.MetricsListen = *listen
		}
	})
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := run(cfg); err != nil {
		log.WithError(err).Error("node stopped")
		os.Exit(1)
	}
}

func loadOD(cfg *config.Config) (*od.ObjectDictionary, error) {
	if cfg.EDS == "" {
		return od.Default(cfg.NodeId), nil
	}
	return od.Parse(cfg.EDS, cfg.NodeId)
}

func newPeripheral(cfg *config.Config, logger *log.Entry) (can.Peripheral, error) {
	if cfg.Interface == config.DefaultInterface {
		logger.Warn("running on the simulated peripheral, frames are not sent anywhere")
		return sim.New(sim.WithAutoComplete()), nil
	}
	bus, err := can.NewBus(cfg.Interface, cfg.Channel)
	if err != nil {
		return nil, fmt.Errorf("%w (available : %v)", err, can.Interfaces())
	}
	return bridge.New(bus, logger), nil
}

func run(cfg *config.Config) error {
	logger := log.WithField("node", fmt.Sprintf("x%x", cfg.NodeId))

	dict, err := loadOD(cfg)
	if err != nil {
		return fmt.Errorf("failed to load object dictionary : %w", err)
	}
	configurator := config.NewNodeConfigurator(dict, logger)
	if err := configurator.Apply(cfg); err != nil {
		return fmt.Errorf("failed to apply configuration : %w", err)
	}
	if identity, err := configurator.ReadIdentity(); err == nil {
		logger.Infof("identity vendor x%x product x%x revision x%x serial x%x",
			identity.VendorId, identity.ProductCode, identity.RevisionNumber, identity.SerialNumber)
	}

	peripheral, err := newPeripheral(cfg, logger)
	if err != nil {
		return err
	}
	stk := stack.New(logger)
	controller, err := node.NewController(node.Config{
		NodeId:  cfg.NodeId,
		BitRate: cfg.BitRate,
		RxCount: cfg.RxFilters,
		TxCount: cfg.TxSlots,
	}, peripheral, stk, stk.LSS(), dict, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsListen != "" {
		metrics.SetReadinessFunc(func() bool { return controller.State() == node.StateOperational })
		srv := metrics.StartHTTP(cfg.MetricsListen)
		defer srv.Close()
	}

	timer := node.NewNetworkTimer(controller, node.DefaultTimerPeriod, logger)
	go timer.Run(ctx)
	go watchTermination(ctx, cancel, controller, logger)

	err = controller.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// An application reset leaves the node idle, exit so that the
// supervisor restarts the process
func watchTermination(ctx context.Context, cancel context.CancelFunc, controller *node.Controller, logger *log.Entry) {
	ticker := time.NewTicker(statePollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if controller.State() == node.StateTerminated {
				logger.Info("application reset requested, exiting")
				cancel()
				return
			}
		}
	}
}
