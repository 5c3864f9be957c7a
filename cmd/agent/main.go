package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bilal/freqswitch-agent/internal/communicator"
	"github.com/bilal/freqswitch-agent/internal/config"
	"github.com/bilal/freqswitch-agent/internal/device"
	"github.com/bilal/freqswitch-agent/internal/device/airos"
	"github.com/bilal/freqswitch-agent/internal/health"
	"github.com/bilal/freqswitch-agent/internal/logger"
	"github.com/bilal/freqswitch-agent/internal/monitor"
	"github.com/bilal/freqswitch-agent/internal/observability"
	"github.com/bilal/freqswitch-agent/internal/switcher"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [-config path] <command>

Commands:
  run               monitor the bridge continuously (default)
  status            read both radios once and print the verdict
  extract           print the normalized status of both radios as JSON
  force-switch FREQ move the bridge to FREQ MHz now

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}
	logFile, err := logger.Init(cfg.Logging, cfg.Agent.Name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(2)
	}
	defer logFile.Close()

	cmd := "run"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		err = run(ctx, cfg)
	case "status":
		err = status(ctx, cfg)
	case "extract":
		err = extract(ctx, cfg)
	case "force-switch":
		if flag.NArg() != 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = forceSwitch(ctx, cfg, flag.Arg(1))
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("command failed")
		os.Exit(1)
	}
}

func newAdapter(cfg *config.Config) device.Adapter {
	client := airos.New(airos.Config{
		Scheme:             cfg.Device.Scheme,
		InsecureSkipVerify: cfg.Device.InsecureSkipVerify,
		Timeout:            cfg.Agent.Timeout(),
		UserAgent:          cfg.Device.UserAgent,
	})
	return device.WithTimeout(client, cfg.Agent.Timeout())
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Info().Str("agent", cfg.Agent.Name).Msg("starting freqswitch agent")

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, cfg.Agent.Name, os.Stdout)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing)

	metrics, err := observability.NewCollector(nil)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	hub := health.NewHub()
	var sinks communicator.Fanout
	if cfg.Health.Enabled {
		sinks = append(sinks, hub)
	}

	//------------------------------------------
	// EVENT PUBLISHING
	//------------------------------------------
	var comm *communicator.Communicator
	var producer *communicator.KafkaProducer
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err = communicator.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			return err
		}
		comm = communicator.New(producer, communicator.DefaultOptions())
		comm.Start()
		sinks = append(sinks, comm)
	}

	//------------------------------------------
	// MONITOR
	//------------------------------------------
	var mon *monitor.Monitor
	healthSrv := health.New(cfg.Health.Listen, func() any { return mon.State() }, metrics.Handler(), hub)

	opts := []monitor.Option{
		monitor.WithSink(sinks),
		monitor.WithMetrics(metrics),
		monitor.WithCycleHook(healthSrv.MarkCycle),
	}
	if cfg.Probe.Enabled {
		opts = append(opts, monitor.WithProber(monitor.NewICMPProber(cfg.Probe)))
	}
	mon, err = monitor.New(cfg, newAdapter(cfg), opts...)
	if err != nil {
		return err
	}

	//------------------------------------------
	// STATUS SERVER
	//------------------------------------------
	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()
	if cfg.Health.Enabled {
		go hub.Run(serveCtx)
		go func() {
			if err := healthSrv.Serve(serveCtx); err != nil {
				log.Error().Err(err).Msg("status server stopped")
			}
		}()
	}
	healthSrv.SetRunning(true)

	monDone := make(chan error, 1)
	go func() { monDone <- mon.Run(ctx) }()

	//------------------------------------------
	// WAIT FOR SHUTDOWN SIGNAL
	//------------------------------------------
	<-ctx.Done()
	log.Warn().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer shutdownCancel()

	log.Info().Msg("stopping monitor after the current cycle...")
	if err := mon.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("monitor did not stop in time")
	} else if err := <-monDone; err != nil {
		log.Error().Err(err).Msg("monitor stopped with error")
	}
	healthSrv.SetRunning(false)

	if comm != nil {
		log.Info().Msg("stopping communicator...")
		comm.Shutdown(shutdownCtx)
		if err := producer.Close(); err != nil {
			log.Warn().Err(err).Msg("kafka producer close failed")
		}
	}
	stopServing()

	log.Info().Msg("agent stopped cleanly")
	return nil
}

func status(ctx context.Context, cfg *config.Config) error {
	mon, err := monitor.New(cfg, newAdapter(cfg))
	if err != nil {
		return err
	}
	snap := mon.Snapshot(ctx)
	th := mon.Thresholds()

	printLink := func(role string, address string, s device.LinkStatus, err error) {
		fmt.Printf("%s (%s)\n", role, address)
		if err != nil {
			fmt.Printf("  error: %v\n", err)
			return
		}
		if s.DeviceName != "" {
			fmt.Printf("  device:      %s\n", s.DeviceName)
		}
		fmt.Printf("  signal:      %s\n", device.Format(s.SignalDBm, " dBm"))
		fmt.Printf("  ccq:         %s\n", device.Format(s.CCQPercent, "%"))
		fmt.Printf("  tx capacity: %s\n", device.Format(s.TxCapacityPercent, "%"))
		fmt.Printf("  frequency:   %s\n", device.Format(s.FrequencyMHz, " MHz"))
	}
	printLink("master", cfg.Master.Address, snap.Master, snap.MasterErr)
	printLink("slave", cfg.Slave.Address, snap.Slave, snap.SlaveErr)

	fmt.Printf("thresholds: signal >= %g dBm, ccq >= %g%%, tx capacity >= %g%%\n",
		th.SignalFloorDBm, th.CCQFloorPercent, th.TxCapacityFloorPercent)
	fmt.Printf("verdict: %s\n", snap.Verdict)
	fmt.Printf("frequency plan: %s\n", mon.Plan())
	return nil
}

type extractedLink struct {
	Role    device.Role        `json:"role"`
	Address string             `json:"address"`
	Status  *device.LinkStatus `json:"status,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func extract(ctx context.Context, cfg *config.Config) error {
	mon, err := monitor.New(cfg, newAdapter(cfg))
	if err != nil {
		return err
	}
	snap := mon.Snapshot(ctx)

	link := func(role device.Role, address string, s device.LinkStatus, err error) extractedLink {
		l := extractedLink{Role: role, Address: address}
		if err != nil {
			l.Error = err.Error()
		} else {
			l.Status = &s
		}
		return l
	}
	out := []extractedLink{
		link(device.Master, cfg.Master.Address, snap.Master, snap.MasterErr),
		link(device.Slave, cfg.Slave.Address, snap.Slave, snap.SlaveErr),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func forceSwitch(ctx context.Context, cfg *config.Config, arg string) error {
	mhz, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return fmt.Errorf("invalid frequency %q: %w", arg, err)
	}
	mon, err := monitor.New(cfg, newAdapter(cfg))
	if err != nil {
		return err
	}

	res, err := mon.ForceSwitch(ctx, mhz)
	if err != nil {
		return err
	}
	fmt.Printf("attempt %s: %s", res.AttemptID, res.Outcome)
	if res.Reason != "" {
		fmt.Printf(" (%s)", res.Reason)
	}
	fmt.Println()
	if res.RollbackAttempted {
		fmt.Printf("slave rollback to %s: succeeded=%t\n", device.Format(res.RollbackFrequencyMHz, " MHz"), res.RollbackSucceeded)
	}
	if res.Outcome == switcher.OutcomeFailed {
		return res.Err
	}
	return nil
}
