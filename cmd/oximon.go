package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/tessvall/oximon/internal/bt"
	"github.com/tessvall/oximon/internal/config"
	"github.com/tessvall/oximon/internal/go_func_utils"
	"github.com/tessvall/oximon/internal/monitor"
	"github.com/tessvall/oximon/internal/pulseox"
)

func main() {
	flags := pflag.NewFlagSet("oximon", pflag.ExitOnError)
	configFile := flags.String("config", "", "path to config file (default: ~/.config/oximon/config.yaml)")
	flags.String("device", "", "device name substring to connect to")
	flags.String("address", "", "exact device address to connect to")
	flags.Duration("scan-timeout", 0, "how long to scan before giving up an attempt")
	flags.Duration("connect-timeout", 0, "how long to wait for the link to come up")
	flags.Duration("inactivity-timeout", 0, "treat a silent stream as disconnected after this long")
	flags.Duration("retry-min", 0, "initial retry delay")
	flags.Duration("retry-max", 0, "retry delay cap")
	flags.String("output", "", "output mode: dashboard or csv")
	flags.String("log-file", "", "log file path")
	flags.Bool("mock", false, "use the built-in mock oximeter instead of the radio")
	flags.Int("mock-port", 0, "HTTP control port for the mock oximeter, 0 to disable")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(flags, *configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logFile := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
	}
	defer logFile.Close()

	var logWriter io.Writer = logFile
	var uiLogChan <-chan string
	if cfg.Output == config.OutputDashboard {
		logWriter, uiLogChan = monitor.NewLogSplitter(logFile)
	}
	logger := log.New(logWriter, "", log.LstdFlags)

	manager, mockDevice, err := buildManager(cfg, logger)
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	if mockDevice != nil && cfg.Mock.Port > 0 {
		server := manager.(*pulseox.MockBTManager).StartControlServer(cfg.Mock.Port)
		defer server.Close()
	}

	identity := pulseox.DeviceIdentity{
		NamePattern: cfg.Device.Name,
		Address:     cfg.Device.Address,
	}
	sessionCfg := pulseox.SessionConfig{
		ScanTimeout:       cfg.ScanTimeout,
		ConnectTimeout:    cfg.ConnectTimeout,
		InactivityTimeout: cfg.InactivityTimeout,
	}
	delay := pulseox.NewBackoff(cfg.Retry.MinDelay, cfg.Retry.MaxDelay)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Output == config.OutputCSV {
		sink := monitor.NewCSVSink(os.Stdout, logger)
		sup := pulseox.NewSupervisor(manager, identity, sessionCfg, sink, delay, logger)
		logger.Printf("oximon: csv mode, watching %s", identity)
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	model := monitor.NewMonitorModel(logger, uiLogChan)
	defer model.Shutdown()

	sup := pulseox.NewSupervisor(manager, identity, sessionCfg, model, delay, logger)
	model.Bind(sup)

	app := tview.NewApplication()
	view := monitor.NewDashboardView(logger, app, model)
	defer view.Shutdown()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go_func_utils.SafeGo(logger, func() {
		if err := sup.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Printf("oximon: supervisor stopped: %v", err)
		}
	})

	// A signal closes the UI the same way the q key does.
	go_func_utils.SafeGo(logger, func() {
		<-ctx.Done()
		model.RequestCloseApplication()
	})

	logger.Printf("oximon: dashboard mode, watching %s", identity)
	return view.Run()
}

// buildManager picks the radio or the mock per config. The mock device is
// returned so the control server can be attached.
func buildManager(cfg config.Config, logger *log.Logger) (bt.BTManagerInterface, *pulseox.MockOximeterDevice, error) {
	if cfg.Mock.Enabled {
		device := pulseox.NewMockOximeterDevice(logger)
		return pulseox.NewMockBTManager(logger, device), device, nil
	}

	manager := bt.NewBTManager(bluetooth.DefaultAdapter, logger)
	if err := manager.Enable(); err != nil {
		return nil, nil, fmt.Errorf("enable BLE stack: %w", err)
	}
	return manager, nil, nil
}
