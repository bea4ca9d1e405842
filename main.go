package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"obd-capture/capture"
	"obd-capture/common"
	"obd-capture/elm327"
	"obd-capture/mqtt"
	"obd-capture/obd"
	"obd-capture/store"
)

var logger = log.New(os.Stdout, "[OBD-Capture] ", log.LstdFlags|log.Lshortfile)

type DeviceConfig struct {
	Candidates    []string `mapstructure:"candidates"`
	elm327.Config `mapstructure:",squash"`
}

type Config struct {
	Device  DeviceConfig   `mapstructure:"device"`
	Capture capture.Config `mapstructure:"capture"`
	MQTT    mqtt.Config    `mapstructure:"mqtt"`
	Store   struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"store"`
	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

var (
	configFile   string
	once         bool
	historyLimit int
	v            = viper.New()
)

var rootCmd = &cobra.Command{
	Use:          "obd-capture",
	Short:        "Capture OBD-II mode 01 sensor snapshots from an ELM327 adapter",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(v, configFile)
		if err != nil {
			return err
		}
		return run(cmd.Context(), config)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the most recent snapshots saved in the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(v, configFile)
		if err != nil {
			return err
		}
		return printHistory(cmd.Context(), cmd.OutOrStdout(), config.Store.Path, historyLimit)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of snapshots to print")
	rootCmd.AddCommand(historyCmd)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (default ./config.yaml)")
	flags.StringSliceP("device", "p", nil, "device path(s) to try, empty = scan /dev/rfcomm* and serial ports")
	flags.BoolVar(&once, "once", false, "capture a single snapshot and exit")
	flags.BoolP("debug", "d", false, "log every sensor query")

	v.BindPFlag("device.candidates", flags.Lookup("device"))
	v.BindPFlag("capture.debug", flags.Lookup("debug"))
}

func setDefaults(v *viper.Viper) {
	dev := elm327.DefaultConfig()
	v.SetDefault("device.driver", dev.Driver)
	v.SetDefault("device.baud_rate", dev.BaudRate)
	v.SetDefault("device.read_timeout", dev.ReadTimeout)
	v.SetDefault("device.init_delay", dev.InitDelay)
	v.SetDefault("device.init_commands", dev.InitCommands)

	cpt := capture.DefaultConfig()
	v.SetDefault("capture.interval", cpt.Interval)
	v.SetDefault("capture.settle_delay", cpt.SettleDelay)
	v.SetDefault("capture.connect_attempts", cpt.ConnectAttempts)
	v.SetDefault("capture.reconnect_interval", cpt.ReconnectInterval)

	mq := mqtt.DefaultConfig()
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", mq.Broker)
	v.SetDefault("mqtt.data_topic", mq.DataTopic)
	v.SetDefault("mqtt.command_topic", mq.CommandTopic)
	v.SetDefault("mqtt.qos", mq.QoS)
	v.SetDefault("mqtt.keep_alive", mq.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", mq.ConnectTimeout)

	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", "obd-capture.db")
	v.SetDefault("logging.level", "info")
}

// loadConfig читает config.yaml (если есть), переменные окружения OBD_CAPTURE_* и флаги
func loadConfig(v *viper.Viper, path string) (Config, error) {
	var config Config
	setDefaults(v)

	v.SetEnvPrefix("OBD_CAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/obd-capture")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return config, fmt.Errorf("error reading config file: %w", err)
		}
		logger.Println("No config file found, using defaults")
	}

	if err := v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Logging.Level == "debug" {
		config.Capture.Debug = true
	}
	return config, nil
}

// snapshotRunner - часть оркестратора, нужная captureLoop
type snapshotRunner interface {
	Run(ctx context.Context, handler capture.Handler) error
}

// captureLoop перезапускает захват после потери соединения
func captureLoop(ctx context.Context, runner snapshotRunner, handler capture.Handler, reconnectInterval time.Duration) error {
	for {
		err := runner.Run(ctx, handler)
		if err == nil {
			return nil
		}
		if !errors.Is(err, capture.ErrConnectionLost) {
			return err
		}

		logger.Printf("%v, reconnecting in %v...", err, reconnectInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectInterval):
		}
	}
}

// watchCommands отменяет захват по команде "stop" из MQTT
func watchCommands(ctx context.Context, commands <-chan common.CommandMessage, cancel context.CancelFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-commands:
			switch cmd.Command {
			case "stop":
				logger.Printf("Stop requested (correlation_id: %s)", cmd.CorrelationID)
				cancel()
				return nil
			default:
				logger.Printf("Ignoring unknown command %q", cmd.Command)
			}
		}
	}
}

// printHistory выводит последние limit снимков из базы, новые первыми
func printHistory(ctx context.Context, w io.Writer, path string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("invalid limit %d: must be positive", limit)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to open store %s: %w", path, err)
	}

	db, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open store %s: %w", path, err)
	}
	defer db.Close()

	snapshots, err := db.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintf(w, "No snapshots in %s\n", path)
		return nil
	}
	for _, snapshot := range snapshots {
		fmt.Fprintf(w, "--- %s ---\n", snapshot.Timestamp.Format("2006-01-02"))
		fmt.Fprint(w, capture.FormatSnapshot(snapshot))
	}
	return nil
}

func run(parent context.Context, config Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	candidates := config.Device.Candidates
	if len(candidates) == 0 {
		candidates = elm327.ScanPorts()
	}
	logger.Printf("Candidate devices: %v", candidates)

	capConfig := config.Capture
	capConfig.Candidates = candidates
	orchestrator := capture.NewOrchestrator(capConfig, obd.DefaultCatalog(), elm327.Opener(config.Device.Config))

	var db *store.SQLiteStore
	if config.Store.Enabled {
		var err error
		if db, err = store.Open(config.Store.Path); err != nil {
			return fmt.Errorf("failed to open store %s: %w", config.Store.Path, err)
		}
		defer db.Close()
	}

	var publisher *mqtt.Client
	if config.MQTT.Enabled {
		publisher = mqtt.NewClient(config.MQTT)
		if err := publisher.Start(); err != nil {
			return err
		}
		defer publisher.Stop()
	}

	handler := func(snapshot common.Snapshot) error {
		fmt.Print(capture.FormatSnapshot(snapshot))
		if db != nil {
			if _, err := db.SaveSnapshot(ctx, snapshot); err != nil {
				logger.Printf("Failed to store snapshot: %v", err)
			}
		}
		if publisher != nil {
			publisher.Enqueue(snapshot)
		}
		if once {
			return capture.ErrStopped
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return captureLoop(gctx, orchestrator, handler, config.Capture.ReconnectInterval)
	})
	if publisher != nil {
		g.Go(func() error {
			return watchCommands(gctx, publisher.Commands(), cancel)
		})
	}

	logger.Println("OBD capture started. Press Ctrl+C to stop.")
	err := g.Wait()
	logger.Printf("OBD capture stopped (state: %s)", orchestrator.State())
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
