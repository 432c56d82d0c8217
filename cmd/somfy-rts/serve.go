package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shaunagostinho/somfy-rts/internal/config"
	"github.com/shaunagostinho/somfy-rts/internal/controller"
	"github.com/shaunagostinho/somfy-rts/internal/dongle"
	"github.com/shaunagostinho/somfy-rts/internal/journal"
	"github.com/shaunagostinho/somfy-rts/internal/metrics"
	"github.com/shaunagostinho/somfy-rts/internal/mqtt"
	"github.com/shaunagostinho/somfy-rts/internal/server"
	"github.com/shaunagostinho/somfy-rts/internal/simulator"
	"github.com/shaunagostinho/somfy-rts/web"
)

var (
	mqttSpec   string
	listenAddr string
	noHTTP     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the dongle open and serve HTTP, WebSocket and MQTT",
	Long: `Keep the dongle open and expose it to other programs.

The dongle is reconnected automatically when it is unplugged. Paired blinds
are announced to Home Assistant through MQTT discovery when a broker is
configured, either in the config file or with --mqtt id:host:port.`,
	Example: `  # HTTP only, auto-detected dongle
  somfy-rts serve

  # Home Assistant bridge on a local broker
  somfy-rts serve --mqtt somfy:localhost:1883

  # Try it without hardware
  somfy-rts serve --demo --listen :8081`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&mqttSpec, "mqtt", "", "MQTT broker as id:host:port (enables the bridge)")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Override listen address (e.g. :8080)")
	serveCmd.Flags().BoolVar(&noHTTP, "no-http", false, "Disable the HTTP server")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	log.Info("somfy-rts starting", zap.String("version", version))

	if mqttSpec != "" {
		spec, err := mqtt.ParseBrokerSpec(mqttSpec)
		if err != nil {
			return err
		}
		cfg.MQTT.Enabled = true
		cfg.MQTT.ClientID = spec.ClientID
		cfg.MQTT.Broker = spec.URL()
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if noHTTP {
		cfg.Server.Enabled = false
	}

	format, err := dongle.ParseWireFormat(cfg.Dongle.WireFormat)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	jr := journal.New(journal.Config{
		Enabled: cfg.Journal.Enabled,
		Path:    cfg.Journal.Path,
		MaxRows: cfg.Journal.MaxRows,
	}, log.Named("journal"))
	defer jr.Close()

	opener := controller.SerialOpener(cfg.Dongle.PortPath)
	if cfg.Dongle.Demo {
		log.Info("using simulated dongle")
		opener = controller.SimulatorOpener(simulator.New(simulator.Options{Paired: 3, MaxChunk: 8}))
	}

	ctl := controller.New(opener, controller.Options{
		Format:    format,
		RateLimit: cfg.Dongle.RateLimit,
		Burst:     cfg.Dongle.Burst,
		MaxBlind:  cfg.Dongle.MaxBlind,
		Logger:    log,
		Metrics:   m,
		Journal:   jr,
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	// The dongle connects in the background; HTTP and MQTT start regardless.
	run("controller", ctl.Run)

	if cfg.MQTT.Enabled {
		bridge := mqtt.New(cfg.MQTT, ctl, log, m)
		run("mqtt", bridge.Run)
	}

	if cfg.Server.Enabled {
		srv := server.New(cfg, ctl, reg, web.FS, log)
		srv.OnConfigChange = func(c *config.Config) {
			jr.SetEnabled(c.Journal.Enabled)
		}
		run("server", srv.Run)
	}

	<-ctx.Done()
	wg.Wait()
	close(errCh)
	if err, ok := <-errCh; ok {
		return err
	}
	return nil
}
