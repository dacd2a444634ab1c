// Command btproxy is the thin CLI shim around the btproxy core: it owns
// process lifecycle, flag/config parsing and transport file wiring, none
// of which spec.md's core module descriptions cover (spec.md's own
// Non-goals call out "CLI parsing, process supervision" as out of
// scope for the core). Flag handling uses cobra, layered with Viper so
// flags, environment variables and a config file all populate the same
// Options struct.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	btproxy "github.com/XC-/btproxy"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BTPROXY")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "btproxy",
		Short: "Intercepting proxy between a Bluetooth host stack and controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("host-device", "", "path to the character device connected to the host stack")
	flags.String("controller-device", "", "path to the character device connected to the controller")
	flags.Uint16("le-credits", 1, "LE ACL send credits reserved for the proxy")
	flags.Uint16("br-edr-credits", 1, "BR/EDR ACL send credits reserved for the proxy")
	flags.Int("max-connections", 10, "maximum number of concurrently tracked ACL connections")
	flags.Int("tx-buffer-count", 10, "number of H4 Tx buffers in the shared pool")
	flags.Int("tx-buffer-size", 1026, "size in bytes of each H4 Tx buffer")
	flags.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")
	flags.String("log-level", "info", "logrus log level")

	v.BindPFlags(flags)
	v.SetConfigName("btproxy")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/btproxy")
	_ = v.ReadInConfig() // absence of a config file is not an error

	return cmd
}

func run(v *viper.Viper) error {
	log := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(v.GetString("log-level")); err == nil {
		log.SetLevel(lvl)
	}

	hostDevice := v.GetString("host-device")
	ctlDevice := v.GetString("controller-device")
	if hostDevice == "" || ctlDevice == "" {
		return fmt.Errorf("both --host-device and --controller-device are required")
	}

	hostFile, err := os.OpenFile(hostDevice, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening host device: %w", err)
	}
	defer hostFile.Close()

	ctlFile, err := os.OpenFile(ctlDevice, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening controller device: %w", err)
	}
	defer ctlFile.Close()

	opts := btproxy.DefaultOptions()
	opts.ACL.LECreditsToReserve = uint16(v.GetUint32("le-credits"))
	opts.ACL.BrEdrCreditsToReserve = uint16(v.GetUint32("br-edr-credits"))
	opts.ACL.MaxConnections = v.GetInt("max-connections")
	opts.TxBufferCount = v.GetInt("tx-buffer-count")
	opts.TxBufferSize = v.GetInt("tx-buffer-size")

	if addr := v.GetString("metrics-addr"); addr != "" {
		registry := prometheus.NewRegistry()
		opts.MetricsRegisterer = registry
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			log.WithField("addr", addr).Info("serving prometheus metrics")
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	proxy := btproxy.NewProxy(hostFile, hostFile, ctlFile, ctlFile, opts, log)
	log.Info("btproxy running")
	return proxy.Run()
}
