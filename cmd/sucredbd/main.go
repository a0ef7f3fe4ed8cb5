// cmd/sucredbd is the node daemon's entry point, built with Cobra.
//
// Usage:
//
//	sucredbd init-cluster --config sucredb.yaml --partitions 64 --replication-factor 3
//	sucredbd serve --config sucredb.yaml
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sucredb/sucredb/internal/client"
	"github.com/sucredb/sucredb/internal/config"
	"github.com/sucredb/sucredb/internal/server"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "sucredbd",
		Short: "sucredb replication and anti-entropy node daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "sucredb.yaml", "path to the node's YAML config file")

	root.AddCommand(serveCmd(), initClusterCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logrus.NewEntry(log)
}

func serveCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the node, serving client requests and anti-entropy traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load(configPath)
			if err != nil {
				logger.WithError(err).Warn("loading config failed, falling back to defaults")
				cfg = config.Default()
			}

			node, err := server.New(cfg, logger)
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				go serveMetrics(metricsAddr, logger)
			}

			clientSrv := client.New(node, cfg, logger.WithField("component", "client"))
			go func() {
				if err := clientSrv.ListenAndServe(cfg.ListenAddr); err != nil {
					logger.WithError(err).Error("client listener stopped")
				}
			}()
			logger.WithField("addr", cfg.ListenAddr).Info("client protocol listening")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info("shutting down")
				_ = clientSrv.Close()
				node.Stop()
			}()

			return node.Serve()
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address to serve Prometheus /metrics on, empty to disable")
	return cmd
}

func serveMetrics(addr string, logger *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.WithField("addr", addr).Info("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.WithError(err).Error("metrics listener stopped")
	}
}

func initClusterCmd() *cobra.Command {
	var partitions, replicationFactor int
	cmd := &cobra.Command{
		Use:   "init-cluster",
		Short: "write a fresh config file for a new cluster's first node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.Partitions = partitions
			cfg.ReplicationFactor = replicationFactor

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if err := os.WriteFile(configPath, out, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s (partitions=%d, replication_factor=%d)\n", configPath, partitions, replicationFactor)
			return nil
		},
	}
	cmd.Flags().IntVar(&partitions, "partitions", config.DefaultPartitions, "number of vnode partitions")
	cmd.Flags().IntVar(&replicationFactor, "replication-factor", config.DefaultReplicationFactor, "number of replicas per partition")
	return cmd
}
