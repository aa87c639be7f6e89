// Command rft is the server and client CLI for the RFT file-transfer
// protocol: "rft serve" runs an endpoint against a root directory; "rft
// get/put/ls/rm/stat" drive a client Session against a running server.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"net/http"

	"github.com/gierens/rft/internal/clock"
	"github.com/gierens/rft/pkg/config"
	"github.com/gierens/rft/pkg/endpoint"
	"github.com/gierens/rft/pkg/exporter"
	"github.com/gierens/rft/pkg/flowctl"
	"github.com/gierens/rft/pkg/rftfs"
)

// exit codes, per the CLI's external interface.
const (
	exitOK         = 0
	exitCommand    = 1
	exitUsage      = 2
	exitConnection = 3
)

func main() {
	os.Exit(run())
}

// logLevelFlag is a pflag.Value so an invalid --log-level is rejected by
// cobra's own flag parsing rather than silently falling back later.
type logLevelFlag string

var _ pflag.Value = (*logLevelFlag)(nil)

func (l *logLevelFlag) String() string { return string(*l) }
func (l *logLevelFlag) Type() string   { return "level" }
func (l *logLevelFlag) Set(v string) error {
	if v != "" {
		if _, err := logrus.ParseLevel(v); err != nil {
			return fmt.Errorf("log-level: %w", err)
		}
	}
	*l = logLevelFlag(v)
	return nil
}

func run() int {
	var logLevel logLevelFlag

	root := &cobra.Command{
		Use:          "rft",
		Short:        "RFT reliable file transfer",
		SilenceUsage: true,
	}
	root.PersistentFlags().Var(&logLevel, "log-level", "log level: debug, info, warn, error (default: RFT_LOG_LEVEL or info)")

	root.AddCommand(
		newServeCmd(&logLevel),
		newGetCmd(&logLevel),
		newPutCmd(&logLevel),
		newLsCmd(&logLevel),
		newRmCmd(&logLevel),
		newStatCmd(&logLevel),
	)

	if err := root.Execute(); err != nil {
		return classifyExit(err)
	}
	return exitOK
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func classifyExit(err error) int {
	if ee, ok := err.(*exitError); ok {
		return ee.code
	}
	return exitUsage
}

func newServeCmd(logLevel *logLevelFlag) *cobra.Command {
	var listen, rootDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run an RFT server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := config.NewLogger(string(*logLevel))
			fs, err := rftfs.New(rootDir)
			if err != nil {
				return &exitError{exitUsage, fmt.Errorf("rft: invalid root: %w", err)}
			}

			conn, err := net.ListenPacket("udp", listen)
			if err != nil {
				return &exitError{exitConnection, fmt.Errorf("rft: listening on %s: %w", listen, err)}
			}

			ep := endpoint.New(conn, fs, flowctl.DefaultMSS, clock.Real{}, log.WithField("component", "endpoint"))
			serveMetrics(ep, log)

			log.WithFields(map[string]any{"listen": listen, "root": rootDir}).Info("rft server starting")
			if err := ep.Serve(context.Background()); err != nil {
				return &exitError{exitConnection, err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":9661", "UDP address to listen on")
	cmd.Flags().StringVar(&rootDir, "root", ".", "server root directory")
	return cmd
}

// serveMetrics exposes the flow-control gauges described in the external
// interfaces section on /metrics, tracking every connection ep opens.
func serveMetrics(ep *endpoint.Endpoint, log interface{ Warnf(string, ...any) }) {
	exp := exporter.NewConnectionCollector("rft_", []string{"cid", "peer"}, prometheus.Labels{})
	prometheus.MustRegister(exp)
	ep.SetMetrics(exp)
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9662", nil); err != nil {
			log.Warnf("metrics server stopped: %v", err)
		}
	}()
}

func dial(server string, logLevel *logLevelFlag) (*endpoint.Session, error) {
	log := config.NewLogger(string(*logLevel))
	sess, err := endpoint.Dial(context.Background(), server, clock.Real{}, log.WithField("component", "session"))
	if err != nil {
		return nil, &exitError{exitConnection, err}
	}
	return sess, nil
}

func newGetCmd(logLevel *logLevelFlag) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "get <remote-path>...",
		Short: "download one or more files from the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dial(server, logLevel)
			if err != nil {
				return err
			}
			defer sess.Close()
			for _, remote := range args {
				local := filepath.Base(remote)
				if err := sess.Get(remote, local); err != nil {
					return &exitError{exitCommand, err}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", remote, local)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server address, host:port")
	cmd.MarkFlagRequired("server")
	return cmd
}

func newPutCmd(logLevel *logLevelFlag) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "put <local-path>...",
		Short: "upload one or more files to the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dial(server, logLevel)
			if err != nil {
				return err
			}
			defer sess.Close()
			for _, local := range args {
				remote := filepath.Base(local)
				if err := sess.Put(local, remote); err != nil {
					return &exitError{exitCommand, err}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", local, remote)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server address, host:port")
	cmd.MarkFlagRequired("server")
	return cmd
}

func newLsCmd(logLevel *logLevelFlag) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "ls <remote-dir>",
		Short: "list a remote directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dial(server, logLevel)
			if err != nil {
				return err
			}
			defer sess.Close()
			entries, err := sess.List(args[0])
			if err != nil {
				return &exitError{exitCommand, err}
			}
			for _, e := range entries {
				kind := "f"
				if e.IsDir {
					kind = "d"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %10d %s\n", kind, e.Size, e.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server address, host:port")
	cmd.MarkFlagRequired("server")
	return cmd
}

func newRmCmd(logLevel *logLevelFlag) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "rm <remote-path>",
		Short: "delete a remote file or empty directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dial(server, logLevel)
			if err != nil {
				return err
			}
			defer sess.Close()
			if err := sess.Delete(args[0]); err != nil {
				return &exitError{exitCommand, err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server address, host:port")
	cmd.MarkFlagRequired("server")
	return cmd
}

func newStatCmd(logLevel *logLevelFlag) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "stat <remote-path>",
		Short: "show metadata for a remote path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dial(server, logLevel)
			if err != nil {
				return err
			}
			defer sess.Close()
			entry, err := sess.Stat(args[0])
			if err != nil {
				return &exitError{exitCommand, err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "name: %s\nsize: %d\ndir: %v\nmodtime: %s\n", entry.Name, entry.Size, entry.IsDir, entry.ModTime)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server address, host:port")
	cmd.MarkFlagRequired("server")
	return cmd
}
