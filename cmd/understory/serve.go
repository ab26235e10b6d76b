package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jward/understory"
	"github.com/jward/understory/internal/bridge"
	"github.com/jward/understory/internal/watch"
)

var (
	flagHost  string
	flagPort  int
	flagWatch string
)

// shutdownTimeout bounds how long serve waits for in-flight requests.
const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve analysis requests over HTTP and websocket",
	Long:  "Starts the bridge server. POST /request handles one request, GET /ws streams project runs. With --watch, file changes under the watched root invalidate cached state.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagHost, "host", "", "listen host (default server.host)")
	serveCmd.Flags().IntVar(&flagPort, "port", -1, "listen port, 0 for a free port (default server.port)")
	serveCmd.Flags().StringVar(&flagWatch, "watch", "", "watch this directory for changes")
}

// listenAddr merges flags over the configured address.
func listenAddr(host string, port int) string {
	if host == "" {
		host = appConfig.Server.Host
	}
	if port < 0 {
		port = appConfig.Server.Port
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func runServe(cmd *cobra.Command, args []string) error {
	w := stdout(cmd)
	logger := logrus.StandardLogger()

	engine, err := understory.New(
		understory.WithConfig(appConfig),
		understory.WithLogger(logger),
	)
	if err != nil {
		return outputError(w, "serve", err)
	}
	defer engine.Close()

	info := CLIServe{}
	if flagWatch != "" {
		root, err := resolveTargetDir([]string{flagWatch})
		if err != nil {
			return outputError(w, "serve", err)
		}
		watcher, err := watch.New(root, engine.HandleFileEvents,
			watch.WithDebounce(time.Duration(appConfig.Watch.DebounceMs)*time.Millisecond),
			watch.WithExclusions(appConfig.Analysis.Exclusions...),
			watch.WithLogger(logger),
		)
		if err != nil {
			return outputError(w, "serve", fmt.Errorf("watching %s: %w", root, err))
		}
		defer watcher.Close()
		info.Watch = root
	}

	srv := bridge.NewServer(engine, bridge.WithLogger(logger))
	if err := srv.Start(listenAddr(flagHost, flagPort)); err != nil {
		return outputError(w, "serve", err)
	}
	info.Address = srv.Addr()
	if err := outputResult(w, CLIResult{Command: "serve", Results: info}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
