package cmd

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/whisper-darkly/taskflow/auth"
	"github.com/whisper-darkly/taskflow/dotenv"
	"github.com/whisper-darkly/taskflow/logging"
	"github.com/whisper-darkly/taskflow/middleware"
	"github.com/whisper-darkly/taskflow/notify"
	"github.com/whisper-darkly/taskflow/router"
	"github.com/whisper-darkly/taskflow/tailer"
	"github.com/whisper-darkly/taskflow/workspace"
)

var webCmd = &cobra.Command{
	Use:   "web [config.yml]",
	Short: "Serve the web dashboard",
	Long: `Serve the REST API, the WebSocket streams, and the built front-end.

The workspace directory holds the queue manifest, per-task logs, and the
auth state; it defaults to $TASKFLOW_WORKSPACE or the working directory.
A config path given on the command line is added as a queue and selected.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWeb(args)
	},
}

var (
	webWorkspace string
	webHost      string
	webPort      string
	webReload    bool
)

func init() {
	webCmd.Flags().StringVarP(&webWorkspace, "workspace", "w", "",
		"workspace directory (default $TASKFLOW_WORKSPACE or the working directory)")
	webCmd.Flags().StringVar(&webHost, "host", "",
		"bind address (default $TASKFLOW_HOST or 0.0.0.0)")
	webCmd.Flags().StringVarP(&webPort, "port", "p", "",
		"listen port (default $TASKFLOW_PORT or 8080)")
	webCmd.Flags().BoolVar(&webReload, "reload", false,
		"accepted for compatibility with dev tooling, has no effect")
}

func runWeb(args []string) error {
	wsDir := webWorkspace
	if wsDir == "" {
		wsDir = env("TASKFLOW_WORKSPACE", "")
	}
	if wsDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		wsDir = wd
	}
	host := webHost
	if host == "" {
		host = env("TASKFLOW_HOST", "0.0.0.0")
	}
	port := webPort
	if port == "" {
		port = env("TASKFLOW_PORT", "8080")
	}

	mainLog, err := logging.Setup(wsDir)
	if err != nil {
		return err
	}
	logrus.Infof("taskflow %s", version)
	if webReload {
		logrus.Info("--reload has no effect on a compiled binary")
	}

	if _, err := dotenv.Apply(wsDir); err != nil {
		logrus.Warnf("load .env: %v", err)
	}

	ws, err := workspace.Open(wsDir, notify.NewClient(env("TASKFLOW_PUSH_ENDPOINT", "")))
	if err != nil {
		return err
	}

	if len(args) == 1 {
		if _, err := ws.EnsureQueue(args[0]); err != nil {
			ws.Shutdown()
			return err
		}
	}

	handler := middleware.RequestLog(router.New(router.Deps{
		Workspace: ws,
		Auth:      auth.NewStore(wsDir),
		Tailer:    tailer.New(),
		MainLog:   mainLog,
		StaticDir: env("TASKFLOW_STATIC_DIR", "./static"),
		Version:   version,
	}))

	srv := &http.Server{
		Addr:    net.JoinHostPort(host, port),
		Handler: handler,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		ws.Shutdown()
		return err
	case <-sigCh:
	}
	logrus.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logrus.Warnf("http shutdown: %v", err)
	}
	ws.Shutdown()
	return nil
}
