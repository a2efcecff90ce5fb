package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/redwire/storage"
	"github.com/luma/redwire/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The port to listen for RESP clients on
	port int

	// Run a single listener without SO_REUSEPORT
	noReuseport bool

	// A keyspace backup to restore on start and write on shutdown
	snapshot string
)

func init() {
	flags := ServeCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 6379, "The port to listen client connections on")
	flags.StringVar(&httpPort, "http-port", "", "The port to listen to HTTP requests on (default REDWIRE_HTTP_PORT)")
	flags.StringVarP(&host, "host", "a", "127.0.0.1", "The host to listen on")
	flags.BoolVar(&noReuseport, "no-reuseport", false, "Use one listener without SO_REUSEPORT")
	flags.StringVar(&snapshot, "snapshot", "", "A JSON keyspace file to restore on start and save on shutdown")
}

var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start up a development RESP server",
	Long: `Start up a development RESP server

It keeps its keyspace in memory and answers PING, ECHO, QUIT, GET, SET, DEL,
EXISTS, INCR, PUBLISH, SUBSCRIBE, PSUBSCRIBE and MONITOR. A debug HTTP server
runs alongside it.

Usage
	redwire serve
	redwire serve --port 6380 --snapshot keys.json

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		if httpPort == "" {
			httpPort = conf.HTTPPort
		}

		store := storage.NewInmemoryStore()
		defer store.Close()

		if snapshot != "" {
			if err := restoreSnapshot(store, snapshot); err != nil {
				return err
			}
		}

		tcp := transport.NewTCP(transport.Options{
			Host:      host,
			Port:      port,
			Reuseport: !noReuseport,
			Trace:     conf.LogLevel == "debug",
			Store:     store,
			Log:       log.Named("transport"),
		})

		if err := tcp.Start(ctx); err != nil {
			return err
		}

		router := setupRouter(conf.DebugHTTP, log)
		addRoutes(router, tcp)

		s := &http.Server{
			Addr:    net.JoinHostPort(host, httpPort),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		log.Info("Listening",
			zap.String("addr", tcp.Addr()),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the servers they have 5 seconds to finish
		// what they are currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if herr := s.Shutdown(shutdownCtx); herr != nil {
			log.Error("Http server forced to shutdown", zap.Error(herr))
		}

		// The context above is already done for long lived subscribers, close
		// them straight away
		if terr := tcp.Close(); terr != nil {
			log.Error("TCP server forced to shutdown", zap.Error(terr))
		}

		if snapshot != "" {
			err = multierr.Append(err, saveSnapshot(store, snapshot))
		}

		log.Info("Exiting")
		return err
	},
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - RFC3339 with UTC time format.
	//   - Skips the health check.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/health"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func addRoutes(router *gin.Engine, tcp *transport.TCP) {
	// Ping test
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"addr":        tcp.Addr(),
			"connections": tcp.NumConns(),
		})
	})

	// The whole keyspace, as the JSON document the store keeps
	router.GET("/keys", func(c *gin.Context) {
		backup, err := tcp.Store().Backup()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.Data(http.StatusOK, "application/json; charset=utf-8", pretty.Pretty(backup))
	})

	router.GET("/keys/:key", func(c *gin.Context) {
		value, ok, err := tcp.Store().Get(c.Request.Context(), []byte(c.Param("key")))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such key"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "value": string(value)})
	})
}

func restoreSnapshot(store storage.Store, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Info("No snapshot to restore", zap.String("path", path))
		return nil
	}

	if err != nil {
		return err
	}

	if err := store.Restore(data); err != nil {
		return err
	}

	log.Info("Restored snapshot", zap.String("path", path))
	return nil
}

func saveSnapshot(store storage.Store, path string) error {
	backup, err := store.Backup()
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, pretty.Pretty(backup), 0600); err != nil {
		return err
	}

	log.Info("Saved snapshot", zap.String("path", path))
	return nil
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
