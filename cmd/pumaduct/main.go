package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/endl-ch/pumaduct/bridge"
	"github.com/endl-ch/pumaduct/imclient"
	"github.com/endl-ch/pumaduct/internal/config"
	"github.com/endl-ch/pumaduct/internal/loop"
	"github.com/endl-ch/pumaduct/matrix"
	"github.com/endl-ch/pumaduct/server/frontend"
	"github.com/endl-ch/pumaduct/store"
	"github.com/endl-ch/pumaduct/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "pumaduct",
	Short: "Application-service bridge between a Matrix home server and external IM networks.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Optional .env for local development; absence is fine.
		_ = godotenv.Load()
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		return run(viper.GetString("config"))
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "pumaduct.yaml", "path to the configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("pumaduct")
	viper.AutomaticEnv()
}

func run(configPath string) error {
	conf, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := config.SetupLogging(conf.LoggingConfigFile); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := db.NewDriver(conf.DBSpec)
	if err != nil {
		slog.Error("failed to create db driver", "error", err)
		return err
	}
	st := store.New(driver)
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		slog.Error("failed to migrate", "error", err)
		return err
	}

	clients := map[string]imclient.Client{}
	for _, netConf := range conf.Networks {
		if _, ok := clients[netConf.Client]; ok {
			continue
		}
		client, err := imclient.Open(netConf.Client)
		if err != nil {
			slog.Error("failed to open im client", "client", netConf.Client, "error", err)
			return err
		}
		clients[netConf.Client] = client
	}
	defer func() {
		for key, client := range clients {
			if err := client.Close(); err != nil {
				slog.Warn("failed to close im client", "client", key, "error", err)
			}
		}
	}()

	lp := loop.New()
	matrixClient := matrix.NewClient(conf.HSServer, conf.ASAccessToken, conf.VerifyHSCert)
	backend, err := bridge.NewBackend(ctx, conf, lp, matrixClient, clients, st)
	if err != nil {
		slog.Error("failed to create backend", "error", err)
		return err
	}

	fe := frontend.New(conf, backend)
	fe.Start()

	c := make(chan os.Signal, 1)
	signal.Notify(c, terminationSignals...)
	go func() {
		<-c
		slog.Info("shutdown requested")
		if err := fe.Shutdown(context.Background()); err != nil {
			slog.Warn("frontend shutdown failed", "error", err)
		}
		backend.Stop()
		waitForShutdown(backend, conf)
		if err := backend.Close(); err != nil {
			slog.Warn("backend close failed", "error", err)
		}
		lp.Quit()
	}()

	// Start the layers from the loop so all state mutation stays there,
	// then hand the goroutine to the loop until shutdown.
	lp.Post(func() {
		if err := backend.Start(); err != nil {
			slog.Error("failed to start backend", "error", err)
			lp.Quit()
		}
	})
	fmt.Printf("PuMaDuct listening on %s:%d\n", conf.BindAddress, conf.Port)
	lp.Run(ctx)
	return nil
}

// waitForShutdown polls the layers until they report stopped or the
// deadline passes; a wedged back-end should not block process exit.
func waitForShutdown(backend *bridge.Backend, conf *config.Config) {
	deadline := time.Now().Add(conf.ShutdownDeadline())
	for time.Now().Before(deadline) {
		if backend.Stopped() {
			return
		}
		time.Sleep(conf.ShutdownPoll())
	}
	slog.Warn("shutdown deadline exceeded, forcing exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
