// Package main - offline capture agent running beside the interviewer UI
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alwitt/fieldsync"
	"github.com/alwitt/fieldsync/api"
	"github.com/alwitt/fieldsync/queue"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"
	"github.com/spf13/pflag"
)

func setupLogging(level string, asJSON bool) {
	if asJSON {
		log.SetHandler(json.New(os.Stderr))
	} else {
		log.SetHandler(cli.New(os.Stderr))
	}
	log.SetLevelFromString(level)
}

/*
startService start the offline sync service. When the local store can't be opened the agent
keeps serving the control API without offline capture.

	@param ctx context.Context - execution context
	@param service *fieldsync.OfflineSyncService - the service
	@param logTags log.Fields - log tags
	@returns whether offline capture is available
*/
func startService(
	ctx context.Context, service *fieldsync.OfflineSyncService, logTags log.Fields,
) (bool, error) {
	err := service.Start(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, queue.ErrStoreUnavailable) {
		log.WithError(err).
			WithFields(logTags).
			Warn("Offline mode unavailable, serving the control API without the local store")
		return false, nil
	}
	return false, err
}

func main() {
	configFile := pflag.StringP("config", "c", "", "agent YAML config file")
	envFile := pflag.String("env-file", "", "optional dotenv file")
	pflag.Parse()

	config, err := loadConfig(*configFile, *envFile)
	if err != nil {
		log.WithError(err).Fatal("Failed to load agent config")
	}
	setupLogging(config.Log.Level, config.Log.JSON)

	logTags := log.Fields{"module": "main", "component": "fieldsync-agent"}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := fieldsync.NewOfflineSyncService(config.serviceParams())
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Failed to define offline sync service")
	}
	offlineReady, err := startService(runCtx, service, logTags)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Failed to start offline sync service")
	}

	server := &http.Server{
		Addr:              config.API.Listen,
		Handler:           api.NewRouter(service),
		ReadHeaderTimeout: time.Second * 10,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logTags).
			WithField("listen", config.API.Listen).
			WithField("offline_mode", offlineReady).
			Info("Control API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-runCtx.Done():
		log.WithFields(logTags).Info("Shutting down")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Control API failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).WithFields(logTags).Error("Control API shutdown failed")
	}
	if err := service.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Offline sync service shutdown failed")
	}
}
