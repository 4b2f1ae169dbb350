package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dig_container "github.com/encuestas/backend/apps/api/di/dig"
	echoapi "github.com/encuestas/backend/apps/api/echo"
	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/etl"
	"github.com/encuestas/backend/services/scheduler"
)

type syncer interface {
	Sync() error
}

func main() {
	c := dig_container.New()

	must(c.Invoke(func(
		conf *core.Config,
		apiLogger core.Logger,
		dbLoggerParam dig_container.DBLoggerParam,
		etlLoggerParam dig_container.ETLLoggerParam,
		db *sqlx.DB,
		runner *etl.Runner,
		server *echoapi.Server,
	) {
		// =========================================================================
		// Initialize App

		apiLogger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))

		dbLogger := dbLoggerParam.Logger
		defer func() {
			if err := db.Close(); err != nil {
				dbLogger.Fatal("Failed to close", err)
			}
		}()
		defer func() {
			apiLogger.Info("Application stopped")
			if s, ok := apiLogger.(syncer); ok {
				_ = s.Sync()
			}
		}()

		// =========================================================================
		// Start Debug Service
		//
		// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
		// /debug/vars - Added to the default mux by importing the expvar package.
		// /metrics - Prometheus collectors registered by the core packages.

		// Expose important info under /debug/vars.
		expvar.NewString("build").Set(conf.Build)
		expvar.NewString("env").Set(conf.Env)
		http.Handle("/metrics", promhttp.Handler())

		go func() {
			if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
				apiLogger.Error(fmt.Sprintf("debug server closed: %v", err), err)
			}
		}()

		// =========================================================================
		// Start ETL Scheduler

		var sched *scheduler.Scheduler
		if conf.ETL.Schedule != "" {
			var err error
			if sched, err = scheduler.New(conf.ETL.Schedule, runner, conf.ETL.LockTTL, etlLoggerParam.Logger); err != nil {
				apiLogger.Fatal(fmt.Sprintf("setting up etl scheduler: %v", err), err)
			}
			sched.Start()
			apiLogger.Info(fmt.Sprintf("ETL scheduled : %q", conf.ETL.Schedule))
		}

		// =========================================================================
		// Start API Service

		go func() {
			server.Start()
		}()

		// =========================================================================
		// Shutdown

		select {
		case err := <-server.Errors():
			apiLogger.Fatal(fmt.Sprintf("server error: %v", err), err)

		case sig := <-server.ShutdownSignal():
			apiLogger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

			// give outstanding requests a deadline for completion
			ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
			defer cancel()

			if sched != nil {
				if err := sched.Stop(ctx); err != nil {
					apiLogger.Warn(fmt.Sprintf("etl run still active at shutdown: %v", err), err)
				}
			}

			// asking listener to shut down and shed load
			if err := server.Shutdown(ctx); err != nil {
				apiLogger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

				if err = server.Close(); err != nil {
					apiLogger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
				}
			}
		}
	}))
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
