package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/config"
	"github.com/swdee/go-particlescope/pipeline"
)

var (
	// Version is the version number, injected via ldflags at build time
	Version = "dev"
)

func usage() {
	str := `particlescope acquires microscopy frames of a particle slurry, has them
segmented by a remote inference server and reports particle size
distributions live over HTTP.

Usage:
	particlescope [flags] <command>

Commands:
	run      start the pipeline
	mkconf   write the default settings to the config file
	conf     print the effective settings
	version  print the version
	help     print this text

Flags:`
	fmt.Fprintln(os.Stderr, str)
	flag.PrintDefaults()
}

func main() {

	confFile := flag.String("c", "particlescope.yml", "YAML settings file")
	envFile := flag.String("e", ".env", "Environment file with PSCOPE_ overrides")
	run := flag.String("r", "", "Name of the acquisition run, defaults to a random id")
	verbose := flag.Bool("v", false, "Enable debug logging")

	flag.Usage = usage
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cmd := flag.Arg(0)

	if cmd == "" || cmd == "help" {
		usage()
		return
	}

	if cmd == "version" {
		fmt.Printf("particlescope version %v\n", Version)
		return
	}

	// a missing .env file is fine
	if err := godotenv.Load(*envFile); err != nil {
		logrus.Debugf("no environment file loaded: %v", err)
	}

	store := config.New()
	subjects := ps.NewSubjects()

	// file values survive the defaults registered by the components
	if err := store.Load(*confFile); err != nil {
		logrus.Fatal(err)
	}

	app, err := pipeline.New(store, subjects, pipeline.Options{
		Names: ps.NewNameGenerator(*run),
	})

	if err != nil {
		logrus.Fatal(err)
	}

	// only registered keys are taken from the environment
	if err := store.LoadEnv(); err != nil {
		logrus.Fatal(err)
	}

	switch cmd {
	case "mkconf":
		mkconf(store, *confFile)

	case "conf":
		if err := store.Save(os.Stdout); err != nil {
			logrus.Fatal(err)
		}

	case "run":
		serve(app, store)

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
}

func mkconf(store *config.Store, path string) {

	f, err := os.Create(path)

	if err != nil {
		logrus.Fatal(err)
	}

	defer f.Close()

	if err := store.Save(f); err != nil {
		logrus.Fatal(err)
	}

	logrus.Infof("settings written to %s", path)
}

func serve(app *pipeline.App, store *config.Store) {

	if err := store.Watch(); err != nil {
		logrus.Warnf("settings file not watched: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app.Subjects().Warnings.Subscribe(bus.Immediate, func(msg string) {
		logrus.Warn(msg)
	})

	if err := app.Start(ctx); err != nil {
		logrus.Fatal(err)
	}

	go func() {
		if err := app.Monitor.ListenAndServe(); err != nil {
			logrus.Errorf("monitor: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	done := make(chan struct{})

	go func() {
		app.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logrus.Error("timed out waiting for the pipeline to stop")
	}
}
