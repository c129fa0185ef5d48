package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/swdee/go-particlescope/inference"
	"github.com/swdee/go-particlescope/inference/blob"
)

func main() {

	addr := flag.String("a", "127.0.0.1:3034", "Address to serve inference requests on, format address:port")
	minArea := flag.Float64("m", 10, "Smallest particle area in pixels")
	invert := flag.Bool("i", false, "Segment dark particles on a bright background")
	category := flag.Int("c", 1, "Class index given to every particle")
	verbose := flag.Bool("v", false, "Enable debug logging")

	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	opts := blob.DefaultOptions()
	opts.MinArea = *minArea
	opts.Invert = *invert
	opts.Category = *category

	ln, err := net.Listen("tcp", *addr)

	if err != nil {
		logrus.Fatalf("error listening on %s: %v", *addr, err)
	}

	srv := inference.NewGRPCServer(blob.New(opts))

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		logrus.Info("shutting down")
		srv.GracefulStop()
	}()

	logrus.Infof("mock inference server listening on %s", ln.Addr())

	if err := srv.Serve(ln); err != nil {
		logrus.Fatal(err)
	}
}
