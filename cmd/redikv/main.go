// Command redikv runs a single redikv server process, either as a leader
// or, given --replicaof, as a follower of one.
package main

import (
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"redikv/internal/config"
	"redikv/internal/server"
)

var errInvalidReplicaOf = errors.New("replicaof must be in the form \"<host> <port>\"")

func main() {
	port := flag.Int("port", 6379, "port to listen on")
	host := flag.String("host", "0.0.0.0", "address to listen on")
	replicaOf := flag.String("replicaof", "", "leader to follow, as \"<host> <port>\"")
	dir := flag.String("dir", ".", "directory reported in INFO")
	dbFilename := flag.String("dbfilename", "dump.rdb", "filename reported in INFO")
	replRateLimit := flag.Int64("repl-rate-limit-bytes", 0, "per-follower propagation rate limit in bytes/sec; 0 disables")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.Default()
	cfg.Host = *host
	cfg.Port = *port
	cfg.Dir = *dir
	cfg.DBFilename = *dbFilename
	cfg.ReplRateLimitBytes = *replRateLimit

	if *replicaOf != "" {
		target, err := parseReplicaOf(*replicaOf)
		if err != nil {
			log.WithError(err).Fatal("invalid --replicaof")
		}
		cfg.ReplicaOf = target
	}

	srv := server.New(cfg, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		srv.Shutdown()
		os.Exit(0)
	}()

	if err := srv.Start(); err != nil {
		if errors.Is(err, net.ErrClosed) {
			// Shutdown closed the listener; the signal handler above
			// finishes the shutdown and exits the process.
			select {}
		}
		log.WithError(err).Fatal("server exited")
	}
}

func parseReplicaOf(s string) (*config.ReplicaOf, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return nil, errInvalidReplicaOf
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, err
	}
	return &config.ReplicaOf{Host: fields[0], Port: port}, nil
}
