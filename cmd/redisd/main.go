package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"redisd/internal/logging"
	"redisd/internal/server"
)

func main() {
	var (
		dir        string
		dbFilename string
		port       int
		replicaOf  string
	)

	pflag.StringVarP(&dir, "dir", "d", "", "directory containing the RDB snapshot")
	pflag.StringVarP(&dbFilename, "dbfilename", "f", "", "RDB snapshot file name")
	pflag.IntVarP(&port, "port", "p", 6379, "port to listen on")
	pflag.StringVarP(&replicaOf, "replicaof", "r", "", `become a replica of "HOST PORT"`)
	pflag.Parse()

	log := logging.New()

	cfg := server.Config{
		Host:       "127.0.0.1",
		Port:       strconv.Itoa(port),
		Dir:        dir,
		DBFilename: dbFilename,
	}

	if replicaOf != "" {
		host, masterPort, err := parseReplicaOf(replicaOf)
		if err != nil {
			log.WithError(err).Fatal("main: invalid --replicaof value")
		}
		cfg.MasterHost = host
		cfg.MasterPort = masterPort
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("main: failed to initialize server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("main: shutting down")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		log.WithError(err).Fatal("main: server exited with error")
	}
}

// parseReplicaOf splits the "HOST PORT" form -r/--replicaof takes.
func parseReplicaOf(value string) (host, port string, err error) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return "", "", errReplicaOfFormat{value}
	}
	return fields[0], fields[1], nil
}

type errReplicaOfFormat struct{ value string }

func (e errReplicaOfFormat) Error() string {
	return `--replicaof expects "HOST PORT", got "` + e.value + `"`
}
