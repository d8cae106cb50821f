package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tftp "github.com/benshields/tftp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("tftpd: exiting")
	}
}

func parseFlags(args []string) (tftp.Config, error) {
	cfg := tftp.DefaultConfig()
	fs := flag.NewFlagSet("tftpd", flag.ContinueOnError)
	port := fs.Int("port", 69, "UDP port to listen on for requests")
	host := fs.String("host", "", "address to listen on, empty for all interfaces")
	fs.StringVar(&cfg.Root, "root", "rw", "directory files are read from and written to")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "time to wait for an ACK or DATA before retransmitting")
	fs.IntVar(&cfg.MaxRetries, "retries", cfg.MaxRetries, "retransmissions of one packet before a transfer is abandoned")
	debug := fs.Bool("debug", false, "log dropped packets and retransmissions")
	jsonLogs := fs.Bool("json", false, "log in JSON")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: tftpd [flags] [port directory]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	// The positional form "tftpd 6969 files/" is kept for compatibility with older start scripts.
	switch fs.NArg() {
	case 0:
	case 2:
		p, err := strconv.Atoi(fs.Arg(0))
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid port %q", fs.Arg(0))
		}
		*port = p
		cfg.Root = fs.Arg(1)
	default:
		fs.Usage()
		return cfg, errors.New("expected either no arguments or a port and a directory")
	}
	if *port < 0 || *port > 65535 {
		return cfg, errors.Errorf("invalid port %d", *port)
	}
	cfg.Addr = net.JoinHostPort(*host, strconv.Itoa(*port))

	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	if *jsonLogs {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return cfg, cfg.Validate()
}

func run(cfg tftp.Config) error {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return errors.Wrap(err, "create served directory")
	}
	srv, err := tftp.NewServer(cfg, log.StandardLogger())
	if err != nil {
		return err
	}

	stop := make(chan tftp.CancelType, 1)
	done := srv.Serve(stop)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-done:
		return err
	case s := <-sig:
		log.WithField("signal", s.String()).Info("tftpd: stopping")
		stop <- tftp.Cancellation(tftp.ShutdownWithTimeout, shutdownTimeout)
		return <-done
	}
}
