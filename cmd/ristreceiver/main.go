// Command ristreceiver listens on a single rist:// input address,
// reassembles the reliable stream, and writes the in-order payload to
// standard output. Flag set mirrors
// original_source/tools/ristsender.c's long_options table plus
// --miface for multicast interface selection on the receive side.
package main

import (
	"bufio"
	"flag"
	"io"
	"net"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rist-go/rist/pkg/flowtable"
	"github.com/rist-go/rist/pkg/rist"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, output io.Writer) int {
	fs := flag.NewFlagSet("ristreceiver", flag.ContinueOnError)
	file := fs.String("file", "", "YAML config file")
	inputURL := fs.String("inputurl", "", "rist:// input URL to listen on (mandatory)")
	secret := fs.String("secret", "", "default pre-shared encryption secret")
	encType := fs.Int("encryption-type", 0, "AES key size in bits used when --secret is set: 256, otherwise 128")
	profileFlag := fs.String("profile", "simple", "rist profile: simple or main")
	miface := fs.String("miface", "", "multicast interface to join --inputurl on, if multicast")
	statsInterval := fs.Duration("stats", time.Second, "interval at which stats are reported, 0 to disable")
	verboseLevel := fs.Int("verbose-level", int(log.InfoLevel), "log level number (0 = info; lower is more verbose)")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "ristreceiver"})
	logger.SetLevel(log.Level(*verboseLevel))

	if *file != "" {
		cfg, err := rist.LoadFileConfig(*file)
		if err != nil {
			logger.Errorf("%v", err)
			return 1
		}
		applyFileDefaults(cfg, inputURL, secret, profileFlag, statsInterval)
	}

	if *inputURL == "" {
		logger.Error("--inputurl is mandatory")
		return 1
	}

	profile, err := rist.ProfileFromString(*profileFlag)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}

	listenCfg, err := rist.ParsePeerURL(*inputURL)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	listenAddr := &net.UDPAddr{IP: net.IPv4zero, Port: listenCfg.Address.Port}
	if listenCfg.Address.IP.IsMulticast() {
		listenAddr = listenCfg.Address
	}

	ctx := rist.ReceiverCreate(profile, rist.Flags{
		ListenAddr:         listenAddr,
		MulticastInterface: *miface,
		Secret:             *secret,
		KeySize:            encryptionKeySize(*encType),
		StatsInterval:      *statsInterval,
	}, logger)

	ctx.StatsCallbackSet(func(snaps []flowtable.Snapshot) {
		for _, s := range snaps {
			logger.Infof("flow=%d outstanding_nacks=%d buffer_occupancy=%d", s.FlowID, s.OutstandingNacks, s.BufferOccupancy)
		}
	})

	if err := ctx.Start(); err != nil {
		logger.Errorf("start: %v", err)
		return 2
	}
	defer ctx.Destroy()

	return drain(ctx, output, logger)
}

// drain reads in-order payloads from the receiver context and writes
// them to output until the context is destroyed, per spec.md §4.9
// receiver_read.
func drain(ctx *rist.Context, output io.Writer, logger *log.Logger) int {
	w := bufio.NewWriter(output)
	defer w.Flush()
	for {
		payload, err := ctx.Read(0)
		if err == rist.ErrClosed {
			return 0
		}
		if err != nil {
			logger.Errorf("read: %v", err)
			return 2
		}
		if _, err := w.Write(payload); err != nil {
			logger.Errorf("write output: %v", err)
			return 2
		}
		if err := w.Flush(); err != nil {
			logger.Errorf("flush output: %v", err)
			return 2
		}
	}
}

func encryptionKeySize(encType int) rist.KeySize {
	if encType == 256 {
		return rist.KeySize256
	}
	return rist.KeySize128
}

func applyFileDefaults(cfg *rist.FileConfig, inputURL, secret, profileFlag *string, statsInterval *time.Duration) {
	if *inputURL == "" {
		*inputURL = cfg.InputURL
	}
	if *secret == "" {
		*secret = cfg.Secret
	}
	if *profileFlag == "simple" && cfg.Profile != "" {
		*profileFlag = cfg.Profile
	}
	if cfg.StatsIntervalMs > 0 && *statsInterval == time.Second {
		*statsInterval = time.Duration(cfg.StatsIntervalMs) * time.Millisecond
	}
}
