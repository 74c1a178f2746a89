// Command ristsender reads from a local input and forwards it,
// reliably, to one or more rist:// output peers. Its flag set mirrors
// original_source/tools/ristsender.c's long_options table; all the
// actual work happens in pkg/rist, pkg/send, and pkg/peer — this main
// is glue, per the teacher's own thin-cmd style (ping/ping.go,
// mailproxy/mailproxy.go build a client context from flags and loop).
package main

import (
	"bufio"
	"flag"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rist-go/rist/pkg/flowtable"
	"github.com/rist-go/rist/pkg/rist"
)

// chunkSize is the maximum application payload handed to sender_write
// per read, kept under MaxPacketSize so the codec never has to split
// a write across multiple datagrams.
const chunkSize = rist.MaxPacketSize - 64

func main() {
	os.Exit(run(os.Args[1:], os.Stdin))
}

func run(args []string, input io.Reader) int {
	fs := flag.NewFlagSet("ristsender", flag.ContinueOnError)
	file := fs.String("file", "", "YAML config file")
	outputURL := fs.String("outputurl", "", "comma-separated list of output rist:// URLs (mandatory)")
	secret := fs.String("secret", "", "default pre-shared encryption secret")
	encType := fs.Int("encryption-type", 0, "AES key size in bits used when --secret is set: 256, otherwise 128")
	profileFlag := fs.String("profile", "simple", "rist profile: simple or main")
	npd := fs.Bool("null-packet-deletion", false, "enable null-packet deletion")
	statsInterval := fs.Duration("stats", time.Second, "interval at which stats are reported, 0 to disable")
	verboseLevel := fs.Int("verbose-level", int(log.InfoLevel), "log level number (0 = info; lower is more verbose)")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "ristsender"})
	logger.SetLevel(log.Level(*verboseLevel))

	if *file != "" {
		cfg, err := rist.LoadFileConfig(*file)
		if err != nil {
			logger.Errorf("%v", err)
			return 1
		}
		applyFileDefaults(cfg, outputURL, secret, profileFlag, npd, statsInterval)
	}

	if *outputURL == "" {
		logger.Error("--outputurl is mandatory")
		return 1
	}

	profile, err := rist.ProfileFromString(*profileFlag)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}

	ctx := rist.SenderCreate(profile, rist.Flags{
		NPDEnabled:    *npd,
		Secret:        *secret,
		KeySize:       encryptionKeySize(*encType),
		StatsInterval: *statsInterval,
	}, logger)

	for _, u := range strings.Split(*outputURL, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		cfg, err := rist.ParsePeerURL(u)
		if err != nil {
			logger.Errorf("%v", err)
			return 1
		}
		if _, err := ctx.PeerCreate(cfg); err != nil {
			logger.Errorf("peer_create %s: %v", u, err)
			return 1
		}
	}

	ctx.StatsCallbackSet(func(snaps []flowtable.Snapshot) {
		for _, s := range snaps {
			logger.Infof("flow=%d originals=%d retransmitted=%d nack_misses=%d cache=%d",
				s.FlowID, s.SendStats.Originals, s.SendStats.Retransmitted, s.SendStats.NackMisses, s.SendStats.CacheSize)
		}
	})

	if err := ctx.Start(); err != nil {
		logger.Errorf("start: %v", err)
		return 2
	}
	defer ctx.Destroy()

	return pump(ctx, input, logger)
}

// pump reads chunks from input (standard input; no udp:// or rtp://
// input source is opened) and hands each one to the sender context,
// per spec.md §4.9 sender_write.
func pump(ctx *rist.Context, input io.Reader, logger *log.Logger) int {
	r := bufio.NewReaderSize(input, chunkSize)
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := ctx.Write(buf[:n], true); werr != nil {
				logger.Errorf("write: %v", werr)
				return 2
			}
		}
		if err == io.EOF {
			return 0
		}
		if err != nil {
			logger.Errorf("read: %v", err)
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

func applyFileDefaults(cfg *rist.FileConfig, outputURL, secret, profileFlag *string, npd *bool, statsInterval *time.Duration) {
	if *outputURL == "" {
		*outputURL = cfg.OutputURL
	}
	if *secret == "" {
		*secret = cfg.Secret
	}
	if *profileFlag == "simple" && cfg.Profile != "" {
		*profileFlag = cfg.Profile
	}
	if !*npd {
		*npd = cfg.NullPacketDeletion
	}
	if cfg.StatsIntervalMs > 0 && *statsInterval == time.Second {
		*statsInterval = time.Duration(cfg.StatsIntervalMs) * time.Millisecond
	}
}
