package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cli holds the full runtime configuration, populated from flags and
// environment variables in main.
type Cli struct {
	HTTPAddress string
	PromPort    int
	PprofPort   int

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AMQPUrl        string
	MessageTTL     time.Duration
	MaxAttempts    int
	BackoffDelay   time.Duration
	JobTimeout     time.Duration
	IntakeWorkers  int
	BitrateWorkers int

	ObjectStoreURL string
	StorageDir     string

	FFmpegPath  string
	FFprobePath string

	SegmentDuration int
	Bitrates        []int
	CacheTTL        time.Duration
	PreloadSegments int

	DevMode bool
}

// IsLocalStore reports whether artifacts are written straight to the
// local filesystem rather than uploaded to a remote bucket.
func (cli *Cli) IsLocalStore() bool {
	return !strings.Contains(cli.ObjectStoreURL, "://") ||
		strings.HasPrefix(cli.ObjectStoreURL, "file://")
}

// LocalStorePath returns the filesystem root of a local object store.
// Only meaningful when IsLocalStore is true.
func (cli *Cli) LocalStorePath() string {
	return strings.TrimPrefix(cli.ObjectStoreURL, "file://")
}

// CommaIntSliceFlag registers a flag that parses a comma-separated list
// of integers, e.g. -bitrates 64,128,256.
func CommaIntSliceFlag(fs *flag.FlagSet, dest *[]int, name string, value []int, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		split := strings.Split(s, ",")
		out := make([]int, 0, len(split))
		for _, str := range split {
			str = strings.TrimSpace(str)
			if str == "" {
				continue
			}
			n, err := strconv.Atoi(str)
			if err != nil {
				return fmt.Errorf("invalid integer %q in flag -%s: %w", str, name, err)
			}
			out = append(out, n)
		}
		if len(out) == 0 {
			return fmt.Errorf("flag -%s requires at least one value", name)
		}
		*dest = out
		return nil
	})
}
