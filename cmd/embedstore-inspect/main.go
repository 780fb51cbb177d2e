// Command embedstore-inspect reads a checkpoint shard file produced by
// EmbeddingVariable.ExportShard and prints summary statistics, either as
// pretty text or JSON. It also supports watch mode, re-reading the file on
// an interval, for inspecting a shard a running training job keeps
// overwriting.
//
// © 2025 embedstore authors. MIT License.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Voskan/embedstore/pkg/embedstore"
)

type options struct {
	shardPath string
	watch     bool
	interval  time.Duration
	json      bool
	version   bool
}

var appVersion = "dev"

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.shardPath, "shard", "", "path to a checkpoint shard file")
	flag.BoolVar(&opts.watch, "watch", false, "re-read the shard on an interval")
	flag.DurationVar(&opts.interval, "interval", 5*time.Second, "watch interval")
	flag.BoolVar(&opts.json, "json", false, "emit JSON instead of text")
	flag.BoolVar(&opts.version, "version", false, "print version and exit")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	if opts.version {
		fmt.Println(appVersion)
		return
	}
	if opts.shardPath == "" {
		fmt.Fprintln(os.Stderr, "embedstore-inspect: -shard is required")
		os.Exit(2)
	}

	if opts.watch {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			if err := dumpOnce(opts); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			<-ticker.C
		}
	}

	if err := dumpOnce(opts); err != nil {
		fatal(err)
	}
}

// summary is the stable JSON/text shape printed for one shard, independent
// of ShardRecord's internal field layout.
type summary struct {
	ActiveKeys     int     `json:"active_keys"`
	FilteredKeys   int     `json:"filtered_keys"`
	ValueLen       int     `json:"value_len"`
	PartitionCount int     `json:"partition_count"`
	MinVersion     int64   `json:"min_version"`
	MaxVersion     int64   `json:"max_version"`
	MeanFreq       float64 `json:"mean_freq"`
}

func dumpOnce(opts *options) error {
	s, err := readSummary(opts.shardPath)
	if err != nil {
		return err
	}
	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	return prettyPrint(s)
}

func readSummary(path string) (summary, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return summary{}, err
	}
	shard, err := embedstore.DecodeShard(buf)
	if err != nil {
		return summary{}, err
	}

	s := summary{
		ActiveKeys:     len(shard.Active),
		FilteredKeys:   len(shard.Filtered),
		ValueLen:       shard.ValueLen,
		PartitionCount: max(0, len(shard.PartitionOffset)-1),
	}
	if len(shard.Active) == 0 {
		return s, nil
	}

	s.MinVersion = shard.Active[0].Version
	s.MaxVersion = shard.Active[0].Version
	var freqSum float64
	for _, r := range shard.Active {
		if r.Version < s.MinVersion {
			s.MinVersion = r.Version
		}
		if r.Version > s.MaxVersion {
			s.MaxVersion = r.Version
		}
		freqSum += float64(r.Freq)
	}
	s.MeanFreq = freqSum / float64(len(shard.Active))
	return s, nil
}

func prettyPrint(s summary) error {
	fmt.Printf("active keys:      %d\n", s.ActiveKeys)
	fmt.Printf("filtered keys:    %d\n", s.FilteredKeys)
	fmt.Printf("value_len:        %d\n", s.ValueLen)
	fmt.Printf("partition count:  %d\n", s.PartitionCount)
	fmt.Printf("version range:    [%d, %d]\n", s.MinVersion, s.MaxVersion)
	fmt.Printf("mean frequency:   %.2f\n", s.MeanFreq)
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "embedstore-inspect:", err)
	os.Exit(1)
}
