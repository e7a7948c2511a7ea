// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/saferwall/ctf"
	"github.com/saferwall/ctf/log"
	"github.com/saferwall/ctf/metadata"
)

var (
	wantEvents  bool
	wantJSON    bool
	workerCount int
)

// job is one trace directory to open and dump, queued onto a fixed-size
// worker pool so dumping many collected traces doesn't serialize on disk
// I/O.
type job struct {
	collectionPath string
	relPath        string
}

func runDumper(cmd *cobra.Command, args []string) error {
	collectionPath := args[0]
	entries, err := os.ReadDir(collectionPath)
	if err != nil {
		return err
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 0 {
		// The path itself may already be a single trace directory rather
		// than a collection of them.
		dirs = []string{"."}
	}

	jobs := make(chan job)
	results := make(chan string, len(dirs))
	var wg sync.WaitGroup

	n := workerCount
	if n <= 0 {
		n = 4
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go dumpWorker(jobs, results, &wg)
	}

	for _, d := range dirs {
		jobs <- job{collectionPath: collectionPath, relPath: d}
	}
	close(jobs)
	wg.Wait()
	close(results)

	for out := range results {
		fmt.Print(out)
	}
	return nil
}

// dumpWorker pulls trace directories off jobs until it's closed. Each
// trace is opened, dumped, and closed entirely within this goroutine, so
// no ctf.Trace handle is ever touched from more than one goroutine.
func dumpWorker(jobs <-chan job, results chan<- string, wg *sync.WaitGroup) {
	defer wg.Done()
	for j := range jobs {
		out, err := dumpOne(j.collectionPath, j.relPath)
		if err != nil {
			results <- fmt.Sprintf("%s: %v\n", filepath.Join(j.collectionPath, j.relPath), err)
			continue
		}
		results <- out
	}
}

func dumpOne(collectionPath, relPath string) (string, error) {
	logger := log.NewFilter(log.NewStdLogger(os.Stderr), log.FilterLevel(log.LevelWarn))
	trace, err := ctf.Open(collectionPath, relPath, &ctf.Options{
		MetadataBuilder: metadata.Build,
		Logger:          logger,
	})
	if err != nil {
		return "", err
	}
	defer trace.Close()

	var sb stringBuilder
	fmt.Fprintf(&sb, "\n\t------[ %s ]------\n\n", trace.Path)
	fmt.Fprintf(&sb, "domain=%s procname=%s vpid=%s streams=%d\n", trace.Domain, trace.Procname, trace.Vpid, len(trace.Streams))
	if trace.HasUUID() {
		fmt.Fprintf(&sb, "uuid=%s\n", trace.UUID())
	}

	w := tabwriter.NewWriter(&sb, 1, 1, 3, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "Stream\tPacket\tOffset\tContentSize\tPacketSize\tTimestampBegin\tTimestampEnd\t")
	for _, fs := range trace.Streams {
		for i, entry := range fs.PacketIndex {
			fmt.Fprintf(w, "%d\t%d\t0x%x\t%d\t%d\t%d\t%d\t\n",
				fs.StreamID, i, entry.OffsetBytes, entry.ContentSizeBits, entry.PacketSizeBits,
				entry.TimestampBegin, entry.TimestampEnd)
		}
	}
	w.Flush()

	if wantEvents {
		dumpEvents(&sb, trace)
	}
	return sb.String(), nil
}

// eventLine is the JSON-mode shape for one decoded event; wantJSON trades
// the tabwriter table for one of these per line so output can be piped
// into jq or a log collector.
type eventLine struct {
	Stream    uint64 `json:"stream"`
	EventID   uint64 `json:"event_id"`
	Name      string `json:"name,omitempty"`
	Timestamp uint64 `json:"timestamp"`
}

func dumpEvents(sb *stringBuilder, trace *ctf.Trace) {
	var w *tabwriter.Writer
	if !wantJSON {
		fmt.Fprint(sb, "\nEVENTS\n******\n")
		w = tabwriter.NewWriter(sb, 1, 1, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "Stream\tEventID\tName\tTimestamp\t")
	}
	for _, fs := range trace.Streams {
		for {
			ev, err := fs.ReadEvent()
			if err == io.EOF {
				break
			}
			if err != nil {
				fmt.Fprintf(sb, "%d: ERROR: %v\n", fs.StreamID, err)
				break
			}
			name := ""
			if ev.Class != nil {
				name = ev.Class.Name
			}
			if wantJSON {
				line, _ := json.Marshal(eventLine{Stream: fs.StreamID, EventID: ev.ID, Name: name, Timestamp: ev.Timestamp})
				sb.Write(line)
				sb.Write([]byte("\n"))
				continue
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%d\t\n", fs.StreamID, ev.ID, name, ev.Timestamp)
		}
	}
	if w != nil {
		w.Flush()
	}
}

// stringBuilder is the subset of strings.Builder this file needs, kept as
// its own tiny type so tabwriter's io.Writer requirement and fmt.Stringer
// don't force an extra import alias at every call site.
type stringBuilder struct {
	buf []byte
}

func (b *stringBuilder) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *stringBuilder) String() string { return string(b.buf) }

func main() {
	var rootCmd = &cobra.Command{
		Use:   "ctfdump",
		Short: "A Common Trace Format reader",
		Long:  "Dumps the packet index and decoded events of CTF traces by Saferwall",
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("You are using version 0.1.0")
		},
	}

	var dumpCmd = &cobra.Command{
		Use:   "dump <collection-path>",
		Short: "Dumps every trace directory found under collection-path",
		Args:  cobra.ExactArgs(1),
		RunE:  runDumper,
	}
	dumpCmd.Flags().BoolVarP(&wantEvents, "events", "e", false, "also decode and dump every event")
	dumpCmd.Flags().BoolVarP(&wantJSON, "json", "j", false, "dump events as JSON lines instead of a table")
	dumpCmd.Flags().IntVarP(&workerCount, "workers", "w", 4, "number of trace directories to dump concurrently")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(dumpCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
