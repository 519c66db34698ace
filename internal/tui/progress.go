// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package tui renders live transfer progress in the terminal.
package tui

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/hubsync/hubsync/pkg/hubsync"
)

const (
	overallTmpl = `{{string . "prefix" | cyan}} {{bar . "[" "=" ">" "." "]" | green}} {{percent . }} {{counters . }} {{speed . }}`
	fileTmpl    = `  {{string . "prefix"}} {{bar . "[" "=" ">" "." "]" | blue}} {{percent . }} {{counters . }}`

	filePrefixWidth = 32
)

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	skipColor = color.New(color.FgBlue).SprintFunc()
	warnColor = color.New(color.FgYellow).SprintFunc()
	errColor  = color.New(color.FgRed).SprintFunc()
)

// Interactive reports whether stdout is a terminal capable of live redraw.
func Interactive() bool {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// LiveRenderer drives a multi-bar progress display for download and upload
// jobs: one overall bar plus a bar per in-flight file, rendered by a pb
// pool. Bars are recycled as files finish, so the display stays at most
// one bar per concurrency slot. On a non-interactive stdout it degrades to
// plain line output.
type LiveRenderer struct {
	job hubsync.Job

	mu      sync.Mutex
	events  chan hubsync.ProgressEvent
	done    chan struct{}
	loopEnd chan struct{}
	stopped bool

	interactive bool
	pool        *pb.Pool
	overall     *pb.ProgressBar
	bars        map[string]*pb.ProgressBar
	idle        []*pb.ProgressBar
	maxBars     int

	// seen tracks the last cumulative byte count per path so overall
	// progress can advance by deltas.
	seen       map[string]int64
	moved      int64
	totalFiles int
	totalBytes int64
	doneFiles  int
	skipFiles  int
	failFiles  int
	failures   []string
	final      string
}

// NewLiveRenderer creates a renderer for one job and starts its event loop.
func NewLiveRenderer(job hubsync.Job, cfg hubsync.Settings) *LiveRenderer {
	maxBars := cfg.MaxActiveDownloads
	if cfg.UploadConcurrency > maxBars {
		maxBars = cfg.UploadConcurrency
	}
	if maxBars < 1 {
		maxBars = 4
	}

	lr := &LiveRenderer{
		job:         job,
		events:      make(chan hubsync.ProgressEvent, 2048),
		done:        make(chan struct{}),
		loopEnd:     make(chan struct{}),
		interactive: Interactive(),
		bars:        map[string]*pb.ProgressBar{},
		seen:        map[string]int64{},
		maxBars:     maxBars,
	}

	if lr.interactive {
		lr.overall = pb.ProgressBarTemplate(overallTmpl).New(0)
		lr.overall.Set(pb.Bytes, true)
		lr.overall.Set("prefix", job.Repo)
		lr.pool = pb.NewPool(lr.overall)
		lr.pool.Output = os.Stdout
		if err := lr.pool.Start(); err != nil {
			lr.interactive = false
			lr.pool = nil
			lr.overall = nil
		}
	}

	go lr.loop()
	return lr
}

// Handler returns a ProgressFunc that feeds events to the renderer.
func (lr *LiveRenderer) Handler() hubsync.ProgressFunc {
	return func(ev hubsync.ProgressEvent) {
		select {
		case lr.events <- ev:
		default:
			// Drop events if the UI is congested; rendering stays smooth.
		}
	}
}

// Close drains pending events, stops the pool, and prints the summary.
func (lr *LiveRenderer) Close() {
	lr.mu.Lock()
	if lr.stopped {
		lr.mu.Unlock()
		return
	}
	lr.stopped = true
	lr.mu.Unlock()

	close(lr.done)
	<-lr.loopEnd

	if lr.pool != nil {
		lr.mu.Lock()
		lr.overall.SetCurrent(lr.moved)
		lr.overall.Finish()
		for _, b := range lr.bars {
			b.Finish()
		}
		for _, b := range lr.idle {
			b.Finish()
		}
		lr.mu.Unlock()
		_ = lr.pool.Stop()
	}

	lr.printSummary()
}

func (lr *LiveRenderer) loop() {
	defer close(lr.loopEnd)
	for {
		select {
		case <-lr.done:
			for {
				select {
				case ev := <-lr.events:
					lr.apply(ev)
				default:
					return
				}
			}
		case ev := <-lr.events:
			lr.apply(ev)
		}
	}
}

func (lr *LiveRenderer) apply(ev hubsync.ProgressEvent) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if !lr.interactive {
		lr.applyPlain(ev)
		return
	}

	switch ev.Event {
	case "scan_start":
		label := ev.Repo
		if ev.Revision != "" {
			label += "@" + ev.Revision
		}
		lr.overall.Set("prefix", label+" scanning")

	case "plan_item":
		lr.totalFiles++
		lr.totalBytes += ev.Total
		lr.overall.SetTotal(lr.totalBytes)
		lr.refreshHeader(ev)

	case "file_start", "upload_start":
		bar := lr.acquire(ev.Path)
		bar.SetTotal(ev.Total)
		bar.SetCurrent(0)
		bar.Set("prefix", pad(ellipsizeMiddle(ev.Path, filePrefixWidth), filePrefixWidth))
		lr.seen[ev.Path] = 0

	case "file_progress", "upload_progress":
		if bar, ok := lr.bars[ev.Path]; ok {
			if ev.Total > 0 {
				bar.SetTotal(ev.Total)
			}
			bar.SetCurrent(ev.Downloaded)
		}
		lr.advance(ev.Path, ev.Downloaded)

	case "file_done", "upload_done":
		if strings.HasPrefix(ev.Message, "skip") {
			lr.skipFiles++
		} else {
			lr.doneFiles++
		}
		lr.settle(ev)

	case "verify", "retry":
		// Progress bars keep moving; nothing extra to show.

	case "error":
		lr.failFiles++
		if ev.Path != "" {
			lr.failures = append(lr.failures, ev.Path+": "+ev.Message)
		} else {
			lr.failures = append(lr.failures, ev.Message)
		}
		lr.settle(ev)

	case "done":
		lr.final = ev.Message
	}
}

// settle counts a file's remaining bytes, releases its bar, and updates the
// header line.
func (lr *LiveRenderer) settle(ev hubsync.ProgressEvent) {
	if ev.Total > 0 {
		lr.advance(ev.Path, ev.Total)
	}
	if bar, ok := lr.bars[ev.Path]; ok {
		delete(lr.bars, ev.Path)
		if ev.Total > 0 {
			bar.SetCurrent(ev.Total)
		}
		glyph := okColor("✓")
		if ev.Event == "error" {
			glyph = errColor("×")
		} else if strings.HasPrefix(ev.Message, "skip") {
			glyph = skipColor("•")
		}
		bar.Set("prefix", glyph+" "+pad(ellipsizeMiddle(ev.Path, filePrefixWidth-2), filePrefixWidth-2))
		lr.idle = append(lr.idle, bar)
	}
	lr.refreshHeader(ev)
}

// advance moves the overall bar by the delta between the file's last known
// cumulative count and cur.
func (lr *LiveRenderer) advance(path string, cur int64) {
	if cur <= lr.seen[path] {
		return
	}
	lr.moved += cur - lr.seen[path]
	lr.seen[path] = cur
	lr.overall.SetCurrent(lr.moved)
}

func (lr *LiveRenderer) refreshHeader(ev hubsync.ProgressEvent) {
	label := ev.Repo
	if label == "" {
		label = lr.job.Repo
	}
	if ev.Revision != "" {
		label += "@" + ev.Revision
	}
	finished := lr.doneFiles + lr.skipFiles + lr.failFiles
	lr.overall.Set("prefix", fmt.Sprintf("%s %d/%d files", label, finished, lr.totalFiles))
}

// acquire returns the bar for path, recycling an idle one when available.
func (lr *LiveRenderer) acquire(path string) *pb.ProgressBar {
	if bar, ok := lr.bars[path]; ok {
		return bar
	}
	var bar *pb.ProgressBar
	if n := len(lr.idle); n > 0 {
		bar = lr.idle[n-1]
		lr.idle = lr.idle[:n-1]
	} else {
		bar = pb.ProgressBarTemplate(fileTmpl).New(0)
		bar.Set(pb.Bytes, true)
		// Callers are expected to bound in-flight files themselves; if one
		// does not, bars beyond the cap stay out of the pool rather than
		// growing the display without limit.
		if len(lr.bars) < lr.maxBars {
			lr.pool.Add(bar)
		}
	}
	lr.bars[path] = bar
	return bar
}

// applyPlain is the non-interactive fallback: one line per state change.
func (lr *LiveRenderer) applyPlain(ev hubsync.ProgressEvent) {
	switch ev.Event {
	case "scan_start":
		if ev.Revision != "" {
			fmt.Printf("Scanning %s@%s ...\n", ev.Repo, ev.Revision)
		} else {
			fmt.Printf("Scanning %s ...\n", ev.Repo)
		}
	case "file_start":
		fmt.Printf("downloading: %s (%s)\n", ev.Path, humanBytes(ev.Total))
	case "upload_start":
		fmt.Printf("uploading: %s (%s)\n", ev.Path, humanBytes(ev.Total))
	case "file_done", "upload_done":
		if strings.HasPrefix(ev.Message, "skip") {
			fmt.Printf("%s %s %s\n", skipColor("skip:"), ev.Path, ev.Message)
		} else {
			fmt.Printf("%s %s\n", okColor("done:"), ev.Path)
		}
	case "retry":
		fmt.Printf("%s %s (attempt %d): %s\n", warnColor("retry"), ev.Path, ev.Attempt, ev.Message)
	case "error":
		lr.failures = append(lr.failures, ev.Message)
		fmt.Fprintf(os.Stderr, "%s %s\n", errColor("error:"), ev.Message)
	case "done":
		lr.final = ev.Message
	}
}

func (lr *LiveRenderer) printSummary() {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.interactive {
		for _, f := range lr.failures {
			fmt.Printf("%s %s\n", errColor("failed:"), f)
		}
	}
	if lr.final != "" {
		fmt.Println(okColor(lr.final))
	}
}

func ellipsizeMiddle(s string, w int) string {
	if w <= 3 || utf8.RuneCountInString(s) <= w {
		return s
	}
	runes := []rune(s)
	half := (w - 3) / 2
	return string(runes[:half]) + "..." + string(runes[len(runes)-half:])
}

func pad(s string, w int) string {
	r := utf8.RuneCountInString(s)
	if r >= w {
		return s
	}
	return s + strings.Repeat(" ", w-r)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit && exp < 6 {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
