package docker

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/pkg/stdcopy"

	"fleet/internal/job"
)

const progressPrefix = "PROGRESS"

// parseProgressLine parses "PROGRESS <phase> <percent> [message]".
func parseProgressLine(line string) (job.Progress, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != progressPrefix {
		return job.Progress{}, false
	}

	pct, err := strconv.Atoi(fields[2])
	if err != nil {
		return job.Progress{}, false
	}

	p := job.Progress{Phase: strings.ToLower(fields[1]), Percent: pct}
	if len(fields) > 3 {
		// keep the message's own spacing
		rest := strings.TrimSpace(line)
		for range 3 {
			rest = strings.TrimSpace(rest[strings.IndexAny(rest, " \t"):])
		}
		p.Message = rest
	}
	return p, true
}

// output collects the analysis report and the last stderr line from a
// multiplexed container log stream.
type output struct {
	report  strings.Builder
	lastErr string
}

// consume demultiplexes stream and reports progress lines in order. It
// returns once the stream ends.
func (o *output) consume(stream io.Reader, progress job.ProgressFunc) error {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, stream)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderrR)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				o.lastErr = line
			}
		}
		_, _ = io.Copy(io.Discard, stderrR)
	}()

	scanner := bufio.NewScanner(stdoutR)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if p, ok := parseProgressLine(line); ok {
			if progress != nil {
				progress(p)
			}
			continue
		}
		o.report.WriteString(line)
		o.report.WriteByte('\n')
	}
	err := scanner.Err()
	_, _ = io.Copy(io.Discard, stdoutR)

	wg.Wait()
	return err
}
