// COPYRIGHT 2024 FERMI NATIONAL ACCELERATOR LABORATORY
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
//
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/fermitools/weewx-prompush/internal/record"
)

const (
	maxLineSize    = 1024 * 1024
	readBufferSize = 64 * 1024
)

// LineSource reads newline-delimited JSON records, one object per line, such as those written by a weewx service
// piping its archive records to this process's stdin
type LineSource struct {
	Dispatcher
	reader io.Reader
	logger *log.Entry
}

// NewLineSource returns a LineSource reading from reader
func NewLineSource(reader io.Reader, logger *log.Entry) *LineSource {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &LineSource{
		reader: reader,
		logger: logger.WithField("source", "stdin"),
	}
}

// inputLine is one line read from the reader, without its newline.  Lines longer than maxLineSize are consumed but
// their contents are not kept.
type inputLine struct {
	data    []byte
	tooLong bool
}

// Run emits every record read until the reader is exhausted or ctx is done.  Lines that do not hold a valid record,
// including lines longer than maxLineSize, are logged and skipped.  Run returns nil at EOF and on cancellation.
func (s *LineSource) Run(ctx context.Context) error {
	lines := make(chan inputLine)
	readErr := make(chan error, 1)

	// Reads cannot be interrupted, so reading happens on its own goroutine and is abandoned on cancel
	go func() {
		defer close(lines)
		reader := bufio.NewReaderSize(s.reader, readBufferSize)
		for {
			line, err := readLine(reader, maxLineSize)
			if err == nil || len(line.data) > 0 || line.tooLong {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

	lineNumber := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					s.logger.Errorf("Error reading records: %s", err)
					return err
				default:
					return nil
				}
			}
			lineNumber++
			if line.tooLong {
				sourceRecords.WithLabelValues("stdin", "rejected").Inc()
				s.logger.WithField("line", lineNumber).Warnf("Skipping record longer than %d bytes", maxLineSize)
				continue
			}
			s.handleLine(line.data, lineNumber)
		}
	}
}

// readLine reads up to the next newline.  A line longer than limit is read to its end and reported as too long.
func readLine(reader *bufio.Reader, limit int) (inputLine, error) {
	var line inputLine
	for {
		chunk, err := reader.ReadSlice('\n')
		chunk = bytes.TrimSuffix(chunk, []byte("\n"))
		if !line.tooLong {
			if len(line.data)+len(chunk) > limit {
				line.tooLong = true
				line.data = nil
			} else {
				line.data = append(line.data, chunk...)
			}
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

func (s *LineSource) handleLine(line []byte, lineNumber int) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var r record.Record
	if err := json.Unmarshal(line, &r); err != nil {
		sourceRecords.WithLabelValues("stdin", "rejected").Inc()
		s.logger.WithField("line", lineNumber).Warnf("Skipping malformed record: %s", err)
		return
	}
	sourceRecords.WithLabelValues("stdin", "accepted").Inc()
	s.Emit(r)
}
