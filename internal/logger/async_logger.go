// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AsyncLogger decouples the worker's dispatch goroutine from rotated-file
// I/O: Write enqueues and returns immediately, dropping the line rather than
// blocking the catalog op that produced it when the buffer is full.
type AsyncLogger struct {
	lines chan []byte
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	dropped uint64
}

// NewAsyncLogger starts a background goroutine draining into lj. bufferSize
// bounds how many pending lines may queue before new writes are dropped.
func NewAsyncLogger(lj *lumberjack.Logger, bufferSize int) *AsyncLogger {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	a := &AsyncLogger{
		lines: make(chan []byte, bufferSize),
		done:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run(lj)
	return a
}

func (a *AsyncLogger) run(lj *lumberjack.Logger) {
	defer a.wg.Done()
	for line := range a.lines {
		_, _ = lj.Write(line)
	}
	close(a.done)
}

// Write implements io.Writer. It never blocks: if the buffer is full the
// line is dropped and counted rather than stalling the caller.
func (a *AsyncLogger) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	select {
	case a.lines <- line:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
	}
	return len(p), nil
}

// Dropped reports how many lines were discarded because the buffer was full.
func (a *AsyncLogger) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close stops accepting new lines, flushes everything already queued, and
// waits for the drain goroutine to finish.
func (a *AsyncLogger) Close() error {
	close(a.lines)
	<-a.done
	return nil
}
