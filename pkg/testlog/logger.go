// Copyright 2024 Alexandre Mahdhaoui
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

// Package testlog writes the hierarchical XML test log.
//
// The document is owned by the goroutine driving the test: it opens sections
// with Nested and writes leaves with Log. Machine serial readers run on their
// own goroutines and must never touch the document. They hand lines over with
// Enqueue, and the owner drains the queue into the document whenever it
// enters or leaves a section and whenever it logs a line.
//
//	<logfile id="...">
//	  <nest><head machine="server">waiting for unit sshd</head>
//	    <line machine="server" type="serial">sshd started</line>
//	    <line>(1.20 seconds)</line>
//	  </nest>
//	</logfile>
package testlog

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// DefaultQueueSize bounds the number of serial lines waiting to be drained.
// Producers block once it is reached.
const DefaultQueueSize = 10000

// Attrs are element attributes. Keys are written in sorted order.
type Attrs map[string]string

// Message is one serial console line waiting in the queue.
type Message struct {
	Machine string
	Text    string
}

type Option func(*Logger)

// WithLogr mirrors every message to l.
func WithLogr(l logr.Logger) Option {
	return func(lg *Logger) { lg.log = l }
}

// WithClock sets the clock used to time nested sections.
func WithClock(c clock.PassiveClock) Option {
	return func(lg *Logger) { lg.clock = c }
}

// WithQueueSize overrides DefaultQueueSize. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(lg *Logger) {
		if n > 0 {
			lg.queueSize = n
		}
	}
}

// WithRunID stamps the document root with id.
func WithRunID(id string) Option {
	return func(lg *Logger) { lg.runID = id }
}

// Logger is the structured test log. Use New or Open.
type Logger struct {
	log       logr.Logger
	clock     clock.PassiveClock
	runID     string
	queueSize int
	queue     chan Message
	// done is closed by Close; pending and later Enqueue calls return.
	done chan struct{}

	// mu guards the encoder. The document is written by a single owner, but
	// the signal-triggered teardown path may close it from another goroutine.
	mu     sync.Mutex
	enc    *xml.Encoder
	open   []string
	closer io.Closer
	err    error
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// New starts a document on w.
func New(w io.Writer, opts ...Option) (*Logger, error) {
	l := &Logger{
		log:       logr.Discard(),
		clock:     clock.RealClock{},
		queueSize: DefaultQueueSize,
		enc:       xml.NewEncoder(w),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.queue = make(chan Message, l.queueSize)

	if err := l.enc.EncodeToken(xml.ProcInst{Target: "xml", Inst: []byte(`version="1.0" encoding="UTF-8"`)}); err != nil {
		return nil, err
	}
	if err := l.enc.EncodeToken(xml.CharData("\n")); err != nil {
		return nil, err
	}

	var root Attrs
	if l.runID != "" {
		root = Attrs{"id": l.runID}
	}
	l.mu.Lock()
	l.start("logfile", root)
	l.flush()
	err := l.err
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return l, nil
}

// Open creates or truncates the file at path and starts a document in it.
// An empty path writes the document nowhere.
func Open(path string, opts ...Option) (*Logger, error) {
	if path == "" {
		return New(io.Discard, opts...)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("opening log file %q: %w", path, err)
	}

	l, err := New(f, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	l.closer = f

	return l, nil
}

// Log drains pending serial lines, then writes msg as a leaf line.
func (l *Logger) Log(msg string, attrs Attrs) {
	l.mirror(msg, attrs)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.drain()
	l.line(msg, attrs)
	l.flush()
}

// Nested runs fn inside a new section headed by msg. The section is closed on
// every exit path, including a panic in fn, with a line giving its duration.
// fn's error is returned unchanged.
func (l *Logger) Nested(msg string, attrs Attrs, fn func() error) error {
	l.mirror(msg, attrs)

	l.mu.Lock()
	l.drain()
	l.start("nest", attrs)
	l.start("head", attrs)
	l.text(msg)
	l.end("head")
	l.flush()
	l.mu.Unlock()

	tic := l.clock.Now()
	defer func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.drain()
		l.line(fmt.Sprintf("(%.2f seconds)", l.clock.Since(tic).Seconds()), nil)
		l.end("nest")
		l.flush()
	}()

	return fn()
}

// Enqueue hands a serial line to the document owner. It blocks while the
// queue is full. Lines enqueued after Close are dropped. Safe for concurrent
// use.
func (l *Logger) Enqueue(msg Message) {
	select {
	case l.queue <- msg:
	case <-l.done:
	}
}

// Drain moves every queued serial line into the document.
func (l *Logger) Drain() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drain()
	l.flush()
}

// Err returns the first write error, if any. Writing stops after it.
func (l *Logger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close drains the queue, closes every open section and the document root,
// then closes the underlying writer. Only the first call has any effect.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		l.drain()
		for len(l.open) > 0 {
			l.end(l.open[len(l.open)-1])
		}
		l.write(xml.CharData("\n"))
		l.flush()
		l.closed = true
		close(l.done)

		l.closeErr = l.err
		if l.closer != nil {
			if err := l.closer.Close(); err != nil && l.closeErr == nil {
				l.closeErr = err
			}
		}
	})

	return l.closeErr
}

func (l *Logger) mirror(msg string, attrs Attrs) {
	kv := make([]any, 0, 2*len(attrs))
	for _, k := range sortedKeys(attrs) {
		kv = append(kv, k, attrs[k])
	}
	l.log.Info(msg, kv...)
}

// drain must be called with mu held.
func (l *Logger) drain() {
	for {
		select {
		case m := <-l.queue:
			l.line(Sanitize(m.Text), Attrs{"machine": m.Machine, "type": "serial"})
		default:
			return
		}
	}
}

func (l *Logger) line(msg string, attrs Attrs) {
	l.start("line", attrs)
	l.text(msg)
	l.end("line")
}

func (l *Logger) start(name string, attrs Attrs) {
	el := xml.StartElement{Name: xml.Name{Local: name}}
	for _, k := range sortedKeys(attrs) {
		el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: k}, Value: attrs[k]})
	}
	if l.write(el) {
		l.open = append(l.open, name)
	}
}

func (l *Logger) end(name string) {
	if len(l.open) == 0 || l.open[len(l.open)-1] != name {
		return
	}
	l.open = l.open[:len(l.open)-1]
	l.write(xml.EndElement{Name: xml.Name{Local: name}})
}

func (l *Logger) text(s string) {
	l.write(xml.CharData(s))
}

func (l *Logger) flush() {
	if l.closed || l.err != nil {
		return
	}
	l.err = l.enc.Flush()
}

func (l *Logger) write(tok xml.Token) bool {
	if l.closed || l.err != nil {
		return false
	}
	if err := l.enc.EncodeToken(tok); err != nil {
		l.err = err
		return false
	}
	return true
}

// Sanitize drops Unicode control and format characters, which are not
// allowed in XML character data.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.C, r) {
			return -1
		}
		return r
	}, s)
}

func sortedKeys(attrs Attrs) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
