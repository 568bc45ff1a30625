package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	flushEvery    = time.Second
	flushAtLines  = 20
	defaultStream = "info"
)

// Writer buffers JSON log lines and pushes them to Loki, one stream per log level.
type Writer struct {
	url     string
	service string
	client  *http.Client
	mu      sync.Mutex
	buf     []entry
	ticker  *time.Ticker
	done    chan struct{}
	closed  sync.Once
}

type entry struct {
	level string
	ts    string
	line  string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter returns a Writer pushing to baseURL (e.g. http://loki:3100) with the
// service label. It returns nil when baseURL is empty.
func NewWriter(baseURL, service string) *Writer {
	if baseURL == "" || service == "" {
		return nil
	}
	w := &Writer{
		url:     strings.TrimSuffix(baseURL, "/") + "/loki/api/v1/push",
		service: service,
		client:  &http.Client{Timeout: 5 * time.Second},
		buf:     make([]entry, 0, 64),
		ticker:  time.NewTicker(flushEvery),
		done:    make(chan struct{}),
	}
	go w.flushLoop()
	return w
}

// Write implements io.Writer. zerolog emits one JSON object per call.
func (w *Writer) Write(p []byte) (int, error) {
	n := len(p)
	for _, line := range bytes.Split(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		e := entry{
			level: levelOf(line),
			ts:    strconv.FormatInt(time.Now().UnixNano(), 10),
			line:  string(line),
		}
		w.mu.Lock()
		w.buf = append(w.buf, e)
		full := len(w.buf) >= flushAtLines
		w.mu.Unlock()
		if full {
			w.flush()
		}
	}
	return n, nil
}

func levelOf(line []byte) string {
	var entry struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(line, &entry); err != nil || entry.Level == "" {
		return defaultStream
	}
	return entry.Level
}

func (w *Writer) flushLoop() {
	for {
		select {
		case <-w.done:
			return
		case <-w.ticker.C:
			w.flush()
		}
	}
}

func (w *Writer) flush() {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buf
	w.buf = make([]entry, 0, 64)
	w.mu.Unlock()

	byLevel := make(map[string]*stream)
	var order []string
	for _, e := range entries {
		s, ok := byLevel[e.level]
		if !ok {
			s = &stream{Stream: map[string]string{"service": w.service, "level": e.level}}
			byLevel[e.level] = s
			order = append(order, e.level)
		}
		s.Values = append(s.Values, []string{e.ts, e.line})
	}
	body := pushRequest{Streams: make([]stream, 0, len(order))}
	for _, lvl := range order {
		body.Streams = append(body.Streams, *byLevel[lvl])
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(raw))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// Close flushes the remaining buffer and stops the background flusher.
func (w *Writer) Close() error {
	w.closed.Do(func() {
		w.ticker.Stop()
		close(w.done)
		w.flush()
	})
	return nil
}
