// Package testutils provides shared test infrastructure.
package testutils

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestFile defines a served file with its content.
type TestFile struct {
	Name string
	Data []byte
}

// GenerateTestData generates test data of the given size.
// For files <= 10MB, uses deterministic pattern. For larger files, uses random data.
func GenerateTestData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte(i % 256)
		}
	} else {
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("generate random data: %v", err)
		}
	}
	return data
}

// SHA256 returns the lower-case hex SHA-256 of data.
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MD5 returns the lower-case hex MD5 of data.
func MD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// SHA256Sums renders a sha256sum-style listing for files.
func SHA256Sums(files ...TestFile) []byte {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "%s  %s\n", SHA256(f.Data), f.Name)
	}
	return []byte(b.String())
}

// ServerOption configures an ArtifactServer.
type ServerOption func(*ArtifactServer)

// WithDelay makes every response wait d before sending the body.
func WithDelay(d time.Duration) ServerOption {
	return func(s *ArtifactServer) { s.delay = d }
}

// RequestRecord is one request as seen by an ArtifactServer.
// End is taken before the response is written.
type RequestRecord struct {
	Path  string
	Start time.Time
	End   time.Time
}

// ArtifactServer serves files over HTTP and counts what it is asked for.
type ArtifactServer struct {
	*httptest.Server

	files map[string][]byte
	delay time.Duration

	mu   sync.Mutex
	hits map[string]int
	log  []RequestRecord

	requests    atomic.Int64
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// StartArtifactServer starts a server for files. It is closed on test cleanup.
func StartArtifactServer(t *testing.T, files []TestFile, opts ...ServerOption) *ArtifactServer {
	t.Helper()

	s := &ArtifactServer{
		files: make(map[string][]byte, len(files)),
		hits:  make(map[string]int),
	}
	for _, f := range files {
		s.files["/"+f.Name] = f.Data
	}
	for _, opt := range opts {
		opt(s)
	}

	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *ArtifactServer) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.requests.Add(1)
	s.mu.Lock()
	s.hits[r.URL.Path]++
	s.mu.Unlock()

	n := s.inFlight.Add(1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	data, ok := s.files[r.URL.Path]
	if ok && s.delay > 0 {
		time.Sleep(s.delay)
	}

	// The request leaves the in-flight set before any byte reaches the
	// client, so the client can never act on a response still counted here.
	s.inFlight.Add(-1)
	s.mu.Lock()
	s.log = append(s.log, RequestRecord{Path: r.URL.Path, Start: start, End: time.Now()})
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// FileURL returns the URL that serves name.
func (s *ArtifactServer) FileURL(name string) string {
	return s.URL + "/" + name
}

// Requests returns the total number of requests received.
func (s *ArtifactServer) Requests() int64 {
	return s.requests.Load()
}

// Hits returns how many times name was requested.
func (s *ArtifactServer) Hits(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits["/"+name]
}

// MaxInFlight returns the highest number of concurrent requests seen.
func (s *ArtifactServer) MaxInFlight() int {
	return int(s.maxInFlight.Load())
}

// RequestLog returns every completed request in the order it finished.
func (s *ArtifactServer) RequestLog() []RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RequestRecord(nil), s.log...)
}

// MaxConcurrent returns the highest number of overlapping requests among
// those whose path satisfies match.
func (s *ArtifactServer) MaxConcurrent(match func(path string) bool) int {
	type event struct {
		at    time.Time
		delta int
	}
	var events []event
	for _, r := range s.RequestLog() {
		if match(r.Path) {
			events = append(events, event{r.Start, 1}, event{r.End, -1})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].at.Equal(events[j].at) {
			return events[i].delta < events[j].delta
		}
		return events[i].at.Before(events[j].at)
	})

	cur, peak := 0, 0
	for _, e := range events {
		cur += e.delta
		if cur > peak {
			peak = cur
		}
	}
	return peak
}

// CompareReaderToData compares reader output with expected data in chunks.
// This is memory-efficient for large files.
func CompareReaderToData(t *testing.T, reader io.Reader, expected []byte) {
	t.Helper()

	chunkSize := 1024 * 1024 // 1MB
	buf := make([]byte, chunkSize)
	offset := 0

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if offset+n > len(expected) {
				t.Fatalf("read more data than expected: offset=%d, n=%d, expected len=%d",
					offset, n, len(expected))
			}
			if !bytes.Equal(buf[:n], expected[offset:offset+n]) {
				t.Fatalf("data mismatch at offset %d", offset)
			}
			offset += n
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read error at offset %d: %v", offset, err)
		}
	}

	if offset != len(expected) {
		t.Fatalf("incomplete read: got %d bytes, want %d", offset, len(expected))
	}
}
