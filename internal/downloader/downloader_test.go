package downloader

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/steveb/imagetter/internal/checksum"
	imhttp "github.com/steveb/imagetter/internal/http"
	"github.com/steveb/imagetter/internal/logging"
	"github.com/steveb/imagetter/internal/metrics"
	"github.com/steveb/imagetter/internal/progress"
	"github.com/steveb/imagetter/internal/task"
	"github.com/steveb/imagetter/internal/testutils"
	"github.com/steveb/imagetter/internal/unpack"
)

func testOptions(t *testing.T, root string) Options {
	t.Helper()
	return Options{
		Target:      root,
		Concurrency: 4,
		ChunkSize:   1024,
		HTTPOptions: imhttp.Options{Timeout: 5 * time.Second},
		Metrics:     metrics.New(),
		Log:         logging.Discard("test"),
		RunID:       "test-run",
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func assertTasks(t *testing.T, m *metrics.Metrics, expected string) {
	t.Helper()
	want := "# HELP imagetter_tasks_total Artifacts processed, by result.\n" +
		"# TYPE imagetter_tasks_total counter\n" + expected
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "imagetter_tasks_total"); err != nil {
		t.Error(err)
	}
}

func TestRunDownloadsAndVerifies(t *testing.T) {
	data := testutils.GenerateTestData(t, 10*1024+17)
	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "disk.img", Data: data}})

	root := t.TempDir()
	opts := testOptions(t, root)
	tasks := []*task.Task{{
		URL:          server.FileURL("disk.img"),
		TargetSubdir: "images/disk",
		Checksum:     strings.ToUpper(testutils.SHA256(data)),
	}}

	if err := Run(context.Background(), tasks, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := readFile(t, filepath.Join(root, "images", "disk", "disk.img"))
	if !bytes.Equal(got, data) {
		t.Error("downloaded data mismatch")
	}
	assertTasks(t, opts.Metrics, "imagetter_tasks_total{result=\"downloaded\"} 1\n")

	want := "# HELP imagetter_downloaded_bytes_total Bytes written to disk from artifact downloads.\n" +
		"# TYPE imagetter_downloaded_bytes_total counter\n" +
		"imagetter_downloaded_bytes_total 10257\n"
	if err := testutil.GatherAndCompare(opts.Metrics.Registry(), strings.NewReader(want), "imagetter_downloaded_bytes_total"); err != nil {
		t.Error(err)
	}
}

func TestRunMD5(t *testing.T) {
	data := []byte("md5 verified artifact")
	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "a.bin", Data: data}})

	root := t.TempDir()
	tasks := []*task.Task{{
		URL:          server.FileURL("a.bin"),
		Checksum:     testutils.MD5(data),
		ChecksumAlgo: checksum.MD5,
	}}

	if err := Run(context.Background(), tasks, testOptions(t, root)); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunSkipsMatchingChecksum(t *testing.T) {
	data := []byte("already here")
	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "a.img", Data: data}})

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.img"), data)

	opts := testOptions(t, root)
	tasks := []*task.Task{{
		URL:            server.FileURL("a.img"),
		Checksum:       testutils.SHA256(data),
		DownloadPolicy: task.PolicyChecksum,
	}}

	if err := Run(context.Background(), tasks, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := server.Requests(); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
	assertTasks(t, opts.Metrics, "imagetter_tasks_total{result=\"skipped\"} 1\n")
}

func TestRunReplacesStaleFile(t *testing.T) {
	data := []byte("fresh content")
	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "a.img", Data: data}})

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.img"), []byte("stale content from an older release"))

	tasks := []*task.Task{{
		URL:            server.FileURL("a.img"),
		Checksum:       testutils.SHA256(data),
		DownloadPolicy: task.PolicyChecksum,
	}}

	if err := Run(context.Background(), tasks, testOptions(t, root)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hits := server.Hits("a.img"); hits != 1 {
		t.Errorf("expected 1 request, got %d", hits)
	}
	if got := readFile(t, filepath.Join(root, "a.img")); !bytes.Equal(got, data) {
		t.Errorf("expected fresh content, got %q", got)
	}
}

func TestRunPolicyMissingKeepsFile(t *testing.T) {
	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "a.img", Data: []byte("remote")}})

	root := t.TempDir()
	local := []byte("local edit")
	writeFile(t, filepath.Join(root, "a.img"), local)

	tasks := []*task.Task{{
		URL:            server.FileURL("a.img"),
		Checksum:       testutils.SHA256([]byte("remote")),
		DownloadPolicy: task.PolicyMissing,
	}}

	if err := Run(context.Background(), tasks, testOptions(t, root)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := server.Requests(); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
	if got := readFile(t, filepath.Join(root, "a.img")); !bytes.Equal(got, local) {
		t.Errorf("expected local file untouched, got %q", got)
	}
}

func TestRunUnsetPolicyOverwrites(t *testing.T) {
	data := []byte("remote")
	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "a.img", Data: data}})

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.img"), data)

	tasks := []*task.Task{{URL: server.FileURL("a.img"), Checksum: testutils.SHA256(data)}}

	if err := Run(context.Background(), tasks, testOptions(t, root)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hits := server.Hits("a.img"); hits != 1 {
		t.Errorf("expected 1 request, got %d", hits)
	}
}

func TestRunChecksumMismatch(t *testing.T) {
	data := []byte("tampered")
	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "a.img", Data: data}})

	root := t.TempDir()
	opts := testOptions(t, root)
	expected := testutils.SHA256([]byte("original"))
	tasks := []*task.Task{{URL: server.FileURL("a.img"), Checksum: expected}}

	err := Run(context.Background(), tasks, opts)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}

	var mismatch *ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *ChecksumMismatchError, got %T", err)
	}
	if mismatch.Expected != expected || mismatch.Actual != testutils.SHA256(data) {
		t.Errorf("unexpected digests: %+v", mismatch)
	}
	if mismatch.Path != filepath.Join(root, "a.img") {
		t.Errorf("unexpected path %s", mismatch.Path)
	}

	// The file is kept for inspection.
	if got := readFile(t, filepath.Join(root, "a.img")); !bytes.Equal(got, data) {
		t.Errorf("expected downloaded file retained, got %q", got)
	}
	assertTasks(t, opts.Metrics, "imagetter_tasks_total{result=\"failed\"} 1\n")
}

func TestRunTwoTasksFirstErrorAfterAllSettle(t *testing.T) {
	good := []byte("good image")
	bad := []byte("bad image")
	server := testutils.StartArtifactServer(t, []testutils.TestFile{
		{Name: "good.img", Data: good},
		{Name: "bad.img", Data: bad},
	})

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "good.img"), good)

	opts := testOptions(t, root)
	tasks := []*task.Task{
		{URL: server.FileURL("bad.img"), Checksum: testutils.SHA256([]byte("other"))},
		{URL: server.FileURL("good.img"), Checksum: testutils.SHA256(good), DownloadPolicy: task.PolicyChecksum},
	}

	err := Run(context.Background(), tasks, opts)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if hits := server.Hits("good.img"); hits != 0 {
		t.Errorf("expected matching task to make no request, got %d", hits)
	}
	if hits := server.Hits("bad.img"); hits != 1 {
		t.Errorf("expected 1 request for mismatching task, got %d", hits)
	}
	assertTasks(t, opts.Metrics,
		"imagetter_tasks_total{result=\"failed\"} 1\n"+
			"imagetter_tasks_total{result=\"skipped\"} 1\n")
}

func TestRunFailureDoesNotCancelOthers(t *testing.T) {
	data := testutils.GenerateTestData(t, 4096)
	server := testutils.StartArtifactServer(t,
		[]testutils.TestFile{{Name: "slow.img", Data: data}},
		testutils.WithDelay(100*time.Millisecond),
	)

	root := t.TempDir()
	tasks := []*task.Task{
		{URL: server.FileURL("missing.img")},
		{URL: server.FileURL("slow.img")},
	}

	err := Run(context.Background(), tasks, testOptions(t, root))
	if !errors.Is(err, imhttp.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := readFile(t, filepath.Join(root, "slow.img")); !bytes.Equal(got, data) {
		t.Error("slow task did not complete")
	}
}

func TestRunConcurrencyBound(t *testing.T) {
	tests := []struct {
		name        string
		tasks       int
		concurrency int
		want        int
	}{
		{"limited by concurrency", 6, 2, 2},
		{"limited by tasks", 3, 10, 3},
		{"serial", 3, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var files []testutils.TestFile
			for i := 0; i < tt.tasks; i++ {
				files = append(files, testutils.TestFile{Name: "f" + string(rune('a'+i)) + ".img", Data: []byte("x")})
			}
			server := testutils.StartArtifactServer(t, files, testutils.WithDelay(50*time.Millisecond))

			var tasks []*task.Task
			for _, f := range files {
				tasks = append(tasks, &task.Task{URL: server.FileURL(f.Name)})
			}

			opts := testOptions(t, t.TempDir())
			opts.Concurrency = tt.concurrency
			if err := Run(context.Background(), tasks, opts); err != nil {
				t.Fatalf("Run: %v", err)
			}

			if got := server.MaxInFlight(); got > tt.want {
				t.Errorf("expected at most %d concurrent requests, got %d", tt.want, got)
			}
			if got := server.Requests(); got != int64(tt.tasks) {
				t.Errorf("expected %d requests, got %d", tt.tasks, got)
			}
		})
	}
}

func TestRunDiscoveryConcurrencyBound(t *testing.T) {
	tests := []struct {
		name        string
		tasks       int
		concurrency int
		want        int
	}{
		{"limited by concurrency", 6, 2, 2},
		{"limited by tasks", 3, 10, 3},
		{"serial", 3, 1, 1},
	}

	isListing := func(path string) bool { return strings.HasSuffix(path, ".sha256") }

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var files []testutils.TestFile
			var tasks []*task.Task
			for i := 0; i < tt.tasks; i++ {
				image := testutils.TestFile{Name: "f" + string(rune('a'+i)) + ".img", Data: []byte{byte(i)}}
				files = append(files, image, testutils.TestFile{Name: image.Name + ".sha256", Data: testutils.SHA256Sums(image)})
			}
			server := testutils.StartArtifactServer(t, files, testutils.WithDelay(50*time.Millisecond))
			for i := 0; i < len(files); i += 2 {
				tasks = append(tasks, &task.Task{URL: server.FileURL(files[i].Name), ChecksumURL: server.FileURL(files[i+1].Name)})
			}

			opts := testOptions(t, t.TempDir())
			opts.Concurrency = tt.concurrency
			if err := Run(context.Background(), tasks, opts); err != nil {
				t.Fatalf("Run: %v", err)
			}

			if got := server.MaxConcurrent(isListing); got > tt.want {
				t.Errorf("expected at most %d concurrent checksum lookups, got %d", tt.want, got)
			}
			for _, tk := range tasks {
				if !tk.HasChecksum() {
					t.Errorf("%s: checksum not discovered", tk.URL)
				}
			}
			for i := 1; i < len(files); i += 2 {
				if hits := server.Hits(files[i].Name); hits != 1 {
					t.Errorf("%s: expected 1 lookup, got %d", files[i].Name, hits)
				}
			}
		})
	}
}

func TestRunDiscoveryBeforeFetch(t *testing.T) {
	a := testutils.TestFile{Name: "a.img", Data: []byte("first")}
	b := testutils.TestFile{Name: "b.img", Data: []byte("second")}
	c := testutils.TestFile{Name: "c.img", Data: []byte("third")}
	plain := testutils.TestFile{Name: "plain.img", Data: []byte("no lookup")}
	server := testutils.StartArtifactServer(t, []testutils.TestFile{
		a, b, c, plain,
		{Name: "SHA256SUMS", Data: testutils.SHA256Sums(a, b)},
		{Name: "c.img.sha256", Data: testutils.SHA256Sums(c)},
	}, testutils.WithDelay(20*time.Millisecond))

	tasks := []*task.Task{
		{URL: server.FileURL("plain.img")},
		{URL: server.FileURL("a.img"), ChecksumURL: server.FileURL("SHA256SUMS")},
		{URL: server.FileURL("b.img"), ChecksumURL: server.FileURL("SHA256SUMS")},
		{URL: server.FileURL("c.img"), ChecksumURL: server.FileURL("c.img.sha256")},
	}

	if err := Run(context.Background(), tasks, testOptions(t, t.TempDir())); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var listings, artifacts []testutils.RequestRecord
	for _, r := range server.RequestLog() {
		if strings.HasSuffix(r.Path, ".img") {
			artifacts = append(artifacts, r)
		} else {
			listings = append(listings, r)
		}
	}
	if len(listings) != 3 || len(artifacts) != 4 {
		t.Fatalf("expected 3 lookups and 4 downloads, got %d and %d", len(listings), len(artifacts))
	}
	for _, l := range listings {
		for _, r := range artifacts {
			if r.Start.Before(l.End) {
				t.Errorf("download of %s started before lookup of %s finished", r.Path, l.Path)
			}
		}
	}
}

func TestRunDiscoveryFirstMatchingLineWins(t *testing.T) {
	image := testutils.TestFile{Name: "cirros.img", Data: []byte("cirros disk")}
	other := testutils.TestFile{Name: "cirros.img.manifest", Data: []byte("not this one")}
	listing := testutils.SHA256Sums(other, image)
	server := testutils.StartArtifactServer(t, []testutils.TestFile{
		image,
		{Name: "SHA256SUMS", Data: listing},
	})

	root := t.TempDir()
	newTask := func() *task.Task {
		return &task.Task{
			URL:            server.FileURL("cirros.img"),
			ChecksumURL:    server.FileURL("SHA256SUMS"),
			DownloadPolicy: task.PolicyChecksum,
		}
	}

	// The file name is matched as a substring, so the manifest line matches too.
	first := newTask()
	opts := testOptions(t, root)
	err := Run(context.Background(), []*task.Task{first}, opts)
	if first.Checksum != testutils.SHA256(other.Data) {
		t.Fatalf("expected first matching line to win, got %q", first.Checksum)
	}
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected mismatch against first matching line, got %v", err)
	}
}

func TestRunDiscoveryThenIdempotentRerun(t *testing.T) {
	image := testutils.TestFile{Name: "cirros.img", Data: []byte("cirros disk")}
	server := testutils.StartArtifactServer(t, []testutils.TestFile{
		image,
		{Name: "SHA256SUMS", Data: append([]byte("# comment cirros.img\n"), testutils.SHA256Sums(image)...)},
	})

	root := t.TempDir()
	newTask := func() *task.Task {
		return &task.Task{
			URL:            server.FileURL("cirros.img"),
			ChecksumURL:    server.FileURL("SHA256SUMS"),
			DownloadPolicy: task.PolicyChecksum,
		}
	}

	first := newTask()
	if err := Run(context.Background(), []*task.Task{first}, testOptions(t, root)); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Checksum != testutils.SHA256(image.Data) {
		t.Errorf("expected discovered checksum, got %q", first.Checksum)
	}

	second := newTask()
	if err := Run(context.Background(), []*task.Task{second}, testOptions(t, root)); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if hits := server.Hits("cirros.img"); hits != 1 {
		t.Errorf("expected artifact fetched once across runs, got %d", hits)
	}
	if hits := server.Hits("SHA256SUMS"); hits != 2 {
		t.Errorf("expected listing fetched per run, got %d", hits)
	}
}

func TestRunDiscoveryFailuresAreNotFatal(t *testing.T) {
	image := testutils.TestFile{Name: "a.img", Data: []byte("a")}
	server := testutils.StartArtifactServer(t, []testutils.TestFile{
		image,
		{Name: "SHA256SUMS", Data: []byte("0000000000000000000000000000000000000000000000000000000000000000  b.img\n")},
	})

	root := t.TempDir()
	opts := testOptions(t, root)
	miss := &task.Task{URL: server.FileURL("a.img"), ChecksumURL: server.FileURL("SHA256SUMS")}
	gone := &task.Task{URL: server.FileURL("a.img"), TargetSubdir: "copy", ChecksumURL: server.FileURL("MISSING")}

	if err := Run(context.Background(), []*task.Task{miss, gone}, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if miss.HasChecksum() || gone.HasChecksum() {
		t.Error("expected no checksum to be recorded")
	}

	want := "# HELP imagetter_checksum_discovery_total Checksum listing lookups, by result.\n" +
		"# TYPE imagetter_checksum_discovery_total counter\n" +
		"imagetter_checksum_discovery_total{result=\"error\"} 1\n" +
		"imagetter_checksum_discovery_total{result=\"miss\"} 1\n"
	if err := testutil.GatherAndCompare(opts.Metrics.Registry(), strings.NewReader(want), "imagetter_checksum_discovery_total"); err != nil {
		t.Error(err)
	}
}

func TestDiscoverAggregatesFailures(t *testing.T) {
	server := testutils.StartArtifactServer(t, nil)

	e := NewExecutor(testOptions(t, t.TempDir()))
	tasks := []*task.Task{
		{URL: server.FileURL("a.img"), ChecksumURL: server.FileURL("A")},
		{URL: server.FileURL("b.img"), ChecksumURL: server.FileURL("B")},
	}

	err := e.Discover(context.Background(), tasks)
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "2 errors occurred") {
		t.Errorf("expected both failures reported, got %v", err)
	}
}

func TestRunDeclaredChecksumSkipsDiscovery(t *testing.T) {
	data := []byte("declared")
	server := testutils.StartArtifactServer(t, []testutils.TestFile{
		{Name: "a.img", Data: data},
		{Name: "SHA256SUMS", Data: []byte("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff  a.img\n")},
	})

	declared := testutils.SHA256(data)
	tasks := []*task.Task{{
		URL:         server.FileURL("a.img"),
		Checksum:    declared,
		ChecksumURL: server.FileURL("SHA256SUMS"),
	}}

	if err := Run(context.Background(), tasks, testOptions(t, t.TempDir())); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hits := server.Hits("SHA256SUMS"); hits != 0 {
		t.Errorf("expected listing not fetched, got %d", hits)
	}
	if tasks[0].Checksum != declared {
		t.Errorf("declared checksum was replaced with %q", tasks[0].Checksum)
	}
}

func TestRunInvalidTarget(t *testing.T) {
	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "a.img", Data: []byte("a")}})
	file := filepath.Join(t.TempDir(), "file")
	writeFile(t, file, []byte("x"))

	for _, root := range []string{"", filepath.Join(t.TempDir(), "missing"), file} {
		tasks := []*task.Task{{URL: server.FileURL("a.img")}}
		err := Run(context.Background(), tasks, testOptions(t, root))
		if !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("root %q: expected ErrInvalidTarget, got %v", root, err)
		}
	}
	if n := server.Requests(); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
}

func TestRunUnpacksDownload(t *testing.T) {
	payload := []byte("raw disk image")
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write(payload)
	zw.Close()

	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "disk.img.gz", Data: gz.Bytes()}})

	root := t.TempDir()
	tasks := []*task.Task{{URL: server.FileURL("disk.img.gz"), Unpack: []unpack.Kind{unpack.Gzip}}}

	if err := Run(context.Background(), tasks, testOptions(t, root)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := readFile(t, filepath.Join(root, "disk.img")); !bytes.Equal(got, payload) {
		t.Errorf("unexpected unpacked content %q", got)
	}
}

func TestRunUnpacksKeptFile(t *testing.T) {
	payload := []byte("kept payload")
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write(payload)
	zw.Close()

	server := testutils.StartArtifactServer(t, nil)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "data.bin"), gz.Bytes())

	tasks := []*task.Task{{
		URL:            server.FileURL("data.bin"),
		DownloadPolicy: task.PolicyMissing,
		Unpack:         []unpack.Kind{unpack.Gzip},
	}}

	if err := Run(context.Background(), tasks, testOptions(t, root)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := readFile(t, filepath.Join(root, "data.bin.gunzip")); !bytes.Equal(got, payload) {
		t.Errorf("unexpected unpacked content %q", got)
	}
}

func TestRunUnpackFailure(t *testing.T) {
	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "bad.gz", Data: []byte("not gzip")}})

	tasks := []*task.Task{{URL: server.FileURL("bad.gz"), Unpack: []unpack.Kind{unpack.Gzip}}}
	if err := Run(context.Background(), tasks, testOptions(t, t.TempDir())); err == nil {
		t.Fatal("expected unpack error")
	}
}

func TestRunMirror(t *testing.T) {
	ctx := context.Background()
	data := testutils.GenerateTestData(t, 3000)
	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "a.img", Data: data}})

	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()

	root := t.TempDir()
	newTasks := func() []*task.Task {
		return []*task.Task{{
			URL:            server.FileURL("a.img"),
			TargetSubdir:   "sub",
			Checksum:       testutils.SHA256(data),
			DownloadPolicy: task.PolicyChecksum,
		}}
	}

	opts := testOptions(t, root)
	opts.Mirror = bucket
	opts.RunID = "run-1"
	if err := Run(ctx, newTasks(), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	attrs, err := bucket.Attributes(ctx, "sub/a.img")
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	if attrs.Metadata[MetaChecksum] != testutils.SHA256(data) {
		t.Errorf("unexpected checksum metadata %q", attrs.Metadata[MetaChecksum])
	}
	if attrs.Metadata[MetaChecksumAlgo] != "sha256" {
		t.Errorf("unexpected algo metadata %q", attrs.Metadata[MetaChecksumAlgo])
	}
	if attrs.Metadata[MetaSourceURL] != server.FileURL("a.img") {
		t.Errorf("unexpected source metadata %q", attrs.Metadata[MetaSourceURL])
	}

	r, err := bucket.NewReader(ctx, "sub/a.img", nil)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	testutils.CompareReaderToData(t, r, data)
	r.Close()

	// A second run keeps the local file and finds the mirror current.
	opts.RunID = "run-2"
	if err := Run(ctx, newTasks(), opts); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	attrs, err = bucket.Attributes(ctx, "sub/a.img")
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	if attrs.Metadata[MetaRunID] != "run-1" {
		t.Errorf("expected object from run-1 to be kept, got %q", attrs.Metadata[MetaRunID])
	}
	if hits := server.Hits("a.img"); hits != 1 {
		t.Errorf("expected 1 download, got %d", hits)
	}
}

func TestRunMirrorReplacesStaleObject(t *testing.T) {
	ctx := context.Background()
	data := []byte("new")
	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "a.img", Data: data}})

	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()
	if err := bucket.WriteAll(ctx, "a.img", []byte("old"), &blob.WriterOptions{
		Metadata: map[string]string{MetaChecksum: testutils.SHA256([]byte("old")), MetaChecksumAlgo: "sha256"},
	}); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	opts := testOptions(t, t.TempDir())
	opts.Mirror = bucket
	if err := Run(ctx, []*task.Task{{URL: server.FileURL("a.img")}}, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := bucket.ReadAll(ctx, "a.img")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("expected mirror updated, got %q", got)
	}
}

func TestRunWritesMetricsFile(t *testing.T) {
	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "a.img", Data: []byte("a")}})

	opts := testOptions(t, t.TempDir())
	opts.Metrics = nil
	opts.MetricsFile = filepath.Join(t.TempDir(), "imagetter.prom")

	// The textfile is written even when the run fails.
	tasks := []*task.Task{
		{URL: server.FileURL("a.img")},
		{URL: server.FileURL("b.img")},
	}
	if err := Run(context.Background(), tasks, opts); err == nil {
		t.Fatal("expected error for missing artifact")
	}

	text := string(readFile(t, opts.MetricsFile))
	for _, want := range []string{
		`imagetter_tasks_total{result="downloaded"} 1`,
		`imagetter_tasks_total{result="failed"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics file missing %q:\n%s", want, text)
		}
	}
}

func TestRunProgressMarks(t *testing.T) {
	data := testutils.GenerateTestData(t, 4*1024)
	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "a.img", Data: data}})

	var out bytes.Buffer
	opts := testOptions(t, t.TempDir())
	opts.Progress = progress.NewReporter(progress.Options{Output: &out, Marks: true, TotalTasks: 1, Workers: 1})

	if err := Run(context.Background(), []*task.Task{{URL: server.FileURL("a.img")}}, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := out.String(); got != "...." {
		t.Errorf("expected one mark per 1KiB chunk, got %q", got)
	}
}

func TestRunContextCancelled(t *testing.T) {
	server := testutils.StartArtifactServer(t, []testutils.TestFile{{Name: "a.img", Data: []byte("a")}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, []*task.Task{{URL: server.FileURL("a.img")}}, testOptions(t, t.TempDir()))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDecide(t *testing.T) {
	log := logging.Discard("test")
	root := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		d, err := Decide(&task.Task{URL: "https://example.com/new.img"}, root, 1024, log)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if !d.Download || d.Path != filepath.Join(root, "new.img") {
			t.Errorf("unexpected decision %+v", d)
		}
	})

	t.Run("creates subdir", func(t *testing.T) {
		d, err := Decide(&task.Task{URL: "https://example.com/x.img", TargetSubdir: "a/b"}, root, 1024, log)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if d.Path != filepath.Join(root, "a", "b", "x.img") {
			t.Errorf("unexpected path %s", d.Path)
		}
		if info, err := os.Stat(filepath.Join(root, "a", "b")); err != nil || !info.IsDir() {
			t.Errorf("expected subdir created: %v", err)
		}
	})

	t.Run("subdir is a file", func(t *testing.T) {
		writeFile(t, filepath.Join(root, "plain"), []byte("x"))
		_, err := Decide(&task.Task{URL: "https://example.com/x.img", TargetSubdir: "plain"}, root, 1024, log)
		if !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("expected ErrInvalidTarget, got %v", err)
		}
	})

	t.Run("subdir below a file", func(t *testing.T) {
		writeFile(t, filepath.Join(root, "flat"), []byte("x"))
		for _, subdir := range []string{"flat/b", "flat/b/c"} {
			_, err := Decide(&task.Task{URL: "https://example.com/x.img", TargetSubdir: subdir}, root, 1024, log)
			if !errors.Is(err, ErrInvalidTarget) {
				t.Errorf("subdir %q: expected ErrInvalidTarget, got %v", subdir, err)
			}
		}
	})

	t.Run("directory at path", func(t *testing.T) {
		if err := os.Mkdir(filepath.Join(root, "dir.img"), 0o755); err != nil {
			t.Fatal(err)
		}
		_, err := Decide(&task.Task{URL: "https://example.com/dir.img"}, root, 1024, log)
		if !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("expected ErrInvalidTarget, got %v", err)
		}
	})

	t.Run("checksum policy without checksum", func(t *testing.T) {
		writeFile(t, filepath.Join(root, "nosum.img"), []byte("x"))
		d, err := Decide(&task.Task{URL: "https://example.com/nosum.img", DownloadPolicy: task.PolicyChecksum}, root, 1024, log)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if !d.Download {
			t.Error("expected download without a checksum to compare")
		}
		if _, err := os.Stat(d.Path); err != nil {
			t.Errorf("expected file kept until overwritten: %v", err)
		}
	})

	t.Run("checksum mismatch removes file", func(t *testing.T) {
		writeFile(t, filepath.Join(root, "old.img"), []byte("old"))
		d, err := Decide(&task.Task{
			URL:            "https://example.com/old.img",
			Checksum:       testutils.SHA256([]byte("new")),
			DownloadPolicy: task.PolicyChecksum,
		}, root, 1024, log)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if !d.Download {
			t.Error("expected download")
		}
		if _, err := os.Stat(d.Path); !os.IsNotExist(err) {
			t.Errorf("expected stale file removed, got %v", err)
		}
	})
}
