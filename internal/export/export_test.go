package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"transitcoords/internal/coords"
	"transitcoords/internal/ephemeris"
	"transitcoords/internal/fitsimage"
)

// stubImage is what the stub decoder returns for one base name.
type stubImage struct {
	date  string
	tx    float64
	ty    float64
	err   error
	delay time.Duration
}

type stubDecoder struct {
	images map[string]stubImage
	mu     sync.Mutex
	calls  []string
}

func (d *stubDecoder) Decode(path string) (*fitsimage.Record, error) {
	d.mu.Lock()
	d.calls = append(d.calls, filepath.Base(path))
	d.mu.Unlock()

	img, ok := d.images[filepath.Base(path)]
	if !ok {
		return nil, &fitsimage.DecodeError{Path: path, Err: errors.New("no stub")}
	}
	time.Sleep(img.delay)
	if img.err != nil {
		return nil, img.err
	}
	date, err := fitsimage.ParseDate(img.date)
	if err != nil {
		return nil, &fitsimage.DecodeError{Path: path, Err: err}
	}
	return &fitsimage.Record{Path: path, Date: date}, nil
}

// stubLocator returns the offsets registered for the record's file.
type stubLocator struct {
	images map[string]stubImage
	err    error
}

func (l stubLocator) Locate(_ ephemeris.Body, rec *fitsimage.Record) (coords.HPC, error) {
	if l.err != nil {
		return coords.HPC{}, l.err
	}
	img := l.images[filepath.Base(rec.Path)]
	return coords.HPC{Tx: img.tx, Ty: img.ty}, nil
}

func newStubExporter(images map[string]stubImage) (*Exporter, *stubDecoder) {
	dec := &stubDecoder{images: images}
	return &Exporter{Decoder: dec, Locator: stubLocator{images: images}}, dec
}

// touch creates empty files so the glob has something to match.
func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatalf("touch %s: %v", n, err)
		}
	}
}

func testRequest(dir string) Request {
	req := DefaultRequest()
	req.Pattern = filepath.Join(dir, "a_*.fits")
	req.Output = filepath.Join(dir, "coords.txt")
	return req
}

func readOutput(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	return string(b)
}

func TestFormatLine(t *testing.T) {
	tests := []struct {
		name   string
		date   string
		tx, ty float64
		sep    string
		want   string
	}{
		{"classic", "2012-06-05T22:09:45.000", 959.34, 325.71, "", "2012-06-05T22:09:45      959.3     325.7\n"},
		{"rounds up", "2012-06-05T22:10:45.000", 958.95, 326.02, "", "2012-06-05T22:10:45      959.0     326.0\n"},
		{"negative", "2012-06-05T22:09:45.999", -816.04, -5.55, "", "2012-06-05T22:09:45     -816.0      -5.5\n"},
		{"negative zero", "2012-06-05T22:09:45", -0.01, 0, "", "2012-06-05T22:09:45       -0.0       0.0\n"},
		{"separator", "2012-06-05T22:09:45.5Z", 1, 2, " ", "2012-06-05T22:09:45        1.0        2.0\n"},
		{"wide value", "2012-06-05T22:09:45", 123456789.25, 0, "", "2012-06-05T22:09:45 123456789.2       0.0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatLine(tt.date, tt.tx, tt.ty, tt.sep); got != tt.want {
				t.Fatalf("FormatLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatLineWidths(t *testing.T) {
	for _, v := range []float64{0, 1.04, -1.04, 959.34, -959.34, 12345.67, -99999.9} {
		line := FormatLine("2012-06-05T22:09:45.123", v, -v, "")
		body := strings.TrimSuffix(line, "\n")
		if len(body) != TimestampWidth+1+20 {
			t.Fatalf("line %q has length %d", line, len(body))
		}
		for _, field := range []string{body[20:30], body[30:40]} {
			dot := strings.IndexByte(field, '.')
			if dot != len(field)-2 {
				t.Fatalf("field %q does not have exactly one fractional digit", field)
			}
		}
	}
}

func TestTimestamp(t *testing.T) {
	if got := Timestamp("2012-06-05T22:09:45.123456"); got != "2012-06-05T22:09:45" {
		t.Fatalf("Timestamp() = %q", got)
	}
	if got := Timestamp("2012-06-05"); got != "2012-06-05" {
		t.Fatalf("short dates pass through, got %q", got)
	}
}

func TestRunTwoFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a_0002.fits", "a_0001.fits")
	exp, _ := newStubExporter(map[string]stubImage{
		"a_0001.fits": {date: "2012-06-05T22:09:45.000", tx: 959.34, ty: 325.71},
		"a_0002.fits": {date: "2012-06-05T22:10:45.000", tx: 958.95, ty: 326.02},
	})
	req := testRequest(dir)

	sum, err := exp.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "2012-06-05T22:09:45      959.3     325.7\n" +
		"2012-06-05T22:10:45      959.0     326.0\n"
	if got := readOutput(t, req.Output); got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
	if sum.Matched != 2 || sum.Written != 2 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Results[0].Date != "2012-06-05T22:09:45" || sum.Results[1].Position.Tx != 958.95 {
		t.Fatalf("results = %+v", sum.Results)
	}
}

func TestRunEmptyMatchSet(t *testing.T) {
	dir := t.TempDir()
	req := testRequest(dir)
	if err := os.WriteFile(req.Output, []byte("stale\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	exp, dec := newStubExporter(nil)

	sum, err := exp.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := readOutput(t, req.Output); got != "" {
		t.Fatalf("expected empty output, got %q", got)
	}
	if sum.Matched != 0 || len(dec.calls) != 0 {
		t.Fatalf("summary = %+v, decoder calls = %v", sum, dec.calls)
	}
}

func threeImages(middle error) map[string]stubImage {
	return map[string]stubImage{
		"a_0001.fits": {date: "2012-06-05T22:09:45.000", tx: 1, ty: 2},
		"a_0002.fits": {date: "2012-06-05T22:10:45.000", err: middle},
		"a_0003.fits": {date: "2012-06-05T22:11:45.000", tx: 5, ty: 6},
	}
}

func TestRunAbortKeepsEarlierLines(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			dir := t.TempDir()
			touch(t, dir, "a_0001.fits", "a_0002.fits", "a_0003.fits")
			bad := &fitsimage.DecodeError{Path: "a_0002.fits", Err: errors.New("not a FITS file")}
			exp, _ := newStubExporter(threeImages(bad))
			req := testRequest(dir)
			req.Workers = workers

			sum, err := exp.Run(context.Background(), req)
			if !errors.Is(err, fitsimage.ErrDecode) {
				t.Fatalf("expected decode error, got %v", err)
			}
			var fe *FileError
			if !errors.As(err, &fe) || fe.Index != 1 || filepath.Base(fe.Path) != "a_0002.fits" {
				t.Fatalf("expected FileError for index 1, got %#v", err)
			}

			want := "2012-06-05T22:09:45        1.0       2.0\n"
			if got := readOutput(t, req.Output); got != want {
				t.Fatalf("output = %q, want %q", got, want)
			}
			if sum.Written != 1 || sum.Failed != 1 || len(sum.Results) != 2 {
				t.Fatalf("summary = %+v", sum)
			}
		})
	}
}

func TestRunCollectSkipsFailures(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a_0001.fits", "a_0002.fits", "a_0003.fits")
	exp, _ := newStubExporter(threeImages(&fitsimage.DecodeError{Path: "a_0002.fits", Err: errors.New("truncated")}))
	req := testRequest(dir)
	req.Policy = PolicyCollect
	req.Workers = 2

	sum, err := exp.Run(context.Background(), req)
	if !errors.Is(err, fitsimage.ErrDecode) {
		t.Fatalf("expected joined decode error, got %v", err)
	}
	want := "2012-06-05T22:09:45        1.0       2.0\n" +
		"2012-06-05T22:11:45        5.0       6.0\n"
	if got := readOutput(t, req.Output); got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
	if sum.Matched != 3 || sum.Written != 2 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Results[1].Err == nil || sum.Results[2].Err != nil {
		t.Fatalf("unexpected per-file results %+v", sum.Results)
	}
}

func TestRunLocatorFailure(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a_0001.fits")
	images := map[string]stubImage{"a_0001.fits": {date: "2012-06-05T22:09:45"}}
	exp := &Exporter{
		Decoder: &stubDecoder{images: images},
		Locator: stubLocator{err: fmt.Errorf("%w: %w", ErrEphemeris, ephemeris.ErrOutOfRange)},
	}

	_, err := exp.Run(context.Background(), testRequest(dir))
	if !errors.Is(err, ErrEphemeris) || !errors.Is(err, ephemeris.ErrOutOfRange) {
		t.Fatalf("expected ephemeris error, got %v", err)
	}
}

func TestRunParallelKeepsSortedOrder(t *testing.T) {
	dir := t.TempDir()
	images := map[string]stubImage{}
	var want strings.Builder
	const n = 24
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("a_%04d.fits", i)
		touch(t, dir, name)
		date := time.Date(2012, 6, 5, 22, 0, i, 0, time.UTC).Format("2006-01-02T15:04:05.000")
		// Early files are the slowest so completion order is reversed.
		images[name] = stubImage{date: date, tx: float64(i), ty: float64(-i), delay: time.Duration(n-i) * time.Millisecond}
		want.WriteString(FormatLine(date, float64(i), float64(-i), ""))
	}
	exp, _ := newStubExporter(images)
	req := testRequest(dir)
	req.Workers = 8

	sum, err := exp.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := readOutput(t, req.Output); got != want.String() {
		t.Fatalf("output out of order:\n%s", got)
	}
	if got := strings.Count(want.String(), "\n"); got != sum.Matched || sum.Written != n {
		t.Fatalf("line count %d, summary %+v", got, sum)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a_0001.fits", "a_0002.fits")
	exp, _ := newStubExporter(map[string]stubImage{
		"a_0001.fits": {date: "2012-06-05T22:09:45.000", tx: 959.34, ty: 325.71},
		"a_0002.fits": {date: "2012-06-05T22:10:45.000", tx: 958.95, ty: 326.02},
	})
	req := testRequest(dir)

	if _, err := exp.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	first := readOutput(t, req.Output)
	req.Workers = 4
	if _, err := exp.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if second := readOutput(t, req.Output); second != first {
		t.Fatalf("runs differ:\n%q\n%q", first, second)
	}
}

func TestRunOnResultSeesIndexOrder(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a_0001.fits", "a_0002.fits", "a_0003.fits")
	exp, _ := newStubExporter(threeImages(errors.New("bad")))
	req := testRequest(dir)
	req.Policy = PolicyCollect
	req.Workers = 3

	var seen []int
	req.OnResult = func(r Result) { seen = append(seen, r.Index) }
	if _, err := exp.Run(context.Background(), req); err == nil {
		t.Fatal("expected collected error")
	}
	if fmt.Sprint(seen) != "[0 1 2]" {
		t.Fatalf("OnResult order = %v", seen)
	}
}

func TestRunCanceledContext(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a_0001.fits", "a_0002.fits")
	exp, _ := newStubExporter(threeImages(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exp.Run(ctx, testRequest(dir))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	dir := t.TempDir()
	req := testRequest(dir)
	req.Workers = 0
	req.Policy = "retry"
	exp, _ := newStubExporter(nil)

	_, err := exp.Run(context.Background(), req)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, statErr := os.Stat(req.Output); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("output should not be created for invalid requests")
	}
}

func TestRequestValidate(t *testing.T) {
	if err := DefaultRequest().Validate(); err != nil {
		t.Fatalf("default request: %v", err)
	}

	bad := Request{Pattern: "[", Output: " ", Body: 0, Workers: 0, Policy: "sometimes"}
	err := bad.Validate()
	if !errors.Is(err, ErrInvalidRequest) || !errors.Is(err, ephemeris.ErrUnknownBody) {
		t.Fatalf("unexpected error %v", err)
	}
	for _, want := range []string{"pattern", "output", "workers", "policy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyAbort, "abort": PolicyAbort, " Collect ": PolicyCollect} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("retry"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}
