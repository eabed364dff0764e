package reader

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"testing"
)

// --- Fakes ---

type textRecord string

func (r textRecord) String() string { return string(r) }

func (r textRecord) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(r))), nil
}

// fakeFiles opens in-memory "files" and counts source lifecycles.
type fakeFiles struct {
	files    map[string][]string
	openErr  error
	readErr  error
	failAt   int // pull index that returns readErr; -1 disables
	closeErr error

	opens  int
	closes int
	pulls  int
}

func newFakeFiles(records ...string) *fakeFiles {
	return &fakeFiles{
		files:  map[string][]string{"strings-2.parquet": records},
		failAt: -1,
	}
}

func (f *fakeFiles) open(path string) (RecordSource, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	recs, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: no such file", path)
	}
	f.opens++
	return &fakeSource{files: f, records: recs}, nil
}

type fakeSource struct {
	files   *fakeFiles
	records []string
	pos     int
	closed  bool
}

func (s *fakeSource) Next() (Record, error) {
	if s.closed {
		return nil, errors.New("read on closed source")
	}
	idx := s.files.pulls
	s.files.pulls++
	if s.files.failAt >= 0 && idx == s.files.failAt {
		return nil, s.files.readErr
	}
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := textRecord(s.records[s.pos])
	s.pos++
	return rec, nil
}

func (s *fakeSource) Close() error {
	if s.closed {
		return errors.New("double close")
	}
	s.closed = true
	s.files.closes++
	return s.files.closeErr
}

var testSSP = StreamPartition{System: "hdfs", Stream: "testStream", Partition: 0}

const testPath = "strings-2.parquet"

func newTestReader(f *fakeFiles) *SingleFileReader {
	return New(testSSP, f.open, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func drain(t *testing.T, r *SingleFileReader) ([]string, []string) {
	t.Helper()
	var values, offsets []string
	for {
		ok, err := r.HasNext()
		if err != nil {
			t.Fatalf("HasNext: %v", err)
		}
		if !ok {
			return values, offsets
		}
		env, err := r.ReadNext()
		if err != nil {
			t.Fatalf("ReadNext: %v", err)
		}
		values = append(values, env.Record.String())
		offsets = append(offsets, env.Offset)
	}
}

func assertStrings(t *testing.T, label string, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: expected %v, got %v", label, want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s: expected %v, got %v", label, want, got)
		}
	}
}

// --- Tests ---

func TestIterate(t *testing.T) {
	f := newFakeFiles("hello world", "hello foo")
	r := newTestReader(f)
	if err := r.Open(testPath, "0"); err != nil {
		t.Fatalf("open: %v", err)
	}

	values, offsets := drain(t, r)
	assertStrings(t, "values", values, []string{"hello world", "hello foo"})
	assertStrings(t, "offsets", offsets, []string{"0", "1"})

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if f.closes != 1 {
		t.Errorf("expected source released once, got %d", f.closes)
	}
}

func TestOpenAtOffset(t *testing.T) {
	f := newFakeFiles("hello world", "hello foo")
	r := newTestReader(f)
	if err := r.Open(testPath, "1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = r.Close() }()

	values, offsets := drain(t, r)
	assertStrings(t, "values", values, []string{"hello foo"})
	assertStrings(t, "offsets", offsets, []string{"1"})
}

func TestOpenAtEveryOffset(t *testing.T) {
	records := []string{"a", "b", "c", "d", "e"}
	for k := 0; k <= len(records); k++ {
		t.Run(strconv.Itoa(k), func(t *testing.T) {
			r := newTestReader(newFakeFiles(records...))
			if err := r.Open(testPath, FormatOffset(uint64(k))); err != nil {
				t.Fatalf("open: %v", err)
			}
			defer func() { _ = r.Close() }()

			if got := r.NextOffset(); got != strconv.Itoa(k) {
				t.Fatalf("expected next offset %d, got %s", k, got)
			}
			values, offsets := drain(t, r)
			assertStrings(t, "values", values, records[k:])
			for i, off := range offsets {
				if off != strconv.Itoa(k+i) {
					t.Fatalf("expected offset %d at position %d, got %s", k+i, i, off)
				}
			}
		})
	}
}

func TestSeekForward(t *testing.T) {
	f := newFakeFiles("hello world", "hello foo")
	r := newTestReader(f)
	if err := r.Open(testPath, "0"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = r.Close() }()

	if err := r.Seek("1"); err != nil {
		t.Fatalf("seek: %v", err)
	}
	values, _ := drain(t, r)
	assertStrings(t, "values", values, []string{"hello foo"})
	if f.opens != 1 {
		t.Errorf("forward seek should not reopen, got %d opens", f.opens)
	}
}

func TestSeekAfterPartialConsumptionMatchesFreshOpen(t *testing.T) {
	records := []string{"a", "b", "c", "d", "e", "f"}

	fresh := newTestReader(newFakeFiles(records...))
	if err := fresh.Open(testPath, "4"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = fresh.Close() }()
	wantValues, wantOffsets := drain(t, fresh)

	r := newTestReader(newFakeFiles(records...))
	if err := r.Open(testPath, "0"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = r.Close() }()
	for i := 0; i < 2; i++ {
		if _, err := r.ReadNext(); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if err := r.Seek("4"); err != nil {
		t.Fatalf("seek: %v", err)
	}
	gotValues, gotOffsets := drain(t, r)

	assertStrings(t, "values", gotValues, wantValues)
	assertStrings(t, "offsets", gotOffsets, wantOffsets)
}

func TestSeekBackwardRewinds(t *testing.T) {
	f := newFakeFiles("a", "b", "c")
	r := newTestReader(f)
	if err := r.Open(testPath, "0"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = r.Close() }()

	values, _ := drain(t, r)
	assertStrings(t, "first pass", values, []string{"a", "b", "c"})

	if err := r.Seek("1"); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if f.opens != 2 {
		t.Errorf("expected rewind to reopen the file, got %d opens", f.opens)
	}
	if f.closes != 1 {
		t.Errorf("expected rewind to release the old source once, got %d", f.closes)
	}

	values, offsets := drain(t, r)
	assertStrings(t, "replay", values, []string{"b", "c"})
	assertStrings(t, "offsets", offsets, []string{"1", "2"})
}

func TestSeekBackwardToStart(t *testing.T) {
	f := newFakeFiles("a", "b")
	r := newTestReader(f)
	if err := r.Open(testPath, "2"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = r.Close() }()

	if err := r.Seek(StartOffset); err != nil {
		t.Fatalf("seek: %v", err)
	}
	values, _ := drain(t, r)
	assertStrings(t, "values", values, []string{"a", "b"})
}

func TestSeekPastEndOfFile(t *testing.T) {
	f := newFakeFiles("a", "b")
	r := newTestReader(f)
	if err := r.Open(testPath, "10"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = r.Close() }()

	ok, err := r.HasNext()
	if err != nil {
		t.Fatalf("HasNext: %v", err)
	}
	if ok {
		t.Fatal("expected no records after seeking past end of file")
	}
	if got := r.NextOffset(); got != "2" {
		t.Errorf("expected offset to stop at 2, got %s", got)
	}

	// Seeking back into the file resumes reading.
	if err := r.Seek("1"); err != nil {
		t.Fatalf("seek: %v", err)
	}
	values, _ := drain(t, r)
	assertStrings(t, "values", values, []string{"b"})
}

func TestSeekSameOffsetIsNoop(t *testing.T) {
	f := newFakeFiles("a", "b", "c")
	r := newTestReader(f)
	if err := r.Open(testPath, "1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = r.Close() }()

	pulls := f.pulls
	if err := r.Seek("1"); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if f.pulls != pulls || f.opens != 1 {
		t.Errorf("expected no source activity, pulls %d -> %d, opens %d", pulls, f.pulls, f.opens)
	}
	values, _ := drain(t, r)
	assertStrings(t, "values", values, []string{"b", "c"})
}

func TestSeekAtExhaustedOffsetIsNoop(t *testing.T) {
	f := newFakeFiles("a")
	r := newTestReader(f)
	if err := r.Open(testPath, "0"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = r.Close() }()
	drain(t, r)

	if err := r.Seek("1"); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if f.opens != 1 {
		t.Errorf("expected no reopen, got %d opens", f.opens)
	}
	ok, _ := r.HasNext()
	if ok {
		t.Error("expected reader to stay exhausted")
	}
}

func TestHasNextIsIdempotent(t *testing.T) {
	f := newFakeFiles("a", "b")
	r := newTestReader(f)
	if err := r.Open(testPath, "0"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = r.Close() }()

	for i := 0; i < 3; i++ {
		ok, err := r.HasNext()
		if err != nil || !ok {
			t.Fatalf("HasNext #%d: ok=%v err=%v", i, ok, err)
		}
	}
	if f.pulls != 1 {
		t.Errorf("expected a single pull, got %d", f.pulls)
	}
	if got := r.NextOffset(); got != "0" {
		t.Errorf("HasNext moved offset to %s", got)
	}

	env, err := r.ReadNext()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Record.String() != "a" || env.Offset != "0" {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestReadNextWithoutHasNext(t *testing.T) {
	r := newTestReader(newFakeFiles("a", "b"))
	if err := r.Open(testPath, "0"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = r.Close() }()

	for i, want := range []string{"a", "b"} {
		env, err := r.ReadNext()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if env.Record.String() != want {
			t.Errorf("expected %s, got %s", want, env.Record)
		}
	}
}

func TestReadNextFailsWhenNoMoreRecords(t *testing.T) {
	r := newTestReader(newFakeFiles("hello world", "hello foo"))
	if err := r.Open(testPath, "0"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = r.Close() }()

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		_, err = r.ReadNext()
	}
	if err == nil {
		t.Fatal("expected over-read error")
	}
	if !IsOverRead(err) {
		t.Errorf("expected KindOverRead, got %v", err)
	}
	if !errors.Is(err, ErrNoMoreRecords) {
		t.Errorf("expected ErrNoMoreRecords, got %v", err)
	}
	if got := r.NextOffset(); got != "2" {
		t.Errorf("over-read must not advance offset, got %s", got)
	}

	// Subsequent calls keep failing rather than returning stale data.
	if _, err := r.ReadNext(); !IsOverRead(err) {
		t.Errorf("expected repeated over-read error, got %v", err)
	}
}

func TestEnvelopeCarriesIdentity(t *testing.T) {
	r := newTestReader(newFakeFiles("a"))
	if err := r.Open(testPath, "0"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = r.Close() }()

	env, err := r.ReadNext()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.StreamPartition != testSSP {
		t.Errorf("expected %v, got %v", testSSP, env.StreamPartition)
	}
	if env.Key != nil {
		t.Errorf("expected nil key, got %q", env.Key)
	}
	if env.StreamPartition.String() != "hdfs.testStream.0" {
		t.Errorf("unexpected identity string %s", env.StreamPartition)
	}
}

func TestOpenFailure(t *testing.T) {
	f := newFakeFiles("a")
	f.openErr = errors.New("namenode unavailable")
	r := newTestReader(f)

	err := r.Open(testPath, "0")
	if KindOf(err) != KindOpen {
		t.Fatalf("expected KindOpen, got %v", err)
	}
	if !errors.Is(err, f.openErr) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
	if _, err := r.HasNext(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen after failed open, got %v", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	r := newTestReader(newFakeFiles("a"))
	if err := r.Open("missing.parquet", "0"); KindOf(err) != KindOpen {
		t.Fatalf("expected KindOpen, got %v", err)
	}
}

func TestOpenInvalidOffsetReleasesSource(t *testing.T) {
	for _, offset := range []string{"", "-1", "+1", "abc", "1.5", " 1"} {
		t.Run(offset, func(t *testing.T) {
			f := newFakeFiles("a")
			r := newTestReader(f)
			err := r.Open(testPath, offset)
			if !errors.Is(err, ErrInvalidOffset) {
				t.Fatalf("expected ErrInvalidOffset, got %v", err)
			}
			if f.opens != 1 || f.closes != 1 {
				t.Errorf("expected source opened and released once, got opens=%d closes=%d", f.opens, f.closes)
			}
		})
	}
}

func TestReadFailureIsSurfaced(t *testing.T) {
	f := newFakeFiles("a", "b", "c")
	f.failAt = 1
	f.readErr = errors.New("checksum mismatch")
	r := newTestReader(f)
	if err := r.Open(testPath, "0"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = r.Close() }()

	if _, err := r.ReadNext(); err != nil {
		t.Fatalf("first read: %v", err)
	}
	_, err := r.HasNext()
	if KindOf(err) != KindRead {
		t.Fatalf("expected KindRead, got %v", err)
	}
	if !errors.Is(err, f.readErr) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
	if got := r.NextOffset(); got != "1" {
		t.Errorf("failed read must not advance offset, got %s", got)
	}
}

func TestReadFailureDuringOpenSeek(t *testing.T) {
	f := newFakeFiles("a", "b", "c")
	f.failAt = 1
	f.readErr = errors.New("connection reset")
	r := newTestReader(f)

	err := r.Open(testPath, "3")
	if KindOf(err) != KindRead {
		t.Fatalf("expected KindRead, got %v", err)
	}
	if f.closes != 1 {
		t.Errorf("expected source released after failed open, got %d closes", f.closes)
	}
}

func TestCloseFailure(t *testing.T) {
	f := newFakeFiles("a")
	f.closeErr = errors.New("lease expired")
	r := newTestReader(f)
	if err := r.Open(testPath, "0"); err != nil {
		t.Fatalf("open: %v", err)
	}

	err := r.Close()
	if KindOf(err) != KindClose {
		t.Fatalf("expected KindClose, got %v", err)
	}
	if !errors.Is(err, f.closeErr) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
}

func TestCloseUnopenedAndTwice(t *testing.T) {
	f := newFakeFiles("a")
	r := newTestReader(f)
	if err := r.Close(); err != nil {
		t.Fatalf("close unopened: %v", err)
	}

	r = newTestReader(f)
	if err := r.Open(testPath, "0"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if f.closes != 1 {
		t.Errorf("expected one release, got %d", f.closes)
	}
}

func TestUseAfterClose(t *testing.T) {
	r := newTestReader(newFakeFiles("a"))
	if err := r.Open(testPath, "0"); err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = r.Close()

	if _, err := r.ReadNext(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from ReadNext, got %v", err)
	}
	if err := r.Seek("0"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Seek, got %v", err)
	}
	if err := r.Open(testPath, "0"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Open, got %v", err)
	}
}

func TestOpenTwice(t *testing.T) {
	r := newTestReader(newFakeFiles("a"))
	if err := r.Open(testPath, "0"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = r.Close() }()
	if err := r.Open(testPath, "0"); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}
}

func TestRewindCloseFailure(t *testing.T) {
	f := newFakeFiles("a", "b")
	r := newTestReader(f)
	if err := r.Open(testPath, "2"); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.closeErr = errors.New("release failed")

	err := r.Seek("0")
	if KindOf(err) != KindClose {
		t.Fatalf("expected KindClose, got %v", err)
	}
	if _, err := r.HasNext(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen after failed rewind, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("close after failed rewind should be a no-op, got %v", err)
	}
	if f.closes != 1 {
		t.Errorf("expected old source released exactly once, got %d", f.closes)
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindOpen, "open"},
		{KindRead, "read"},
		{KindOverRead, "over-read"},
		{KindClose, "close"},
		{Kind(0), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %s, want %s", tt.kind, got, tt.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindRead, Path: "/data/a.parquet", Offset: "7", Err: io.ErrUnexpectedEOF}
	want := "read /data/a.parquet at offset 7: unexpected EOF"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
