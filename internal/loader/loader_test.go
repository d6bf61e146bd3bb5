package loader

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

// fakeCopier drains the source reader through a small buffer, the way the
// wire protocol does, and records what it saw.
type fakeCopier struct {
	stmt      string
	bytesRead int64
	tag       string
	err       error
}

func (f *fakeCopier) CopyFrom(ctx context.Context, r io.Reader, sql string) (pgconn.CommandTag, error) {
	f.stmt = sql
	br := bufio.NewReaderSize(r, 4096)
	n, err := io.Copy(io.Discard, br)
	f.bytesRead = n
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag(f.tag), nil
}

func TestCopy(t *testing.T) {
	c := &fakeCopier{tag: "COPY 500"}
	src := strings.NewReader("id,name\n1,a\n2,b\n")

	res, err := Copy(context.Background(), c, src, "orders")
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}

	if res.RowsCopied != 500 {
		t.Errorf("RowsCopied = %d, want 500", res.RowsCopied)
	}
	if c.stmt != `COPY "orders" FROM STDIN WITH (FORMAT csv, HEADER true, DELIMITER ',')` {
		t.Errorf("unexpected statement: %s", c.stmt)
	}
	if c.bytesRead != 16 {
		t.Errorf("bytesRead = %d, want 16", c.bytesRead)
	}
}

func TestCopy_StatementQuotesTable(t *testing.T) {
	c := &fakeCopier{tag: "COPY 0"}

	_, err := Copy(context.Background(), c, strings.NewReader("h\n"), `drop"me`)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if !strings.Contains(c.stmt, `"drop""me"`) {
		t.Errorf("table name not quoted: %s", c.stmt)
	}
}

// failingReader errors partway through, simulating a dropped object stream.
type failingReader struct {
	data io.Reader
	errc error
}

func (r *failingReader) Read(p []byte) (int, error) {
	n, err := r.data.Read(p)
	if err == io.EOF {
		return n, r.errc
	}
	return n, err
}

func TestCopy_MidStreamFailure(t *testing.T) {
	c := &fakeCopier{}
	src := &failingReader{
		data: strings.NewReader("id,name\n1,a\n"),
		errc: errors.New("connection reset by peer"),
	}

	_, err := Copy(context.Background(), c, src, "orders")
	if !errors.Is(err, ErrCopyFailed) {
		t.Errorf("error = %v, want ErrCopyFailed", err)
	}
}

func TestCopy_ProtocolError(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "22P04", Message: "extra data after last expected column"}
	c := &fakeCopier{err: pgErr}

	_, err := Copy(context.Background(), c, strings.NewReader("a,b\n1,2,3\n"), "orders")
	if !errors.Is(err, ErrCopyFailed) {
		t.Errorf("error = %v, want ErrCopyFailed", err)
	}
	var got *pgconn.PgError
	if !errors.As(err, &got) || got.Code != "22P04" {
		t.Errorf("underlying pg error not preserved: %v", err)
	}
}

// TestCopy_StreamsWithoutBuffering feeds a source far larger than any
// plausible buffer and checks only that the copier can drain it; the source
// never materializes in memory because it is generated on the fly.
func TestCopy_StreamsWithoutBuffering(t *testing.T) {
	const size = 64 << 20 // 64 MiB of synthetic rows
	row := "1,widget,9.99\n"
	src := io.MultiReader(
		strings.NewReader("id,name,price\n"),
		&repeatReader{pattern: []byte(row), remaining: size},
	)

	c := &fakeCopier{tag: "COPY 1000000"}
	res, err := Copy(context.Background(), c, src, "widgets")
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if res.RowsCopied != 1000000 {
		t.Errorf("RowsCopied = %d", res.RowsCopied)
	}
	if c.bytesRead < size {
		t.Errorf("bytesRead = %d, want at least %d", c.bytesRead, size)
	}
}

// repeatReader yields a repeating pattern up to a byte limit.
type repeatReader struct {
	pattern   []byte
	offset    int
	remaining int64
}

func (r *repeatReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && r.remaining > 0 {
		p[n] = r.pattern[r.offset]
		r.offset = (r.offset + 1) % len(r.pattern)
		n++
		r.remaining--
	}
	return n, nil
}
