package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/linnemanlabs-translate/internal/cryptoutil"
)

// helpers

type tarEntry struct {
	name     string
	body     string
	typeflag byte
}

func makeTarGz(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, e := range entries {
		tf := e.typeflag
		if tf == 0 {
			tf = tar.TypeReg
		}
		hdr := &tar.Header{Name: e.name, Mode: 0o600, Typeflag: tf}
		if tf == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		if tf == tar.TypeSymlink || tf == tar.TypeLink {
			hdr.Linkname = "/etc/passwd"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header %q: %v", e.name, err)
		}
		if tf == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write tar content %q: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func clientBuild(t *testing.T) []byte {
	return makeTarGz(t,
		tarEntry{name: "./", typeflag: tar.TypeDir},
		tarEntry{name: "./index.html", body: "<!doctype html><div id=root></div>"},
		tarEntry{name: "./favicon.svg", body: "<svg/>"},
		tarEntry{name: "./assets/", typeflag: tar.TypeDir},
		tarEntry{name: "./assets/index-abc123.js", body: "console.log(1)"},
	)
}

type fakeSSM struct {
	value *string
	err   error
	name  string
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.name = aws.ToString(in.Name)
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: f.value}}, nil
}

type fakeS3 struct {
	objects map[string][]byte
	gets    []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	f.gets = append(f.gets, key)
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("NoSuchKey: " + key)
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

type fakeVerifier struct {
	err     error
	message []byte
	sig     []byte
}

func (f *fakeVerifier) VerifySignature(_ context.Context, message, sig []byte) error {
	f.message, f.sig = message, sig
	return f.err
}

func newTestLoader(t *testing.T, data []byte, v SignatureVerifier) (*Loader, *fakeS3, string) {
	t.Helper()
	hash := cryptoutil.SHA256Hex(data)
	objects := &fakeS3{objects: map[string][]byte{
		"releases/" + hash + ".tar.gz":     data,
		"releases/" + hash + ".tar.gz.sig": []byte("sig-bytes"),
	}}
	l, err := newLoader(Options{
		SSMParam:   "/translate/client/sha256",
		S3Bucket:   "builds",
		S3Prefix:   "/releases/",
		ExtractDir: t.TempDir(),
	}, &fakeSSM{value: aws.String(" " + strings.ToUpper(hash) + "\n")}, objects, v)
	if err != nil {
		t.Fatal(err)
	}
	return l, objects, hash
}

// options

func TestNewLoader_RequiresFields(t *testing.T) {
	cases := []Options{
		{S3Bucket: "b", ExtractDir: "/tmp/x"},
		{SSMParam: "/p", ExtractDir: "/tmp/x"},
		{SSMParam: "/p", S3Bucket: "b"},
		{},
	}
	for i, opts := range cases {
		if _, err := NewLoader(context.Background(), opts); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestLoader_s3Key(t *testing.T) {
	tests := []struct{ prefix, want string }{
		{"", "abc.tar.gz"},
		{"releases", "releases/abc.tar.gz"},
		{"/releases/client/", "releases/client/abc.tar.gz"},
	}
	for _, tt := range tests {
		l := &Loader{opts: Options{S3Prefix: tt.prefix}}
		if got := l.s3Key("abc"); got != tt.want {
			t.Errorf("s3Key with prefix %q = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

// CurrentHash

func TestCurrentHash_Rejects(t *testing.T) {
	tests := []struct {
		name string
		ssm  *fakeSSM
	}{
		{"api error", &fakeSSM{err: errors.New("ParameterNotFound")}},
		{"nil value", &fakeSSM{}},
		{"empty", &fakeSSM{value: aws.String("  ")}},
		{"not hex", &fakeSSM{value: aws.String("../../etc/passwd")}},
		{"short", &fakeSSM{value: aws.String("abc123")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := newLoader(Options{SSMParam: "/p", S3Bucket: "b", ExtractDir: t.TempDir()}, tt.ssm, &fakeS3{}, nil)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := l.CurrentHash(context.Background()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// Fetch

func TestFetch_ExtractsRelease(t *testing.T) {
	l, objects, hash := newTestLoader(t, clientBuild(t), nil)

	rel, err := l.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rel.SHA256 != hash || rel.Signed || rel.Reused {
		t.Fatalf("release = %+v", rel)
	}
	if rel.Dir != filepath.Join(l.opts.ExtractDir, hash) {
		t.Fatalf("dir = %s", rel.Dir)
	}
	got, err := os.ReadFile(filepath.Join(rel.Dir, "assets", "index-abc123.js"))
	if err != nil || string(got) != "console.log(1)" {
		t.Fatalf("asset = %q, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(rel.Dir, "index.html")); err != nil {
		t.Fatal(err)
	}
	if len(objects.gets) != 1 {
		t.Fatalf("gets = %v, signature should not be fetched without a verifier", objects.gets)
	}

	// leftover staging dirs would pile up across restarts
	entries, _ := os.ReadDir(l.opts.ExtractDir)
	if len(entries) != 1 {
		t.Fatalf("extract dir has %d entries, want 1", len(entries))
	}
}

func TestFetch_ReusesExtractedRelease(t *testing.T) {
	l, objects, _ := newTestLoader(t, clientBuild(t), nil)
	if _, err := l.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	rel, err := l.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !rel.Reused || len(objects.gets) != 1 {
		t.Fatalf("reused=%v gets=%v", rel.Reused, objects.gets)
	}
}

func TestFetch_ChecksumMismatch(t *testing.T) {
	data := clientBuild(t)
	l, objects, hash := newTestLoader(t, data, nil)
	objects.objects["releases/"+hash+".tar.gz"] = append([]byte{}, clientBuild(t)[:10]...)

	if _, err := l.Fetch(context.Background()); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(l.opts.ExtractDir, hash)); !os.IsNotExist(err) {
		t.Fatal("release dir should not exist after a failed fetch")
	}
}

func TestFetch_MissingObject(t *testing.T) {
	l, objects, _ := newTestLoader(t, clientBuild(t), nil)
	objects.objects = map[string][]byte{}
	if _, err := l.Fetch(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestFetch_Signature(t *testing.T) {
	data := clientBuild(t)
	v := &fakeVerifier{}
	l, objects, _ := newTestLoader(t, data, v)

	rel, err := l.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !rel.Signed {
		t.Fatal("release should be marked signed")
	}
	if !bytes.Equal(v.message, data) || string(v.sig) != "sig-bytes" {
		t.Fatal("verifier did not see the bundle and signature")
	}
	if len(objects.gets) != 2 || !strings.HasSuffix(objects.gets[1], ".tar.gz.sig") {
		t.Fatalf("gets = %v", objects.gets)
	}
}

func TestFetch_BadSignature(t *testing.T) {
	v := &fakeVerifier{err: errors.New("ECDSA signature verification failed")}
	l, _, hash := newTestLoader(t, clientBuild(t), v)

	if _, err := l.Fetch(context.Background()); err == nil || !errors.Is(err, v.err) {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(l.opts.ExtractDir, hash)); !os.IsNotExist(err) {
		t.Fatal("unverified release must not be extracted")
	}
}

func TestFetchHash_RejectsInvalidHash(t *testing.T) {
	l, _, _ := newTestLoader(t, clientBuild(t), nil)
	if _, err := l.FetchHash(context.Background(), "../escape"); err == nil {
		t.Fatal("expected error")
	}
}

// extraction

func TestExtract_RejectsUnsafeEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry tarEntry
	}{
		{"parent traversal", tarEntry{name: "../evil.txt", body: "x"}},
		{"nested traversal", tarEntry{name: "assets/../../evil.txt", body: "x"}},
		{"absolute", tarEntry{name: "/etc/cron.d/evil", body: "x"}},
		{"symlink", tarEntry{name: "link", typeflag: tar.TypeSymlink}},
		{"hardlink", tarEntry{name: "hard", typeflag: tar.TypeLink}},
		{"fifo", tarEntry{name: "pipe", typeflag: tar.TypeFifo}},
		{"char device", tarEntry{name: "dev", typeflag: tar.TypeChar}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := t.TempDir()
			dst := filepath.Join(parent, "out")
			if err := os.Mkdir(dst, 0o755); err != nil {
				t.Fatal(err)
			}
			if _, err := extractTarGz(makeTarGz(t, tt.entry), dst); err == nil {
				t.Fatal("expected error")
			}
			if _, err := os.Stat(filepath.Join(parent, "evil.txt")); !os.IsNotExist(err) {
				t.Fatal("file written outside destination")
			}
		})
	}
}

func TestExtract_InvalidGzip(t *testing.T) {
	if _, err := extractTarGz([]byte("not gzip"), t.TempDir()); err == nil {
		t.Fatal("expected error")
	}
}

func TestExtract_OversizedFile(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	_ = tw.WriteHeader(&tar.Header{Name: "big.bin", Mode: 0o644, Size: maxSingleFile + 1})
	_, _ = tw.Write(make([]byte, maxSingleFile+1))
	_ = tw.Close()
	_ = gw.Close()

	if _, err := extractTarGz(buf.Bytes(), t.TempDir()); err == nil || !strings.Contains(err.Error(), "exceeds max size") {
		t.Fatalf("err = %v", err)
	}
}

func TestExtract_CountsFiles(t *testing.T) {
	n, err := extractTarGz(clientBuild(t), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("files = %d, want 3", n)
	}
}

func TestReadWithHash(t *testing.T) {
	data, hash, err := readWithHash(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" || hash != cryptoutil.SHA256Hex([]byte("hello")) {
		t.Fatalf("got %q %s %v", data, hash, err)
	}
	if _, _, err := readWithHash(strings.NewReader("hello!"), 5); err == nil {
		t.Fatal("expected size error")
	}
}
