package bundle

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-translate/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-translate/internal/log"
	"github.com/keithlinneman/linnemanlabs-translate/internal/xerrors"
)

// ParamGetter is the part of the SSM API the loader calls.
type ParamGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ObjectGetter is the part of the S3 API the loader calls.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SignatureVerifier checks a detached signature over the bundle bytes.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

type Options struct {
	Logger log.Logger

	// SSM parameter holding the sha256 of the current release
	SSMParam string

	S3Bucket string
	S3Prefix string

	// ExtractDir is the parent directory; each release lands in ExtractDir/{hash}
	ExtractDir string

	// SigningKeyARN enables signature verification when set
	SigningKeyARN string

	// AWS config (default chain if nil)
	AWSConfig *aws.Config
}

// Release describes an extracted client build.
type Release struct {
	SHA256   string
	Dir      string
	Signed   bool
	Reused   bool
	LoadedAt time.Time
}

type Loader struct {
	opts     Options
	params   ParamGetter
	objects  ObjectGetter
	verifier SignatureVerifier
	logger   log.Logger
}

func (o Options) validate() error {
	if o.SSMParam == "" {
		return xerrors.New("SSMParam is required")
	}
	if o.S3Bucket == "" {
		return xerrors.New("S3Bucket is required")
	}
	if o.ExtractDir == "" {
		return xerrors.New("ExtractDir is required")
	}
	return nil
}

// NewLoader builds a loader backed by the real AWS clients.
func NewLoader(ctx context.Context, opts Options) (*Loader, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var awsCfg aws.Config
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}

	var verifier SignatureVerifier
	if opts.SigningKeyARN != "" {
		verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), opts.SigningKeyARN)
	}
	return newLoader(opts, ssm.NewFromConfig(awsCfg), s3.NewFromConfig(awsCfg), verifier)
}

func newLoader(opts Options, params ParamGetter, objects ObjectGetter, verifier SignatureVerifier) (*Loader, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	abs, err := filepath.Abs(opts.ExtractDir)
	if err != nil {
		return nil, xerrors.Wrapf(err, "resolve extract dir %s", opts.ExtractDir)
	}
	opts.ExtractDir = abs
	return &Loader{
		opts:     opts,
		params:   params,
		objects:  objects,
		verifier: verifier,
		logger:   opts.Logger.With("component", "bundle"),
	}, nil
}

// CurrentHash reads the release hash from SSM. Anything other than a 64
// character hex digest is refused since it ends up in an S3 key and a path.
func (l *Loader) CurrentHash(ctx context.Context) (string, error) {
	out, err := l.params.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}

	hash := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if !cryptoutil.ValidSHA256Hex(hash) {
		return "", xerrors.Newf("SSM parameter %s is not a sha256 hex digest", l.opts.SSMParam)
	}
	return hash, nil
}

func (l *Loader) s3Key(hash string) string {
	return path.Join(strings.Trim(l.opts.S3Prefix, "/"), hash+".tar.gz")
}

// Fetch resolves the current release and makes sure it is extracted.
func (l *Loader) Fetch(ctx context.Context) (*Release, error) {
	hash, err := l.CurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.FetchHash(ctx, hash)
}

// FetchHash downloads, verifies and extracts the release with the given hash.
func (l *Loader) FetchHash(ctx context.Context, hash string) (*Release, error) {
	hash = strings.ToLower(hash)
	if !cryptoutil.ValidSHA256Hex(hash) {
		return nil, xerrors.Newf("invalid release hash %q", hash)
	}
	dest := filepath.Join(l.opts.ExtractDir, hash)

	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		l.logger.Info(ctx, "client build already extracted", "hash", hash, "dir", dest)
		return &Release{SHA256: hash, Dir: dest, Reused: true, LoadedAt: time.Now().UTC()}, nil
	}

	key := l.s3Key(hash)
	l.logger.Info(ctx, "downloading client build",
		"bucket", l.opts.S3Bucket,
		"key", key,
		"expected_hash", hash,
	)

	data, actual, err := l.download(ctx, key, maxBundleSize)
	if err != nil {
		return nil, err
	}
	if !cryptoutil.HashEqual(actual, hash) {
		return nil, xerrors.Newf("checksum mismatch: expected %s, got %s", hash, actual)
	}

	signed := false
	if l.verifier != nil {
		sig, _, err := l.download(ctx, key+".sig", maxSignatureSize)
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch bundle signature")
		}
		if err := l.verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrap(err, "verify bundle signature")
		}
		signed = true
	}

	if err := os.MkdirAll(l.opts.ExtractDir, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "create extract dir %s", l.opts.ExtractDir)
	}
	// extract beside the destination and rename so a crash never leaves a
	// half-written release under the final name
	tmp, err := os.MkdirTemp(l.opts.ExtractDir, "."+hash+"-*")
	if err != nil {
		return nil, xerrors.Wrap(err, "create staging dir")
	}
	n, err := extractTarGz(data, tmp)
	if err != nil {
		_ = os.RemoveAll(tmp)
		return nil, xerrors.Wrap(err, "extract bundle")
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, xerrors.Wrap(err, "chmod staging dir")
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.RemoveAll(tmp)
		if fi, statErr := os.Stat(dest); statErr == nil && fi.IsDir() {
			// another process finished first
			return &Release{SHA256: hash, Dir: dest, Signed: signed, Reused: true, LoadedAt: time.Now().UTC()}, nil
		}
		return nil, xerrors.Wrapf(err, "move release into %s", dest)
	}

	l.logger.Info(ctx, "client build extracted",
		"hash", hash,
		"dir", dest,
		"files", n,
		"signed", signed,
	)
	return &Release{SHA256: hash, Dir: dest, Signed: signed, LoadedAt: time.Now().UTC()}, nil
}

func (l *Loader) download(ctx context.Context, key string, limit int64) ([]byte, string, error) {
	out, err := l.objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > limit {
		return nil, "", xerrors.Newf("s3://%s/%s is %d bytes, limit %d", l.opts.S3Bucket, key, *out.ContentLength, limit)
	}
	data, hash, err := readWithHash(out.Body, limit)
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "read s3://%s/%s", l.opts.S3Bucket, key)
	}
	return data, hash, nil
}
