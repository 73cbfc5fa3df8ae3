// Package publish uploads assembled documents to S3-compatible object storage.
package publish

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/Sternrassler/flipbook-mirror/pkg/logging"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidURI means a destination is not of the form s3://bucket/key.
	ErrInvalidURI = errors.New("invalid s3 uri")

	// ErrObjectExists means the destination key is taken and overwriting is disabled.
	ErrObjectExists = errors.New("object already exists")
)

// ContentType of uploaded documents.
const ContentType = "application/pdf"

// API defines the subset of the S3 client used by the publisher.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Location is an object address.
type Location struct {
	Bucket string
	Key    string
}

// String returns the s3:// form.
func (l Location) String() string {
	return "s3://" + l.Bucket + "/" + l.Key
}

// IsURI reports whether s addresses object storage rather than a local path.
func IsURI(s string) bool {
	return strings.HasPrefix(s, "s3://")
}

// ParseURI parses s3://bucket/key. A key ending in "/" gets defaultName appended.
func ParseURI(s, defaultName string) (Location, error) {
	if !IsURI(s) {
		return Location{}, fmt.Errorf("%w: %q", ErrInvalidURI, s)
	}

	u, err := url.Parse(s)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("%w: missing bucket in %q", ErrInvalidURI, s)
	}

	key := strings.TrimPrefix(u.Path, "/")
	if key == "" || strings.HasSuffix(key, "/") {
		if defaultName == "" {
			return Location{}, fmt.Errorf("%w: missing key in %q", ErrInvalidURI, s)
		}
		key = path.Join(key, defaultName)
	}

	return Location{Bucket: u.Host, Key: key}, nil
}

// Config holds publisher configuration.
type Config struct {
	// Overwrite replaces an existing object; otherwise the upload is conditional
	Overwrite bool
}

// Publisher uploads files.
type Publisher struct {
	client API
	config Config
	logger zerolog.Logger
}

// New creates a publisher backed by client.
func New(client API, cfg Config) *Publisher {
	if client == nil {
		panic("publish: client cannot be nil")
	}
	return &Publisher{
		client: client,
		config: cfg,
		logger: logging.NewLogger("publish"),
	}
}

// Upload stores the local file at filePath under loc.
func (p *Publisher) Upload(ctx context.Context, filePath string, loc Location) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filePath, err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(loc.Bucket),
		Key:           aws.String(loc.Key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(ContentType),
	}
	if !p.config.Overwrite {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := p.client.PutObject(ctx, input); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			code := apiErr.ErrorCode()
			if code == "PreconditionFailed" || code == "412" {
				return fmt.Errorf("%w: %s", ErrObjectExists, loc)
			}
		}
		return fmt.Errorf("s3: put object: %w", err)
	}

	p.logger.Info().
		Str("location", loc.String()).
		Int64("bytes", info.Size()).
		Msg("Document published")

	return nil
}
