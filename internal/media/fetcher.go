// Package media resolves a broadcast's media reference into sendable
// bytes, under a strict size ceiling and timeout. HTTP(S) URLs and
// s3://bucket/key references are supported.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"broadcast-fleet/internal/config"
	"broadcast-fleet/internal/session"
)

const thumbnailEdge = 320

// Fetcher downloads media for outbound messages.
type Fetcher struct {
	httpClient *http.Client
	s3         *s3.Client
	maxBytes   int64
	log        zerolog.Logger
}

// NewFetcher builds a fetcher. The S3 client is optional: when AWS
// config cannot be loaded, s3:// references fail fetch and the caller
// falls back to text-only sends.
func NewFetcher(ctx context.Context, cfg config.Config, log zerolog.Logger) *Fetcher {
	timeout := cfg.MediaTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = 50 * 1024 * 1024
	}

	f := &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		log:        log,
	}

	client, err := newS3Client(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("s3 media source unavailable")
	} else {
		f.s3 = client
	}
	return f
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Fetch resolves a media reference. Image payloads get a small JPEG
// thumbnail attached for the message preview; non-image payloads go
// through untouched.
func (f *Fetcher) Fetch(ctx context.Context, ref string) (*session.Media, error) {
	var (
		data        []byte
		contentType string
		err         error
	)
	if strings.HasPrefix(ref, "s3://") {
		data, contentType, err = f.fetchS3(ctx, ref)
	} else {
		data, contentType, err = f.fetchHTTP(ctx, ref)
	}
	if err != nil {
		return nil, err
	}

	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	m := &session.Media{Data: data, MimeType: contentType}
	if strings.HasPrefix(contentType, "image/") {
		if thumb, terr := thumbnail(data); terr != nil {
			f.log.Debug().Err(terr).Str("ref", ref).Msg("thumbnail generation skipped")
		} else {
			m.Thumbnail = thumb
		}
	}
	return m, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}
	data, err := f.readLimited(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (f *Fetcher) fetchS3(ctx context.Context, ref string) ([]byte, string, error) {
	if f.s3 == nil {
		return nil, "", fmt.Errorf("s3 media source not configured")
	}
	bucket, key, err := splitS3Ref(ref)
	if err != nil {
		return nil, "", err
	}
	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()

	data, err := f.readLimited(out.Body)
	if err != nil {
		return nil, "", err
	}
	contentType := ""
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	return data, contentType, nil
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	limited := io.LimitReader(r, f.maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("media too large (>%d bytes)", f.maxBytes)
	}
	return data, nil
}

func splitS3Ref(ref string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(ref, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed s3 reference %q", ref)
	}
	return parts[0], parts[1], nil
}

func thumbnail(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img = imaging.Fit(img, thumbnailEdge, thumbnailEdge, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(75)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
