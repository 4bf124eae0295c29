package stealth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"autoposter/internal/config"
	"autoposter/internal/logging"
	"autoposter/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// LocalPipeline downloads each image, crops and tints it slightly, re-encodes
// it as JPEG (dropping EXIF) and uploads the result.
type LocalPipeline struct {
	cfg      config.StealthLocalConfig
	client   *http.Client
	uploader uploader
	logger   zerolog.Logger
}

// NewLocalPipeline uploads to S3 when a bucket is configured and to
// cfg.OutputDir otherwise.
func NewLocalPipeline(ctx context.Context, cfg config.StealthLocalConfig, client *http.Client, logger *zerolog.Logger) (*LocalPipeline, error) {
	if client == nil {
		client = httpClient(0)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 25 * 1024 * 1024
	}

	var up uploader
	if cfg.S3Bucket != "" {
		s3Client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: s3Client, bucket: cfg.S3Bucket, publicBase: cfg.PublicBaseURL}
	} else {
		dir := cfg.OutputDir
		if dir == "" {
			dir = "./data/stealth"
		}
		up = &localUploader{baseDir: dir, publicBase: cfg.PublicBaseURL}
	}

	return &LocalPipeline{
		cfg:      cfg,
		client:   client,
		uploader: up,
		logger:   logging.Component(logger, "stealth"),
	}, nil
}

func newS3Client(ctx context.Context, cfg config.StealthLocalConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	}), nil
}

// PrepareBatch processes every url. Images that fail are skipped; the batch
// fails only when none succeeded.
func (p *LocalPipeline) PrepareBatch(ctx context.Context, urls []string, opts models.StealthOptions) (*models.StealthBatch, error) {
	batch := &models.StealthBatch{}
	var lastErr error
	for _, src := range urls {
		img, err := p.prepare(ctx, src, opts)
		if err != nil {
			lastErr = err
			p.logger.Warn().Err(err).Str("source", src).Msg("image skipped")
			continue
		}
		batch.Images = append(batch.Images, img)
	}
	if len(batch.Images) == 0 {
		if lastErr == nil {
			lastErr = errors.New("no images to prepare")
		}
		return nil, lastErr
	}
	return batch, nil
}

func (p *LocalPipeline) prepare(ctx context.Context, src string, opts models.StealthOptions) (models.PreparedImage, error) {
	data, err := p.download(ctx, src)
	if err != nil {
		return models.PreparedImage{}, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return models.PreparedImage{}, fmt.Errorf("decode image: %w", err)
	}

	img = Perturb(img, rand.Float64())

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(88+rand.Intn(6))); err != nil {
		return models.PreparedImage{}, fmt.Errorf("encode image: %w", err)
	}

	key := uuid.NewString() + ".jpg"
	if opts.Folder != "" {
		key = sanitizeKey(opts.Folder) + "/" + key
	}
	url, err := p.uploader.Upload(ctx, key, buf.Bytes(), "image/jpeg")
	if err != nil {
		return models.PreparedImage{}, fmt.Errorf("upload: %w", err)
	}

	meta := map[string]string{"source": src}
	if opts.Camera != "" {
		meta["camera"] = opts.Camera
	}
	if opts.GPSLocation != "" {
		meta["gps_location"] = opts.GPSLocation
	}
	return models.PreparedImage{URL: url, Metadata: meta}, nil
}

// Perturb crops up to 3% off the edges and nudges brightness and contrast.
// strength in [0,1) picks the amount.
func Perturb(img image.Image, strength float64) image.Image {
	b := img.Bounds()
	dx := int(float64(b.Dx()) * (0.01 + 0.02*strength) / 2)
	dy := int(float64(b.Dy()) * (0.01 + 0.02*strength) / 2)
	if b.Dx()-2*dx > 0 && b.Dy()-2*dy > 0 {
		img = imaging.Crop(img, image.Rect(b.Min.X+dx, b.Min.Y+dy, b.Max.X-dx, b.Max.Y-dy))
	}
	img = imaging.AdjustBrightness(img, 2*strength-1)
	return imaging.AdjustContrast(img, strength)
}

func (p *LocalPipeline) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > p.cfg.MaxBytes {
		return nil, fmt.Errorf("image too large (>%d bytes)", p.cfg.MaxBytes)
	}
	return body, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return strings.ReplaceAll(key, "../", "")
}

func publicURL(base, key, fallback string) string {
	if base == "" {
		return fallback
	}
	return strings.TrimRight(base, "/") + "/" + key
}

type localUploader struct {
	baseDir    string
	publicBase string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return publicURL(l.publicBase, key, path), nil
}

type s3Uploader struct {
	client     *s3.Client
	bucket     string
	publicBase string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return publicURL(s.publicBase, key, fmt.Sprintf("s3://%s/%s", s.bucket, key)), nil
}
