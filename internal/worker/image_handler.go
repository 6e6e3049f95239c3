package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"storefront-sync/internal/config"
	"storefront-sync/internal/models"
)

type renditionUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// platformImageSizes holds the maximum square dimension each platform
// accepts for product images.
var platformImageSizes = map[string]int{
	"shopify":     2048,
	"woocommerce": 1600,
	"etsy":        2000,
	"ebay":        1600,
}

const defaultImageSize = 1600

// ProductImageHandler executes prepare_product_images jobs: it downloads a
// product image, resizes it to the target platform's accepted dimensions,
// and uploads the rendition to S3 (or local disk for development) so the
// publish job can reference a platform-ready asset.
type ProductImageHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      renditionUploader
	s3         renditionUploader
}

type imageJobPayload struct {
	SourceURL   string `json:"source_url"`
	ProductID   string `json:"product_id"`
	Platform    string `json:"platform"`
	OutputKey   string `json:"output_key"`
	Destination string `json:"destination"`
}

// NewProductImageHandler constructs the handler and its uploaders; S3 is
// only wired when a bucket is configured.
func NewProductImageHandler(ctx context.Context, cfg config.Config) (*ProductImageHandler, error) {
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var s3Upload renditionUploader
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	}

	return &ProductImageHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ImageS3Region),
	}
	if cfg.ImageS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ImageS3Endpoint,
					HostnameImmutable: cfg.ImageS3PathStyle,
					SigningRegion:     cfg.ImageS3Region,
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
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

// Handle downloads, resizes, and uploads a single product image rendition.
func (h *ProductImageHandler) Handle(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var payload imageJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	if payload.SourceURL == "" {
		return nil, errors.New("source_url is required")
	}

	data, contentType, err := h.download(ctx, payload.SourceURL)
	if err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	size, ok := platformImageSizes[payload.Platform]
	if !ok {
		size = defaultImageSize
	}
	// Fit, not stretch: keep aspect ratio within the platform's bound.
	img = imaging.Fit(img, size, size, imaging.Lanczos)

	outputFormat := imaging.JPEG
	if strings.EqualFold(format, "png") || strings.Contains(strings.ToLower(contentType), "png") {
		outputFormat = imaging.PNG
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	key := payload.OutputKey
	if key == "" {
		key = fmt.Sprintf("%s/%s/%s.%s", job.OrgID, payload.Platform, payload.ProductID, extensionFor(outputFormat))
	}
	key = sanitizeKey(key)

	uploader, err := h.pickUploader(payload.Destination)
	if err != nil {
		return nil, err
	}
	location, err := uploader.Upload(ctx, key, buf.Bytes(), mimeFor(outputFormat))
	if err != nil {
		return nil, fmt.Errorf("upload rendition: %w", err)
	}

	return json.Marshal(map[string]any{
		"product_id": payload.ProductID,
		"platform":   payload.Platform,
		"location":   location,
		"max_size":   size,
	})
}

func (h *ProductImageHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := h.cfg.ImageMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (h *ProductImageHandler) pickUploader(destination string) (renditionUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but IMAGE_S3_BUCKET is not configured")
	case "local":
		return h.local, nil
	}
	if h.s3 != nil {
		return h.s3, nil
	}
	return h.local, nil
}

func extensionFor(format imaging.Format) string {
	if format == imaging.PNG {
		return "png"
	}
	return "jpg"
}

func mimeFor(format imaging.Format) string {
	if format == imaging.PNG {
		return "image/png"
	}
	return "image/jpeg"
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
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
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
