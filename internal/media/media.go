// Package media handles file uploads, S3 storage operations, image thumbnail
// generation, and media transcoding dispatch. It uses minio-go as a generic S3
// client compatible with Garage, MinIO, AWS S3, and other S3-compatible backends.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	_ "image/gif"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buckket/go-blurhash"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// writeJSON writes a {"data": v} envelope with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"data": v})
}

// writeError writes a {"error": {"code": ..., "message": ...}} envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}

// Config bundles Service's construction parameters.
type Config struct {
	Endpoint       string
	Bucket         string
	AccessKey      string
	SecretKey      string
	Region         string
	UseSSL         bool
	MaxUploadMB    int
	ThumbnailSizes []int
	StripExif      bool
	Pool           *pgxpool.Pool
	Logger         *slog.Logger
}

// Service handles media upload, storage, and derived-asset generation
// (thumbnails, blurhash placeholders, EXIF-stripped originals).
type Service struct {
	client         *minio.Client
	bucket         string
	maxUploadBytes int64
	stripExif      bool
	thumbnailSizes []int
	pool           *pgxpool.Pool
	logger         *slog.Logger
}

// New constructs a Service backed by the S3-compatible endpoint described by
// cfg.
func New(cfg Config) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing minio client: %w", err)
	}

	maxUploadBytes := int64(cfg.MaxUploadMB) * 1024 * 1024
	if maxUploadBytes <= 0 {
		maxUploadBytes = 100 * 1024 * 1024
	}

	return &Service{
		client:         client,
		bucket:         cfg.Bucket,
		maxUploadBytes: maxUploadBytes,
		stripExif:      cfg.StripExif,
		thumbnailSizes: cfg.ThumbnailSizes,
		pool:           cfg.Pool,
		logger:         logger,
	}, nil
}

// EnsureBucket creates the configured bucket if it does not already exist.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.bucket, err)
	}
	return nil
}

// HealthCheck reports whether the configured bucket can be reached.
func (s *Service) HealthCheck(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("checking bucket %s: %w", s.bucket, err)
	}
	return nil
}

// PutObject uploads data under key with the given content type.
func (s *Service) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("uploading %s/%s: %w", bucket, key, err)
	}
	return nil
}

// DeleteObject removes an object from S3-compatible storage. Missing objects
// are not treated as an error by the underlying client.
func (s *Service) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

// ComputeBlurhash encodes img as a blurhash placeholder string using a 4x3
// component grid, matching the density typical client libraries expect.
func ComputeBlurhash(img image.Image) string {
	hash, err := blurhash.Encode(4, 3, img)
	if err != nil {
		return ""
	}
	return hash
}

// stripExifData re-encodes img, dropping any metadata (EXIF, ICC profiles)
// embedded in the original file. PNG has no EXIF segment but is re-encoded
// for a uniform code path; unrecognized content types fall back to PNG.
func stripExifData(img image.Image, contentType string) []byte {
	var buf bytes.Buffer

	switch contentType {
	case "image/jpeg", "image/jpg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			return nil
		}
	case "image/png":
		if err := png.Encode(&buf, img); err != nil {
			return nil
		}
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil
		}
	}

	return buf.Bytes()
}

// processedImage is the result of processImage: pointers are nil when the
// corresponding value could not be computed (e.g. invalid source data).
type processedImage struct {
	width    *int
	height   *int
	blurhash *string
	stripped []byte
}

// processImage decodes data, computes its dimensions and blurhash, and
// optionally produces an EXIF-stripped copy per s.stripExif.
func (s *Service) processImage(data []byte, contentType string) processedImage {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return processedImage{}
	}

	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	hash := ComputeBlurhash(img)

	result := processedImage{
		width:    &w,
		height:   &h,
		blurhash: &hash,
	}

	if s.stripExif {
		result.stripped = stripExifData(img, contentType)
	}

	return result
}

// extractDatePath returns the "YYYY/MM/DD" prefix embedded in an attachment
// key (e.g. "attachments/2026/02/10/abc.jpg" -> "2026/02/10"). If key doesn't
// carry one, today's date is used so a thumbnail still lands somewhere
// lexicographically sane.
func extractDatePath(key string) string {
	parts := strings.Split(key, "/")
	for i := 0; i+2 < len(parts); i++ {
		if isDatePart(parts[i], 4) && isDatePart(parts[i+1], 2) && isDatePart(parts[i+2], 2) {
			return parts[i] + "/" + parts[i+1] + "/" + parts[i+2]
		}
	}
	return time.Now().UTC().Format("2006/01/02")
}

func isDatePart(s string, digits int) bool {
	if len(s) != digits {
		return false
	}
	_, err := strconv.Atoi(s)
	return err == nil
}

// ThumbnailURL builds the storage key for a thumbnail of the given media id
// at size, under a fixed JPEG encoding.
func ThumbnailURL(id, datePath string, size int) string {
	return fmt.Sprintf("thumbnails/%s/%s_%d.jpg", datePath, id, size)
}
