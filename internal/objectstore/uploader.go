// Package objectstore uploads PQR artifacts (PDFs, screenshots, record JSON)
// to an S3-compatible bucket under deterministic keys.
//
// Keys come from a Layout, so uploading the same artifact twice overwrites a
// single object. Each request is retried with the shared core.RetryPolicy;
// large files go up in parts, each retried on its own.
package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/time/rate"

	"github.com/JonMunkholm/pqrsync/internal/core"
	"github.com/JonMunkholm/pqrsync/internal/logging"
)

// Metadata keys attached to every object.
const (
	MetaOriginalFilename = "original-filename"
	MetaSize             = "size"
	MetaUploadedAt       = "uploaded-at"
	MetaCompany          = "company"
	MetaContentSHA256    = "content-sha256"
	MetaKind             = "kind"
	MetaFingerprint      = "fingerprint"
)

// Multipart defaults.
const (
	DefaultPartSize           int64 = 8 * 1024 * 1024
	DefaultMultipartThreshold int64 = 16 * 1024 * 1024
)

// abortTimeout bounds the cleanup of a failed multipart upload.
const abortTimeout = 30 * time.Second

// ErrEmptyKey is returned when a layout produces no key.
var ErrEmptyKey = errors.New("empty object key")

// ObjectAPI is the subset of *s3.Client the uploader uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// UploaderConfig configures an Uploader.
type UploaderConfig struct {
	Bucket             string
	Prefix             string
	PartSize           int64
	MultipartThreshold int64
	RatePerSecond      float64 // 0 disables throttling
	RateBurst          int
}

// UploadOutcome describes a completed upload.
type UploadOutcome struct {
	Key      string `json:"key"`
	Bytes    int64  `json:"bytes"`
	SHA256   string `json:"sha256"`
	Attempts int    `json:"attempts"` // attempts of the most-retried request
	Parts    int    `json:"parts,omitempty"`
}

// Uploader writes artifacts to one bucket. It is safe for concurrent use.
type Uploader struct {
	api     ObjectAPI
	cfg     UploaderConfig
	layout  Layout
	policy  core.RetryPolicy
	limiter *rate.Limiter
	now     func() time.Time
}

// NewUploader creates an uploader. A nil layout selects CentralLayout.
func NewUploader(api ObjectAPI, cfg UploaderConfig, layout Layout, policy core.RetryPolicy) *Uploader {
	if layout == nil {
		layout = CentralLayout{}
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultPartSize
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = DefaultMultipartThreshold
	}
	if cfg.MultipartThreshold < cfg.PartSize {
		cfg.MultipartThreshold = cfg.PartSize
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Uploader{
		api:     api,
		cfg:     cfg,
		layout:  layout,
		policy:  policy,
		limiter: limiter,
		now:     time.Now,
	}
}

// Layout returns the layout used to build keys.
func (u *Uploader) Layout() Layout {
	return u.layout
}

// Key returns the object key for a.
func (u *Uploader) Key(a core.Artifact) string {
	return ResolveKey(u.layout, u.cfg.Prefix, KeyInput{
		Company:     a.Company,
		Kind:        a.Kind,
		BusinessKey: a.BusinessKey,
		Date:        a.Date,
		Filename:    a.Filename(),
	})
}

// CheckBucket verifies the bucket exists and is reachable with the configured
// credentials. Failure is fatal: no run may start without a destination.
func (u *Uploader) CheckBucket(ctx context.Context) error {
	_, err := u.policy.Do(ctx, Classify, func(ctx context.Context, _ int) error {
		_, err := u.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.cfg.Bucket)})
		return err
	})
	if err != nil {
		return core.Fatal(fmt.Errorf("check bucket %s: %w", u.cfg.Bucket, err))
	}
	return nil
}

// Upload reads the artifact from disk and stores it.
func (u *Uploader) Upload(ctx context.Context, a core.Artifact) (UploadOutcome, error) {
	f, err := os.Open(a.LocalPath)
	if err != nil {
		return UploadOutcome{}, &core.ClassifiedError{Class: core.ClassPermanent, Err: fmt.Errorf("open artifact: %w", err)}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return UploadOutcome{}, &core.ClassifiedError{Class: core.ClassPermanent, Err: fmt.Errorf("stat artifact: %w", err)}
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return UploadOutcome{}, &core.ClassifiedError{Class: core.ClassPermanent, Err: fmt.Errorf("hash artifact: %w", err)}
	}

	return u.upload(ctx, a, f, info.Size(), hex.EncodeToString(h.Sum(nil)))
}

// UploadBytes stores data as the artifact's content. LocalPath only supplies
// the filename.
func (u *Uploader) UploadBytes(ctx context.Context, a core.Artifact, data []byte) (UploadOutcome, error) {
	sum := sha256.Sum256(data)
	return u.upload(ctx, a, bytes.NewReader(data), int64(len(data)), hex.EncodeToString(sum[:]))
}

func (u *Uploader) upload(ctx context.Context, a core.Artifact, src io.ReaderAt, size int64, sum string) (UploadOutcome, error) {
	key := u.Key(a)
	if key == "" {
		return UploadOutcome{}, &core.ClassifiedError{Class: core.ClassPermanent, Err: ErrEmptyKey}
	}

	meta := u.metadata(a, size, sum)
	contentType := contentTypeOf(a)

	logger := logging.FromContext(ctx).With("key", key, "bytes", size)

	out := UploadOutcome{Key: key, Bytes: size, SHA256: sum}
	var err error
	if size > u.cfg.MultipartThreshold {
		out.Attempts, out.Parts, err = u.putMultipart(ctx, key, src, size, contentType, meta)
	} else {
		out.Attempts, err = u.put(ctx, key, src, size, contentType, meta)
	}
	if err != nil {
		logger.Debug("upload failed", "attempts", out.Attempts, "error", err)
		return out, err
	}

	logger.Debug("uploaded", "attempts", out.Attempts, "parts", out.Parts)
	return out, nil
}

func (u *Uploader) put(ctx context.Context, key string, src io.ReaderAt, size int64, contentType string, meta map[string]string) (int, error) {
	attempts, err := u.policy.Do(ctx, Classify, func(attemptCtx context.Context, _ int) error {
		if err := u.wait(ctx); err != nil {
			return err
		}
		_, err := u.api.PutObject(attemptCtx, &s3.PutObjectInput{
			Bucket:        aws.String(u.cfg.Bucket),
			Key:           aws.String(key),
			Body:          io.NewSectionReader(src, 0, size),
			ContentLength: aws.Int64(size),
			ContentType:   aws.String(contentType),
			Metadata:      meta,
		})
		return err
	})
	if err != nil {
		return attempts, fmt.Errorf("put %s: %w", key, err)
	}
	return attempts, nil
}

// putMultipart uploads src in parts. Any part that exhausts its retries aborts
// the whole upload so no partial object is left behind.
func (u *Uploader) putMultipart(ctx context.Context, key string, src io.ReaderAt, size int64, contentType string, meta map[string]string) (int, int, error) {
	var uploadID string
	maxAttempts, err := u.policy.Do(ctx, Classify, func(attemptCtx context.Context, _ int) error {
		if err := u.wait(ctx); err != nil {
			return err
		}
		out, err := u.api.CreateMultipartUpload(attemptCtx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(u.cfg.Bucket),
			Key:         aws.String(key),
			ContentType: aws.String(contentType),
			Metadata:    meta,
		})
		if err != nil {
			return err
		}
		uploadID = aws.ToString(out.UploadId)
		return nil
	})
	if err != nil {
		return maxAttempts, 0, fmt.Errorf("create multipart %s: %w", key, err)
	}

	var parts []types.CompletedPart
	for offset, number := int64(0), int32(1); offset < size; offset, number = offset+u.cfg.PartSize, number+1 {
		n := min(u.cfg.PartSize, size-offset)
		partNumber := number
		partOffset := offset

		var etag string
		attempts, err := u.policy.Do(ctx, Classify, func(attemptCtx context.Context, _ int) error {
			if err := u.wait(ctx); err != nil {
				return err
			}
			out, err := u.api.UploadPart(attemptCtx, &s3.UploadPartInput{
				Bucket:        aws.String(u.cfg.Bucket),
				Key:           aws.String(key),
				UploadId:      aws.String(uploadID),
				PartNumber:    aws.Int32(partNumber),
				Body:          io.NewSectionReader(src, partOffset, n),
				ContentLength: aws.Int64(n),
			})
			if err != nil {
				return err
			}
			etag = aws.ToString(out.ETag)
			return nil
		})
		maxAttempts = max(maxAttempts, attempts)
		if err != nil {
			u.abort(ctx, key, uploadID)
			return maxAttempts, len(parts), fmt.Errorf("upload part %d of %s: multipart upload aborted: %w", partNumber, key, err)
		}
		parts = append(parts, types.CompletedPart{ETag: aws.String(etag), PartNumber: aws.Int32(partNumber)})
	}

	attempts, err := u.policy.Do(ctx, Classify, func(attemptCtx context.Context, _ int) error {
		if err := u.wait(ctx); err != nil {
			return err
		}
		_, err := u.api.CompleteMultipartUpload(attemptCtx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(u.cfg.Bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		return err
	})
	maxAttempts = max(maxAttempts, attempts)
	if err != nil {
		u.abort(ctx, key, uploadID)
		return maxAttempts, len(parts), fmt.Errorf("complete multipart %s: %w", key, err)
	}
	return maxAttempts, len(parts), nil
}

// abort runs even when ctx is cancelled; errors are only logged.
func (u *Uploader) abort(ctx context.Context, key, uploadID string) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	_, err := u.api.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		logging.FromContext(ctx).Warn("abort multipart upload failed", "key", key, "upload_id", uploadID, "error", err)
	}
}

func (u *Uploader) wait(ctx context.Context) error {
	if u.limiter == nil {
		return nil
	}
	return u.limiter.Wait(ctx)
}

func (u *Uploader) metadata(a core.Artifact, size int64, sum string) map[string]string {
	meta := map[string]string{
		// S3 user metadata must be ASCII; portal filenames often are not.
		MetaOriginalFilename: url.PathEscape(a.Filename()),
		MetaSize:             strconv.FormatInt(size, 10),
		MetaUploadedAt:       u.now().UTC().Format(time.RFC3339),
		MetaCompany:          a.Company.Slug(),
		MetaContentSHA256:    sum,
		MetaKind:             string(a.Kind),
	}
	if a.Fingerprint != core.Unhashable {
		meta[MetaFingerprint] = a.Fingerprint.String()
	}
	return meta
}

func contentTypeOf(a core.Artifact) string {
	if ct := mime.TypeByExtension(filepath.Ext(a.LocalPath)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
