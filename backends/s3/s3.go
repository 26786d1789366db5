// Package s3 implements cache.Bucket on Amazon S3 and S3 compatible stores.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/idlestate/gcsbuildcache/cache"
)

// Options tunes the S3 driver.
type Options struct {
	Region       string
	Endpoint     string
	UsePathStyle bool

	// PartSize is the multipart chunk size used for streamed entries.
	// 0 selects manager.DefaultUploadPartSize; smaller values are raised to
	// manager.MinUploadPartSize.
	PartSize int64
}

// Bucket is a cache.Bucket backed by one S3 bucket.
type Bucket struct {
	client   *s3.Client
	uploader *manager.Uploader
	name     string
}

// Opener returns a cache.Opener that connects to S3 with opts.
func Opener(opts Options) cache.Opener {
	return func(ctx context.Context, credentialsPath, bucket string) (cache.Bucket, error) {
		return Open(ctx, credentialsPath, bucket, opts)
	}
}

// Open resolves credentials, builds a client and checks that the bucket is
// reachable.
func Open(ctx context.Context, credentialsPath, bucket string, opts Options) (*Bucket, error) {
	loadOpts, err := credentialOptions(credentialsPath)
	if err != nil {
		return nil, err
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, &cache.CredentialError{Path: credentialsPath, Err: err}
	}
	if credentialsPath == "" {
		// The default chain resolves lazily; resolve it once here so a
		// missing identity is reported as a credential problem.
		if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
			return nil, &cache.CredentialError{Err: err}
		}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.UsePathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewFromClient(ctx, client, bucket, opts)
}

// NewFromClient wraps an existing client after checking the bucket.
func NewFromClient(ctx context.Context, client *s3.Client, bucket string, opts Options) (*Bucket, error) {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		if isBucketNotFound(err) {
			err = fmt.Errorf("%s is unavailable: %w", bucket, err)
		}
		return nil, &cache.StorageError{Op: "open", Bucket: bucket, Err: err}
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if opts.PartSize > 0 {
			u.PartSize = max(opts.PartSize, manager.MinUploadPartSize)
		}
	})

	return &Bucket{
		client:   client,
		uploader: uploader,
		name:     bucket,
	}, nil
}

func (b *Bucket) Name() string { return b.name }

func (b *Bucket) Attrs(ctx context.Context, object string) (cache.ObjectAttrs, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(object),
	})
	if err != nil {
		return cache.ObjectAttrs{}, mapError(err)
	}
	// S3 has no separate creation time; a copy onto itself resets
	// LastModified, which is what lifecycle rules look at.
	return cache.ObjectAttrs{
		Size:    aws.ToInt64(out.ContentLength),
		Created: aws.ToTime(out.LastModified),
	}, nil
}

func (b *Bucket) NewReader(ctx context.Context, object string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(object),
	})
	if err != nil {
		return nil, mapError(err)
	}
	return out.Body, nil
}

// NewWriter pipes writes into the upload manager, which sends small bodies
// with a single PutObject and larger ones as a multipart upload holding one
// part in memory at a time.
func (b *Bucket) NewWriter(ctx context.Context, object string, _ int64) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &uploadWriter{ctx: ctx, pw: pw, done: make(chan error, 1)}

	go func() {
		_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.name),
			Key:         aws.String(object),
			Body:        pr,
			ContentType: aws.String("application/octet-stream"),
		})
		// Unblock a writer that is still sending after a failed upload.
		pr.CloseWithError(uploadFailed(err))
		w.done <- err
	}()

	return w, nil
}

// Touch copies the object onto itself. S3 rejects a self copy that changes
// nothing, so the metadata directive is set to REPLACE.
func (b *Bucket) Touch(ctx context.Context, object string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(b.name),
		Key:               aws.String(object),
		CopySource:        aws.String(copySource(b.name, object)),
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       aws.String("application/octet-stream"),
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (b *Bucket) Close() error { return nil }

type uploadWriter struct {
	ctx  context.Context
	pw   *io.PipeWriter
	done chan error
}

func (w *uploadWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close ends the body and waits for the upload. Once the upload context is
// done the body ends with that error instead, so the uploader never sees a
// complete stream and aborts any multipart upload it started.
func (w *uploadWriter) Close() error {
	if err := w.ctx.Err(); err != nil {
		w.pw.CloseWithError(err)
		<-w.done
		return err
	}
	w.pw.Close()
	return <-w.done
}

func uploadFailed(err error) error {
	if err == nil {
		return io.ErrClosedPipe
	}
	return err
}

// copySource renders "bucket/key" with every key segment URL encoded.
func copySource(bucket, object string) string {
	segments := strings.Split(object, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func mapError(err error) error {
	if isObjectNotFound(err) {
		return cache.ErrNotExist
	}
	return err
}

// isObjectNotFound reports a missing key. A missing bucket is not a miss.
func isObjectNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func isBucketNotFound(err error) bool {
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchBucket"
}
