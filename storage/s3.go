package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/gurre/s3streamer"
)

// s3Directory is the S3-backed Directory implementation, grounded on the
// teacher's S3Loader (manifest/manifest.go) and its aws.S3Client interface
// split.
type s3Directory struct {
	api    S3API
	stream s3streamer.Streamer
	bucket string
	prefix string
}

// NewS3Directory returns a Directory rooted at s3://bucket/prefix. The
// streamer is used for sequential chunk reads (section 4.1's "streaming
// reads of large remote chunk files"); the client is used for small
// whole-object fetches (metadata documents) and for journal writes.
// stream may be nil if the directory will only ever be used for metadata
// and journal access (no chunk data reads).
func NewS3Directory(api S3API, stream s3streamer.Streamer, bucket, prefix string) Directory {
	return &s3Directory{
		api:    api,
		stream: stream,
		bucket: bucket,
		prefix: strings.TrimSuffix(prefix, "/"),
	}
}

func (d *s3Directory) URI() string {
	return fmt.Sprintf("s3://%s/%s", d.bucket, d.prefix)
}

func (d *s3Directory) key(name string) string {
	if d.prefix == "" {
		return name
	}
	return d.prefix + "/" + name
}

func (d *s3Directory) List(ctx context.Context) ([]string, error) {
	var names []string
	var token *string
	for {
		out, err := d.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(d.bucket),
			Prefix:            aws.String(d.prefix + "/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", d.bucket, d.prefix, err)
		}
		for _, obj := range out.Contents {
			names = append(names, strings.TrimPrefix(aws.ToString(obj.Key), d.prefix+"/"))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return names, nil
}

func (d *s3Directory) File(name string) File {
	return &s3File{dir: d, name: name}
}

// s3File is a File backed by one S3 object.
type s3File struct {
	dir  *s3Directory
	name string
}

func (f *s3File) Name() string { return f.name }

func (f *s3File) Exists(ctx context.Context) (bool, error) {
	_, err := f.dir.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.dir.bucket),
		Key:    aws.String(f.dir.key(f.name)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *smithy.GenericAPIError
	if errors.As(err, &notFound) && (notFound.Code == "NotFound" || notFound.Code == "404") {
		return false, nil
	}
	return false, fmt.Errorf("head s3://%s/%s: %w", f.dir.bucket, f.dir.key(f.name), err)
}

func (f *s3File) Size(ctx context.Context) (int64, error) {
	out, err := f.dir.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.dir.bucket),
		Key:    aws.String(f.dir.key(f.name)),
	})
	if err != nil {
		return 0, fmt.Errorf("head s3://%s/%s: %w", f.dir.bucket, f.dir.key(f.name), err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Open streams the object's content through s3streamer, which reads ahead
// in parts and invokes its callback per line; the reader side of an
// io.Pipe reassembles those lines into a plain byte stream so callers can
// treat an S3 chunk exactly like a local file, per section 4.1. This is
// the same streamer the teacher uses for its DynamoDB export lines,
// applied here to a row-per-line dump chunk instead.
func (f *s3File) Open(ctx context.Context) (io.ReadCloser, error) {
	if f.dir.stream == nil {
		out, err := f.dir.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(f.dir.bucket),
			Key:    aws.String(f.dir.key(f.name)),
		})
		if err != nil {
			return nil, fmt.Errorf("get s3://%s/%s: %w", f.dir.bucket, f.dir.key(f.name), err)
		}
		return out.Body, nil
	}

	pr, pw := io.Pipe()
	streamCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer cancel()
		err := f.dir.stream.Stream(streamCtx, f.dir.bucket, f.dir.key(f.name), 0,
			func(line []byte, _ int64) error {
				if _, err := pw.Write(line); err != nil {
					return err
				}
				_, err := pw.Write([]byte("\n"))
				return err
			})
		pw.CloseWithError(err)
	}()

	return pr, nil
}

// PutObject writes p whole to s3://bucket/key, used by the journal's
// rewrite-on-flush mode.
func PutObject(ctx context.Context, api S3API, bucket, key string, p []byte) error {
	_, err := api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(string(p)),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// GetObject fetches s3://bucket/key whole, used for small metadata
// documents and for journal recovery reads.
func GetObject(ctx context.Context, api S3API, bucket, key string) ([]byte, error) {
	out, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
