package archive

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client the sink needs. *s3.Client satisfies it.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures NewS3Sink.
type S3Options struct {
	Bucket string
	Region string
	Prefix string
	// Endpoint overrides the service endpoint (MinIO, LocalStack) and
	// switches to path-style addressing.
	Endpoint string
	// KMSKeyID enables SSE-KMS when set.
	KMSKeyID string
}

// S3Sink uploads batches as JSONL objects.
type S3Sink struct {
	client S3API
	opts   S3Options
}

// NewS3Sink builds an S3 client from the default AWS credential chain.
func NewS3Sink(ctx context.Context, opts S3Options) (*S3Sink, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 archive sink: bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3SinkWithClient(client, opts), nil
}

// NewS3SinkWithClient wraps an existing client.
func NewS3SinkWithClient(client S3API, opts S3Options) *S3Sink {
	return &S3Sink{client: client, opts: opts}
}

func (s *S3Sink) Describe() string {
	return "s3://" + s.opts.Bucket + "/" + strings.Trim(s.opts.Prefix, "/")
}

// Put uploads the batch under <prefix>/<policy>/<first>-<last>.jsonl.
func (s *S3Sink) Put(ctx context.Context, b Batch) error {
	if len(b.Events) == 0 {
		return nil
	}
	data, err := b.Encode()
	if err != nil {
		return err
	}

	key := b.Key()
	if p := strings.Trim(s.opts.Prefix, "/"); p != "" {
		key = p + "/" + key
	}

	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-jsonlines"),
		Metadata: map[string]string{
			"policy":      b.Policy,
			"first-index": strconv.FormatInt(b.Events[0].ChainIndex, 10),
			"last-index":  strconv.FormatInt(b.Events[len(b.Events)-1].ChainIndex, 10),
			"archived-at": b.ArchivedAt.UTC().Format(time.RFC3339),
			"source":      "clinaudit",
		},
	}
	if s.opts.KMSKeyID != "" {
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		in.SSEKMSKeyId = aws.String(s.opts.KMSKeyID)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("uploading archive batch %s: %w", key, err)
	}
	return nil
}
