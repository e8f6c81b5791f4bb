package archival

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wataruoguchi/emmett-go/internal/canonical"
)

// S3Archiver uploads canonical message envelopes to S3 at
//
//	s3://<bucket>/<prefix>/<partition>/YYYY/MM/DD/<message_id>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver, picking up region/credentials from the
// environment via the default AWS config chain.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archival: s3 bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: manager.NewUploader(client)}, nil
}

func (a *S3Archiver) objectKey(e Entry) string {
	year, month, day := e.Created.Date()
	return path.Join(a.prefix, e.Partition,
		fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", int(month)), fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", e.MessageID))
}

// Archive canonicalizes e's envelope and uploads it to S3, returning the
// object key on success.
func (a *S3Archiver) Archive(ctx context.Context, e Entry) (string, error) {
	canonBytes, err := canonical.MarshalCanonicalValue(envelopeFor(e))
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}

	key := a.objectKey(e)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(canonBytes),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
