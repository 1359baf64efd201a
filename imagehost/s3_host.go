package imagehost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/yeremiapane/restaurant-sync/apperrors"
	"github.com/yeremiapane/restaurant-sync/utils"
)

type S3Config struct {
	Bucket          string
	Endpoint        string // kosong = AWS
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
	HTTPClient      *http.Client
}

// S3Host talks to S3 or an S3 compatible store (R2, MinIO).
type S3Host struct {
	client *s3.Client
	cfg    S3Config
}

func NewS3Host(ctx context.Context, cfg S3Config) (*S3Host, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("missing required image bucket configuration")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return &S3Host{client: client, cfg: cfg}, nil
}

func (h *S3Host) url(key string) string {
	base := h.cfg.PublicURL
	if base == "" {
		base = strings.TrimRight(h.cfg.Endpoint, "/") + "/" + h.cfg.Bucket
	}
	return strings.TrimRight(base, "/") + "/" + key
}

func (h *S3Host) Upload(ctx context.Context, name string, content []byte, contentType string) (Image, error) {
	if len(content) == 0 {
		return Image{}, apperrors.Validation("upload image", "empty image")
	}
	if contentType == "" {
		contentType = ContentTypeFor(name)
	}
	key := objectKey(name)
	_, err := h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(h.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return Image{}, apperrors.Network("upload image", err)
	}
	utils.InfoLogger.Printf("Uploaded image %s (%d bytes)", key, len(content))
	return Image{ID: key, URL: h.url(key), Size: int64(len(content))}, nil
}

func (h *S3Host) Delete(ctx context.Context, id string) (int64, error) {
	head, err := h.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(h.cfg.Bucket),
		Key:    aws.String(id),
	})
	if isNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Network("delete image", err)
	}

	_, err = h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(h.cfg.Bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return 0, apperrors.Network("delete image", err)
	}
	return aws.ToInt64(head.ContentLength), nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
