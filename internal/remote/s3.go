package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/smolin/medvault/internal/common"
	"github.com/smolin/medvault/internal/record"
)

// S3 implements Store as one JSON object per document under
// "<collection>/<id>.json". The write precondition is read-compare-
// write, weaker than the postgres backend's atomic check; acceptable
// because the next read's version check still surfaces lost races.
type S3 struct {
	client *s3.Client
	bucket string
	now    func() time.Time
}

// S3Config carries the connection settings for an S3-compatible store.
type S3Config struct {
	Region       string
	Bucket       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
}

// NewS3 builds a store from explicit credentials, pointing at an
// S3-compatible endpoint (MinIO in development).
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

type s3Document struct {
	Fields     record.Fields `json:"fields"`
	LastUpdate time.Time     `json:"last_update"`
}

func objectKey(collection, id string) string {
	return collection + "/" + id + ".json"
}

func (s *S3) GetByID(ctx context.Context, collection, id string) (*record.Document, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(collection, id)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrRemoteUnavailable, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrRemoteUnavailable, err)
	}

	var doc s3Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
	}
	return &record.Document{Fields: doc.Fields, LastUpdate: doc.LastUpdate}, nil
}

func (s *S3) StreamCollection(ctx context.Context, collection string, filters []Filter) <-chan StreamItem {
	ch := make(chan StreamItem)
	go func() {
		defer close(ch)

		prefix := collection + "/"
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				ch <- StreamItem{Err: fmt.Errorf("%w: %v", common.ErrRemoteUnavailable, err)}
				return
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				id := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json")

				doc, err := s.GetByID(ctx, collection, id)
				if errors.Is(err, common.ErrNotFound) {
					continue
				}
				if err != nil {
					ch <- StreamItem{Err: err}
					return
				}
				if !matchFilters(doc, filters) {
					continue
				}
				select {
				case ch <- StreamItem{ID: id, Doc: doc}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

func (s *S3) SetDocument(ctx context.Context, collection, id string, fields record.Fields, opts ...SetOption) error {
	cfg := applySetOptions(opts)

	if cfg.precondition {
		current, err := s.GetByID(ctx, collection, id)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if current != nil && !current.LastUpdate.Equal(cfg.lastSeen) {
			return common.ErrVersionConflict
		}
	}

	body, err := json.Marshal(s3Document{Fields: fields, LastUpdate: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", collection, id, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(collection, id)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrRemoteUnavailable, err)
	}
	return nil
}

func (s *S3) DeleteDocument(ctx context.Context, collection, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(collection, id)),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrRemoteUnavailable, err)
	}
	return nil
}
