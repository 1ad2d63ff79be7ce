package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PresignedPost はブラウザ・エージェントから直接オブジェクトストレージへPOSTするための情報。
type PresignedPost struct {
	URL    string
	Fields map[string]string
}

// Presigner は署名付きPOSTを発行するインターフェース。
type Presigner interface {
	PresignPost(ctx context.Context, key, contentType string, maxBytes int64, ttl time.Duration) (*PresignedPost, error)
}

// S3Config はS3互換オブジェクトストレージの接続設定。
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // MinIOなどS3互換ストレージを使う場合に指定する
	AccessKeyID     string
	SecretAccessKey string
}

// S3Presigner はaws-sdk-go-v2を使用したPresigner実装。
type S3Presigner struct {
	bucket  string
	presign *s3.PresignClient
}

// NewS3Presigner はS3Presignerを生成する。
// アクセスキーが未指定の場合はSDKのデフォルト認証情報チェーンを使用する。
func NewS3Presigner(ctx context.Context, cfg S3Config) (*S3Presigner, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Presigner{
		bucket:  cfg.Bucket,
		presign: s3.NewPresignClient(client),
	}, nil
}

// PresignPost はkeyへのアップロードを許可する署名付きPOSTを発行する。
// Content-Typeとサイズ上限はポリシー条件として署名に含める。
func (p *S3Presigner) PresignPost(ctx context.Context, key, contentType string, maxBytes int64, ttl time.Duration) (*PresignedPost, error) {
	req, err := p.presign.PresignPostObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(o *s3.PresignPostOptions) {
		o.Expires = ttl
		o.Conditions = []interface{}{
			[]interface{}{"content-length-range", 1, maxBytes},
			map[string]string{"Content-Type": contentType},
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to presign post: %w", err)
	}

	fields := make(map[string]string, len(req.Values)+1)
	for k, v := range req.Values {
		fields[k] = v
	}
	fields["Content-Type"] = contentType
	return &PresignedPost{URL: req.URL, Fields: fields}, nil
}

var _ Presigner = (*S3Presigner)(nil)
