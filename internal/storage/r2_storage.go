package storage

import (
	"errors"
	"fmt"
	"strings"

	"genmarket/internal/config"
)

// NewR2Storage 通过 S3 兼容接口访问 Cloudflare R2
func NewR2Storage(cfg config.Config) (Storage, error) {
	bucket := strings.TrimSpace(cfg.StorageR2Bucket)
	if bucket == "" {
		return nil, errors.New("storage: missing R2 bucket")
	}

	endpoint := strings.TrimSpace(cfg.StorageR2Endpoint)
	accountID := strings.TrimSpace(cfg.StorageR2AccountID)
	if endpoint == "" {
		if accountID == "" {
			return nil, errors.New("storage: missing R2 endpoint or account id")
		}
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	}

	region := strings.TrimSpace(cfg.StorageR2Region)
	if region == "" {
		region = "auto"
	}

	client, err := newS3Client(s3ClientOptions{
		Region:          region,
		Endpoint:        endpoint,
		AccessKeyID:     strings.TrimSpace(cfg.StorageR2AccessKeyID),
		SecretAccessKey: strings.TrimSpace(cfg.StorageR2SecretAccessKey),
		ForcePathStyle:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create R2 client: %w", err)
	}

	// R2 的 S3 端点不可匿名访问，未配置公开域名时只能返回端点地址
	publicURL := absolutePublicBase(cfg.StoragePublicBaseURL)
	if publicURL == "" {
		publicURL = strings.TrimRight(ensureScheme(endpoint), "/") + "/" + bucket
	}

	return &remoteS3Storage{
		client:    client,
		bucket:    bucket,
		prefix:    trimPrefix(cfg.StorageR2Prefix),
		publicURL: publicURL,
	}, nil
}
