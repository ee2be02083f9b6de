package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	CORSOrigins string `env:"CORS_ORIGINS" envDefault:"*"`

	DBType     string `env:"DBType" envDefault:"sqlite"`
	DSNURL     string `env:"DSN_URL" envDefault:""`
	DBUser     string `env:"DBUser" envDefault:""`
	DBPassword string `env:"DBPassword" envDefault:""`
	DBAddr     string `env:"DBAddr" envDefault:""`
	DBName     string `env:"DBName" envDefault:"genmarket"`
	DBPath     string `env:"DBPath" envDefault:"datas/genmarket.db"`
	DBPort     string `env:"DBPort" envDefault:"3306"`

	StorageType          string `env:"STORAGE_TYPE" envDefault:"local"`
	StorageLocalDir      string `env:"STORAGE_LOCAL_DIR" envDefault:"datas/assets"`
	StoragePublicBaseURL string `env:"STORAGE_PUBLIC_BASE_URL" envDefault:"/files"`

	// S3 兼容存储配置
	StorageS3Region          string `env:"STORAGE_S3_REGION"`
	StorageS3Bucket          string `env:"STORAGE_S3_BUCKET"`
	StorageS3Prefix          string `env:"STORAGE_S3_PREFIX"`
	StorageS3Endpoint        string `env:"STORAGE_S3_ENDPOINT"`
	StorageS3AccessKeyID     string `env:"STORAGE_S3_ACCESS_KEY_ID"`
	StorageS3SecretAccessKey string `env:"STORAGE_S3_SECRET_ACCESS_KEY"`
	StorageS3SessionToken    string `env:"STORAGE_S3_SESSION_TOKEN"`
	StorageS3ForcePathStyle  bool   `env:"STORAGE_S3_FORCE_PATH_STYLE" envDefault:"false"`

	// 阿里云 OSS 存储配置
	StorageOSSEndpoint        string `env:"STORAGE_OSS_ENDPOINT"`
	StorageOSSBucket          string `env:"STORAGE_OSS_BUCKET"`
	StorageOSSPrefix          string `env:"STORAGE_OSS_PREFIX"`
	StorageOSSAccessKeyID     string `env:"STORAGE_OSS_ACCESS_KEY_ID"`
	StorageOSSAccessKeySecret string `env:"STORAGE_OSS_ACCESS_KEY_SECRET"`

	// 腾讯云 COS 存储配置
	StorageCOSBucketURL string `env:"STORAGE_COS_BUCKET_URL"`
	StorageCOSPrefix    string `env:"STORAGE_COS_PREFIX"`
	StorageCOSSecretID  string `env:"STORAGE_COS_SECRET_ID"`
	StorageCOSSecretKey string `env:"STORAGE_COS_SECRET_KEY"`

	// Cloudflare R2 存储配置
	StorageR2AccountID       string `env:"STORAGE_R2_ACCOUNT_ID"`
	StorageR2Endpoint        string `env:"STORAGE_R2_ENDPOINT"`
	StorageR2Region          string `env:"STORAGE_R2_REGION" envDefault:"auto"`
	StorageR2Bucket          string `env:"STORAGE_R2_BUCKET"`
	StorageR2Prefix          string `env:"STORAGE_R2_PREFIX"`
	StorageR2AccessKeyID     string `env:"STORAGE_R2_ACCESS_KEY_ID"`
	StorageR2SecretAccessKey string `env:"STORAGE_R2_SECRET_ACCESS_KEY"`

	// 服务商密钥，仅用于首次启动时写入 provider_configs
	MidjourneyBaseURL   string `env:"MIDJOURNEY_BASE_URL" envDefault:""`
	MidjourneyAPISecret string `env:"MIDJOURNEY_API_SECRET" envDefault:""`
	FluxAPIKey          string `env:"FLUX_API_KEY" envDefault:""`
	KlingAccessKey      string `env:"KLING_ACCESS_KEY" envDefault:""`
	KlingSecretKey      string `env:"KLING_SECRET_KEY" envDefault:""`
	VolcengineAPIKey    string `env:"VOLCENGINE_API_KEY" envDefault:""`
	GoogleAPIKey        string `env:"GOOGLE_API_KEY" envDefault:""`
	ReplicateAPIToken   string `env:"REPLICATE_API_TOKEN" envDefault:""`
	DashscopeAPIKey     string `env:"DASHSCOPE_API_KEY" envDefault:""`

	JWTSecret            string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	JWTIssuer            string `env:"JWT_ISSUER" envDefault:"genmarket"`
	JWTExpirationMinutes int    `env:"JWT_EXPIRATION_MINUTES" envDefault:"1440"`

	// 服务商配置快照缓存，REDIS_URL 为空时使用进程内缓存
	RedisURL                string `env:"REDIS_URL" envDefault:""`
	ProviderCacheTTLSeconds int    `env:"PROVIDER_CACHE_TTL_SECONDS" envDefault:"60"`

	// 定时任务
	SchedulerTimezone string `env:"SCHEDULER_TIMEZONE" envDefault:"Asia/Shanghai"`
	GrantCron         string `env:"GRANT_CRON" envDefault:"@every 1h"`
	GrantHour         int    `env:"GRANT_HOUR" envDefault:"0"`
	SweepCron         string `env:"SWEEP_CRON" envDefault:"@every 1m"`
	SweepBatchSize    int    `env:"SWEEP_BATCH_SIZE" envDefault:"50"`

	// 资源转存
	MirrorAttempts            int   `env:"MIRROR_ATTEMPTS" envDefault:"3"`
	MirrorBackoffSeconds      int   `env:"MIRROR_BACKOFF_SECONDS" envDefault:"2"`
	MirrorFetchTimeoutSeconds int   `env:"MIRROR_FETCH_TIMEOUT_SECONDS" envDefault:"120"`
	MirrorMaxBytes            int64 `env:"MIRROR_MAX_BYTES" envDefault:"524288000"`

	PaymentCallbackSecret string `env:"PAYMENT_CALLBACK_SECRET" envDefault:""`
}

// ParseConfig 读取 .env（如存在）后解析环境变量
func ParseConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.WithError(err).Warn("failed to load .env file")
	}

	var conf Config
	if err := env.Parse(&conf); err != nil {
		logrus.WithError(err).Error("env.Parse error")
		return Config{}, err
	}
	return conf, nil
}

// Level 返回 logrus 日志级别，无法识别时使用 info
func (c Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// AllowedOrigins 将逗号分隔的 CORS_ORIGINS 拆分为列表
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, item := range strings.Split(c.CORSOrigins, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
