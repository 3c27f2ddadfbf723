package common

import (
	"time"

	"github.com/alwitt/goutils"
	"github.com/spf13/viper"
)

// ===============================================================================
// HTTP Submodule Config

// HTTPServerTimeoutConfig defines the timeout settings for HTTP server
type HTTPServerTimeoutConfig struct {
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read" json:"read" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write" json:"write" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle" json:"idle" validate:"gte=0"`
}

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listenOn" json:"listenOn" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"appPort" json:"appPort" validate:"required,gt=0,lt=65536"`
	// Timeouts sets the HTTP timeout settings
	Timeouts HTTPServerTimeoutConfig `mapstructure:"timeoutSecs" json:"timeoutSecs" validate:"required,dive"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// LogLevel output request logs at this level
	LogLevel goutils.HTTPRequestLogLevel `mapstructure:"logLevel" json:"logLevel" validate:"oneof=warn info debug"`
	// HealthLogLevel output health check logs at this level
	HealthLogLevel goutils.HTTPRequestLogLevel `mapstructure:"healthLogLevel" json:"healthLogLevel" validate:"oneof=warn info debug"`
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"requestIDHeader" json:"requestIDHeader"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"skipHeaders" json:"skipHeaders"`
}

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"pathPrefix" json:"pathPrefix" validate:"required"`
}

// APIConfig defines API settings for a submodule
type APIConfig struct {
	// Endpoint sets API endpoint related parameters
	Endpoint EndpointConfig `mapstructure:"endPoint" json:"endPoint" validate:"required,dive"`
	// RequestLogging sets API request logging parameters
	RequestLogging HTTPRequestLogging `mapstructure:"requestLogging" json:"requestLogging" validate:"required,dive"`
}

// APIServerConfig defines HTTP API / server parameters
type APIServerConfig struct {
	// Enabled whether this API is enabled
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"service" json:"service" validate:"required_with=Enabled,dive"`
	// APIs defines API settings for a submodule
	APIs APIConfig `mapstructure:"apis" json:"apis" validate:"required_with=Enabled,dive"`
}

// MetricsConfig application metrics config
type MetricsConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"service" json:"service" validate:"required,dive"`
	// MetricsEndpoint path to host the Prometheus metrics endpoint
	MetricsEndpoint string `mapstructure:"metricsEndpoint" json:"metricsEndpoint" validate:"required"`
}

// ===============================================================================
// Persistence Configuration Structures

// PostgresSSLConfig Postgres connection SSL config
type PostgresSSLConfig struct {
	// Enabled whether to enable SSL when connecting to Postgres
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// CAFile the CA cert file to challenge remote with
	CAFile *string `mapstructure:"caFile" json:"caFile,omitempty" validate:"omitempty,file"`
}

// PostgresConfig Postgres connection config
type PostgresConfig struct {
	// Host Postgres server host
	Host string `mapstructure:"host" json:"host" validate:"required"`
	// Port Postgres server port
	Port uint16 `mapstructure:"port" json:"port" validate:"lte=65535,gte=0"`
	// Database the specific database to use
	Database string `mapstructure:"db" json:"db" validate:"required"`
	// User the user to connect with
	User string `mapstructure:"user" json:"user" validate:"required"`
	// SSL the connection SSL settings
	SSL PostgresSSLConfig `mapstructure:"ssl" json:"ssl" validate:"required,dive"`
}

// SqliteConfig sqlite config
type SqliteConfig struct {
	// DBFile the sqlite DB file path
	DBFile string `mapstructure:"db" json:"db" validate:"required"`
}

// DatabaseConfig metadata store backing database config
type DatabaseConfig struct {
	// Driver which SQL driver to use: "sqlite" or "postgres"
	Driver string `mapstructure:"driver" json:"driver" validate:"oneof=sqlite postgres"`
	// Sqlite sqlite configuration
	Sqlite SqliteConfig `mapstructure:"sqlite" json:"sqlite" validate:"required_if=Driver sqlite"`
	// Postgres postgres configuration
	Postgres *PostgresConfig `mapstructure:"postgres" json:"postgres,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================
// Storage Configuration Structures

// StorageConfig recording artifact storage config
type StorageConfig struct {
	// RecordingRoot flat primary directory holding all artifacts
	RecordingRoot string `mapstructure:"root" json:"root" validate:"required"`
	// DiskFreeWatermarkPct reject new artifacts when filesystem free space
	// drops below this percentage
	DiskFreeWatermarkPct int `mapstructure:"diskFreeWatermarkPct" json:"diskFreeWatermarkPct" validate:"gte=1,lte=50"`
	// ScratchDir tmpfs backed directory for decrypted scratch files
	ScratchDir string `mapstructure:"scratchDir" json:"scratchDir" validate:"required"`
}

// S3Credentials S3 credentials
type S3Credentials struct {
	// AccessKey user access key
	AccessKey string
	// SecretAccessKey user secret access key
	SecretAccessKey string
}

// S3Config S3 object store config
type S3Config struct {
	// ServerEndpoint S3 server endpoint
	ServerEndpoint string `mapstructure:"endpoint" json:"endpoint" validate:"required"`
	// UseTLS whether to TLS when connecting
	UseTLS bool `mapstructure:"useTLS" json:"useTLS"`
	// Creds S3 credentials
	Creds *S3Credentials `mapstructure:"creds" json:"creds,omitempty" validate:"omitempty,dive"`
}

// ComplianceArchiveConfig S3 archive target for compliance governed artifacts
type ComplianceArchiveConfig struct {
	// Enabled whether artifacts under compliance policies are archived
	// before hard delete
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// S3 object store config
	S3 S3Config `mapstructure:"s3" json:"s3" validate:"required_with=Enabled,dive"`
	// StorageBucket the bucket to place archived artifacts in
	StorageBucket string `mapstructure:"bucket" json:"bucket" validate:"required_with=Enabled"`
	// StorageObjectPrefix the prefix used when defining archive object keys
	StorageObjectPrefix string `mapstructure:"objectPrefix" json:"objectPrefix"`
}

// ===============================================================================
// Ingest Configuration Structures

// IngestConfig upload ingest config
type IngestConfig struct {
	// MaxUploadBytes reject uploads larger than this
	MaxUploadBytes int64 `mapstructure:"maxUploadBytes" json:"maxUploadBytes" validate:"required,gt=0"`
	// ChunkEncryptThresholdBytes artifacts larger than this are encrypted
	// in streaming AEAD chunks instead of in one pass
	ChunkEncryptThresholdBytes int64 `mapstructure:"chunkEncryptThresholdBytes" json:"chunkEncryptThresholdBytes" validate:"required,gt=0"`
	// UploadTimeoutInMin per upload wall clock limit in minutes
	UploadTimeoutInMin uint32 `mapstructure:"uploadTimeoutInMin" json:"uploadTimeoutInMin" validate:"gte=1"`
	// ThumbnailWorkerCount worker threads servicing thumbnail jobs
	ThumbnailWorkerCount int `mapstructure:"thumbnailWorkerCount" json:"thumbnailWorkerCount" validate:"gte=1,lte=16"`
}

// UploadTimeout convert UploadTimeoutInMin to time.Duration
func (c IngestConfig) UploadTimeout() time.Duration {
	return time.Minute * time.Duration(c.UploadTimeoutInMin)
}

// ===============================================================================
// Transcoder / Supervisor Configuration Structures

// TranscoderConfig external transcoder process config
type TranscoderConfig struct {
	// Path transcoder binary (ffmpeg equivalent)
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// ProbePath stream prober binary (ffprobe equivalent)
	ProbePath string `mapstructure:"probePath" json:"probePath" validate:"required"`
	// SegmentLengthInSec HLS segment length in seconds
	SegmentLengthInSec int `mapstructure:"segmentLengthInSec" json:"segmentLengthInSec" validate:"gte=1,lte=30"`
	// HLSGenTimeoutInMin on-demand HLS generation wall clock limit
	HLSGenTimeoutInMin uint32 `mapstructure:"hlsGenTimeoutInMin" json:"hlsGenTimeoutInMin" validate:"gte=1"`
}

// HLSGenTimeout convert HLSGenTimeoutInMin to time.Duration
func (c TranscoderConfig) HLSGenTimeout() time.Duration {
	return time.Minute * time.Duration(c.HLSGenTimeoutInMin)
}

// SupervisorConfig RTSP ingest supervisor config
type SupervisorConfig struct {
	// ProbeTimeoutInSec single shot RTSP probe timeout
	ProbeTimeoutInSec uint32 `mapstructure:"probeTimeoutInSec" json:"probeTimeoutInSec" validate:"gte=1,lte=120"`
	// HeartbeatIntInSec transcoder liveness check interval
	HeartbeatIntInSec uint32 `mapstructure:"heartbeatIntInSec" json:"heartbeatIntInSec" validate:"gte=5,lte=120"`
	// RestartBackoffMaxInSec restart backoff cap
	RestartBackoffMaxInSec uint32 `mapstructure:"restartBackoffMaxInSec" json:"restartBackoffMaxInSec" validate:"gte=1"`
	// BackoffResetAfterInSec reset backoff after this much clean runtime
	BackoffResetAfterInSec uint32 `mapstructure:"backoffResetAfterInSec" json:"backoffResetAfterInSec" validate:"gte=1"`
	// MaxConsecutiveFailures give up and return channel to inactive after
	// this many restart failures in a row
	MaxConsecutiveFailures int `mapstructure:"maxConsecutiveFailures" json:"maxConsecutiveFailures" validate:"gte=1"`
	// StopGraceInSec wait after graceful terminate before hard kill
	StopGraceInSec uint32 `mapstructure:"stopGraceInSec" json:"stopGraceInSec" validate:"gte=1,lte=60"`
	// RecordMotionEvents whether motion events also create motion
	// recordings rows
	RecordMotionEvents bool `mapstructure:"recordMotionEvents" json:"recordMotionEvents"`
}

// ProbeTimeout convert ProbeTimeoutInSec to time.Duration
func (c SupervisorConfig) ProbeTimeout() time.Duration {
	return time.Second * time.Duration(c.ProbeTimeoutInSec)
}

// HeartbeatInt convert HeartbeatIntInSec to time.Duration
func (c SupervisorConfig) HeartbeatInt() time.Duration {
	return time.Second * time.Duration(c.HeartbeatIntInSec)
}

// RestartBackoffMax convert RestartBackoffMaxInSec to time.Duration
func (c SupervisorConfig) RestartBackoffMax() time.Duration {
	return time.Second * time.Duration(c.RestartBackoffMaxInSec)
}

// BackoffResetAfter convert BackoffResetAfterInSec to time.Duration
func (c SupervisorConfig) BackoffResetAfter() time.Duration {
	return time.Second * time.Duration(c.BackoffResetAfterInSec)
}

// StopGrace convert StopGraceInSec to time.Duration
func (c SupervisorConfig) StopGrace() time.Duration {
	return time.Second * time.Duration(c.StopGraceInSec)
}

// ===============================================================================
// Retention Configuration Structures

// RetentionConfig retention scheduler config
type RetentionConfig struct {
	// SweepIntervalInSec interval between automatic sweeps
	SweepIntervalInSec uint32 `mapstructure:"sweepIntervalInSec" json:"sweepIntervalInSec" validate:"gte=60"`
	// GraceInHours window between soft delete and physical unlink
	GraceInHours uint32 `mapstructure:"graceInHours" json:"graceInHours" validate:"gte=0"`
	// DefaultRetentionDays fallback retention when a tenant has no plan
	DefaultRetentionDays int `mapstructure:"defaultRetentionDays" json:"defaultRetentionDays" validate:"gte=1"`
	// BatchTimeoutInMin retention transaction per batch limit
	BatchTimeoutInMin uint32 `mapstructure:"batchTimeoutInMin" json:"batchTimeoutInMin" validate:"gte=1"`
}

// SweepInterval convert SweepIntervalInSec to time.Duration
func (c RetentionConfig) SweepInterval() time.Duration {
	return time.Second * time.Duration(c.SweepIntervalInSec)
}

// Grace convert GraceInHours to time.Duration
func (c RetentionConfig) Grace() time.Duration {
	return time.Hour * time.Duration(c.GraceInHours)
}

// BatchTimeout convert BatchTimeoutInMin to time.Duration
func (c RetentionConfig) BatchTimeout() time.Duration {
	return time.Minute * time.Duration(c.BatchTimeoutInMin)
}

// ===============================================================================
// Cache / Event Configuration Structures

// MemcachedCacheConfig memcached artifact chunk cache config
type MemcachedCacheConfig struct {
	// Servers list of memcached servers to establish connection with
	Servers []string `mapstructure:"servers" json:"servers" validate:"required,gte=1"`
}

// ChunkCacheConfig decrypted chunk / segment cache config
type ChunkCacheConfig struct {
	// Mode cache backend: "local" or "memcached"
	Mode string `mapstructure:"mode" json:"mode" validate:"oneof=local memcached"`
	// TTLInSec cached entry retention
	TTLInSec uint32 `mapstructure:"ttlInSec" json:"ttlInSec" validate:"gte=10,lte=7200"`
	// RetentionCheckIntInSec local cache entry retention check interval
	RetentionCheckIntInSec uint32 `mapstructure:"retentionCheckIntInSec" json:"retentionCheckIntInSec" validate:"gte=10,lte=300"`
	// Memcached memcached backend settings
	Memcached *MemcachedCacheConfig `mapstructure:"memcached" json:"memcached,omitempty" validate:"omitempty,dive"`
}

// TTL convert TTLInSec to time.Duration
func (c ChunkCacheConfig) TTL() time.Duration {
	return time.Second * time.Duration(c.TTLInSec)
}

// RetentionCheckInt convert RetentionCheckIntInSec to time.Duration
func (c ChunkCacheConfig) RetentionCheckInt() time.Duration {
	return time.Second * time.Duration(c.RetentionCheckIntInSec)
}

// PubSubEventConfig PubSub event broadcast config
type PubSubEventConfig struct {
	// GCPProject the GCP project to operate in
	GCPProject string `mapstructure:"gcpProject" json:"gcpProject" validate:"required"`
	// Topic the pubsub topic to publish events on
	Topic string `mapstructure:"topic" json:"topic" validate:"required"`
}

// HTTPClientRetryConfig HTTP client retry configuration
type HTTPClientRetryConfig struct {
	// MaxAttempts max number of retry attempts
	MaxAttempts int `mapstructure:"maxAttempts" json:"maxAttempts" validate:"gte=0"`
	// InitWaitTimeInSec wait time before the first wait retry
	InitWaitTimeInSec uint32 `mapstructure:"initialWaitTimeInSec" json:"initialWaitTimeInSec" validate:"gte=1"`
	// MaxWaitTimeInSec max wait time
	MaxWaitTimeInSec uint32 `mapstructure:"maxWaitTimeInSec" json:"maxWaitTimeInSec" validate:"gte=1"`
}

// InitWaitTime convert InitWaitTimeInSec to time.Duration
func (c HTTPClientRetryConfig) InitWaitTime() time.Duration {
	return time.Second * time.Duration(c.InitWaitTimeInSec)
}

// MaxWaitTime convert MaxWaitTimeInSec to time.Duration
func (c HTTPClientRetryConfig) MaxWaitTime() time.Duration {
	return time.Second * time.Duration(c.MaxWaitTimeInSec)
}

// WebhookEventConfig webhook event notification config
type WebhookEventConfig struct {
	// TargetURL URL to POST events to
	TargetURL string `mapstructure:"targetURL" json:"targetURL" validate:"required,url"`
	// RequestIDHeader request ID header name to set when posting
	RequestIDHeader string `mapstructure:"requestIDHeader" json:"requestIDHeader" validate:"required"`
	// Retry client retry configuration
	Retry HTTPClientRetryConfig `mapstructure:"retry" json:"retry" validate:"required,dive"`
}

// EventsConfig outbound event broadcast config. Both sinks are optional;
// with neither configured events are log-only.
type EventsConfig struct {
	// PubSub optional PubSub broadcast sink
	PubSub *PubSubEventConfig `mapstructure:"pubsub,omitempty" json:"pubsub,omitempty" validate:"omitempty,dive"`
	// Webhook optional webhook sink
	Webhook *WebhookEventConfig `mapstructure:"webhook,omitempty" json:"webhook,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================
// Complete Configuration Structure

// RecorderConfig define recorder node settings and behavior
type RecorderConfig struct {
	// Metrics metrics framework configuration
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" validate:"required,dive"`
	// Database metadata store configuration
	Database DatabaseConfig `mapstructure:"database" json:"database" validate:"required,dive"`
	// Storage artifact storage configuration
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required,dive"`
	// Ingest upload ingest configuration
	Ingest IngestConfig `mapstructure:"ingest" json:"ingest" validate:"required,dive"`
	// Transcoder external transcoder configuration
	Transcoder TranscoderConfig `mapstructure:"transcoder" json:"transcoder" validate:"required,dive"`
	// Supervisor RTSP ingest supervisor configuration
	Supervisor SupervisorConfig `mapstructure:"supervisor" json:"supervisor" validate:"required,dive"`
	// Retention retention scheduler configuration
	Retention RetentionConfig `mapstructure:"retention" json:"retention" validate:"required,dive"`
	// Archive compliance archive configuration
	Archive ComplianceArchiveConfig `mapstructure:"archive" json:"archive" validate:"dive"`
	// ChunkCache playback chunk cache configuration
	ChunkCache ChunkCacheConfig `mapstructure:"chunkCache" json:"chunkCache" validate:"required,dive"`
	// Events outbound event broadcast configuration
	Events EventsConfig `mapstructure:"events" json:"events" validate:"dive"`
	// APIServer recording API server config
	APIServer APIServerConfig `mapstructure:"api" json:"api" validate:"required,dive"`
}

// ===============================================================================
// Default Configuration Setter

// InstallDefaultRecorderConfigValues installs default config parameters in
// viper, and binds the operational environment variables.
func InstallDefaultRecorderConfigValues() {
	// Default metrics config
	viper.SetDefault("metrics.metricsEndpoint", "/metrics")
	viper.SetDefault("metrics.service.listenOn", "0.0.0.0")
	viper.SetDefault("metrics.service.appPort", 3001)
	viper.SetDefault("metrics.service.timeoutSecs.read", 60)
	viper.SetDefault("metrics.service.timeoutSecs.write", 60)
	viper.SetDefault("metrics.service.timeoutSecs.idle", 60)

	// Default database config
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.sqlite.db", "/var/lib/vigil/recorder.db")

	// Default storage config
	viper.SetDefault("storage.root", "/var/lib/vigil/recordings")
	viper.SetDefault("storage.diskFreeWatermarkPct", 5)
	viper.SetDefault("storage.scratchDir", "/dev/shm/vigil")

	// Default ingest config
	viper.SetDefault("ingest.maxUploadBytes", 2<<30)
	viper.SetDefault("ingest.chunkEncryptThresholdBytes", 128<<20)
	viper.SetDefault("ingest.uploadTimeoutInMin", 30)
	viper.SetDefault("ingest.thumbnailWorkerCount", 2)

	// Default transcoder config
	viper.SetDefault("transcoder.path", "ffmpeg")
	viper.SetDefault("transcoder.probePath", "ffprobe")
	viper.SetDefault("transcoder.segmentLengthInSec", 4)
	viper.SetDefault("transcoder.hlsGenTimeoutInMin", 15)

	// Default supervisor config
	viper.SetDefault("supervisor.probeTimeoutInSec", 10)
	viper.SetDefault("supervisor.heartbeatIntInSec", 15)
	viper.SetDefault("supervisor.restartBackoffMaxInSec", 60)
	viper.SetDefault("supervisor.backoffResetAfterInSec", 300)
	viper.SetDefault("supervisor.maxConsecutiveFailures", 10)
	viper.SetDefault("supervisor.stopGraceInSec", 5)
	viper.SetDefault("supervisor.recordMotionEvents", false)

	// Default retention config
	viper.SetDefault("retention.sweepIntervalInSec", 3600)
	viper.SetDefault("retention.graceInHours", 24)
	viper.SetDefault("retention.defaultRetentionDays", 30)
	viper.SetDefault("retention.batchTimeoutInMin", 5)

	// Default chunk cache config
	viper.SetDefault("chunkCache.mode", "local")
	viper.SetDefault("chunkCache.ttlInSec", 300)
	viper.SetDefault("chunkCache.retentionCheckIntInSec", 60)

	// Default recording API server config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.service.listenOn", "0.0.0.0")
	viper.SetDefault("api.service.appPort", 8080)
	viper.SetDefault("api.service.timeoutSecs.read", 60)
	// Streaming responses can outlive the normal write window
	viper.SetDefault("api.service.timeoutSecs.write", 1800)
	viper.SetDefault("api.service.timeoutSecs.idle", 60)
	viper.SetDefault("api.apis.endPoint.pathPrefix", "/")
	viper.SetDefault("api.apis.requestLogging.logLevel", "warn")
	viper.SetDefault("api.apis.requestLogging.healthLogLevel", "debug")
	viper.SetDefault("api.apis.requestLogging.requestIDHeader", "X-Request-ID")
	viper.SetDefault("api.apis.requestLogging.skipHeaders", []string{
		"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
	})

	// Operational environment variable binds
	_ = viper.BindEnv("storage.root", "RECORDING_ROOT")
	_ = viper.BindEnv("storage.diskFreeWatermarkPct", "DISK_FREE_WATERMARK_PCT")
	_ = viper.BindEnv("ingest.maxUploadBytes", "MAX_UPLOAD_BYTES")
	_ = viper.BindEnv("transcoder.path", "TRANSCODER_PATH")
	_ = viper.BindEnv("supervisor.probeTimeoutInSec", "RTSP_PROBE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("retention.graceInHours", "RETENTION_GRACE_HOURS")
	_ = viper.BindEnv("retention.sweepIntervalInSec", "RETENTION_SWEEP_INTERVAL_SECONDS")
	_ = viper.BindEnv("retention.defaultRetentionDays", "RECORDING_RETENTION_DAYS_DEFAULT")
}
