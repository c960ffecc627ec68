// Package config resolves modos settings from MODOS_* environment variables
// and an optional YAML/TOML/JSON config file. Environment values win over the
// file; flags bound by the CLI win over both.
//
// Keys use dots in files and underscores in the environment:
//
//	blob.s3.endpoint     MODOS_BLOB_S3_ENDPOINT
//	catalog.driver       MODOS_CATALOG_DRIVER
//	services.htsget      MODOS_SERVICES_HTSGET
package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"modos/internal/blob"
	"modos/internal/catalog"
	"modos/internal/remote"
)

// Keys recognised in files and, upper-cased with MODOS_, in the environment.
const (
	KeyServer          = "server"
	KeyToken           = "token"
	KeyS3Endpoint      = "blob.s3.endpoint"
	KeyS3Region        = "blob.s3.region"
	KeyS3Bucket        = "blob.s3.bucket"
	KeyS3PathStyle     = "blob.s3.path_style"
	KeyS3Anonymous     = "blob.s3.anonymous"
	KeyS3AccessKey     = "blob.s3.access_key_id"
	KeyS3SecretKey     = "blob.s3.secret_access_key"
	KeyHtsget          = "services.htsget"
	KeyFuzon           = "services.fuzon"
	KeyRefget          = "services.refget"
	KeyKMS             = "services.kms"
	KeyCatalogDriver   = "catalog.driver"
	KeyCatalogSQLite   = "catalog.sqlite_path"
	KeyCatalogPostgres = "catalog.postgres_dsn"
	KeyCatalogMaxAge   = "catalog.max_age"
	KeyTerms           = "codes.terms_file"
	KeyCodesTop        = "codes.top"
	KeyLogLevel        = "log.level"
	KeyMetrics         = "metrics"
)

// Config is the resolved configuration.
type Config struct {
	// Server is a modos server whose service document supplies endpoints
	// not set explicitly.
	Server   string
	Token    string
	S3       blob.S3Config
	Services remote.Services
	Catalog  catalog.Config
	// CatalogMaxAge lets remote searches reuse a cached listing.
	CatalogMaxAge time.Duration
	TermsFile     string
	CodesTop      int
	LogLevel      slog.Level
	// Metrics is none, expvar or prometheus.
	Metrics string
}

// New returns a viper instance with the modos defaults and environment
// binding applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MODOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetDefault(KeyServer, "")
	v.SetDefault(KeyToken, "")
	v.SetDefault(KeyS3Endpoint, "")
	v.SetDefault(KeyS3Region, "us-east-1")
	v.SetDefault(KeyS3Bucket, "")
	v.SetDefault(KeyS3PathStyle, false)
	v.SetDefault(KeyS3Anonymous, false)
	v.SetDefault(KeyS3AccessKey, "")
	v.SetDefault(KeyS3SecretKey, "")
	v.SetDefault(KeyHtsget, "")
	v.SetDefault(KeyFuzon, "")
	v.SetDefault(KeyRefget, "")
	v.SetDefault(KeyKMS, "")
	v.SetDefault(KeyCatalogDriver, string(catalog.DriverMemory))
	v.SetDefault(KeyCatalogSQLite, "")
	v.SetDefault(KeyCatalogPostgres, "")
	v.SetDefault(KeyCatalogMaxAge, "0s")
	v.SetDefault(KeyTerms, "")
	v.SetDefault(KeyCodesTop, 10)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMetrics, "none")
	return v
}

// Load reads file (when non-empty) into v and resolves the configuration.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return Resolve(v)
}

// Resolve converts the settings held by v.
func Resolve(v *viper.Viper) (Config, error) {
	cfg := Config{
		Server: strings.TrimRight(v.GetString(KeyServer), "/"),
		Token:  v.GetString(KeyToken),
		S3: blob.S3Config{
			Endpoint:        v.GetString(KeyS3Endpoint),
			Region:          v.GetString(KeyS3Region),
			Bucket:          v.GetString(KeyS3Bucket),
			PathStyle:       v.GetBool(KeyS3PathStyle),
			Anonymous:       v.GetBool(KeyS3Anonymous),
			AccessKeyID:     v.GetString(KeyS3AccessKey),
			SecretAccessKey: v.GetString(KeyS3SecretKey),
		},
		Services: remote.Services{
			S3:     v.GetString(KeyS3Endpoint),
			Htsget: v.GetString(KeyHtsget),
			Fuzon:  v.GetString(KeyFuzon),
			Refget: v.GetString(KeyRefget),
			KMS:    v.GetString(KeyKMS),
		},
		Catalog: catalog.Config{
			Driver:      catalog.Driver(v.GetString(KeyCatalogDriver)),
			SQLitePath:  v.GetString(KeyCatalogSQLite),
			PostgresDSN: v.GetString(KeyCatalogPostgres),
		},
		CatalogMaxAge: v.GetDuration(KeyCatalogMaxAge),
		TermsFile:     v.GetString(KeyTerms),
		CodesTop:      v.GetInt(KeyCodesTop),
		Metrics:       strings.ToLower(v.GetString(KeyMetrics)),
	}
	if cfg.CatalogMaxAge < 0 {
		return Config{}, fmt.Errorf("%s must not be negative", KeyCatalogMaxAge)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString(KeyLogLevel))); err != nil {
		return Config{}, fmt.Errorf("%s: %w", KeyLogLevel, err)
	}
	switch cfg.Metrics {
	case "", "none", "expvar", "prometheus":
	default:
		return Config{}, fmt.Errorf("%s: unknown recorder %q", KeyMetrics, cfg.Metrics)
	}
	return cfg, nil
}

// Endpoints returns the endpoint manager for cfg. When a server is set, its
// service document fills the services left empty here.
func (c Config) Endpoints() *Endpoints {
	opts := []remote.EndpointOption{}
	if c.Token != "" {
		opts = append(opts, remote.WithBearerToken(c.Token))
	}
	e := &Endpoints{explicit: c.Services}
	if c.Server != "" {
		e.server = remote.NewEndpointManager(c.Server, opts...)
	}
	return e
}

// Endpoints merges explicit service URLs with a server document.
type Endpoints struct {
	explicit remote.Services
	server   *remote.EndpointManager
}

// Manager returns the server-backed manager, or nil without a server.
func (e *Endpoints) Manager() *remote.EndpointManager { return e.server }

// Services returns the merged document. Explicit values win.
func (e *Endpoints) Services(ctx context.Context) (remote.Services, error) {
	out := e.explicit
	if e.server == nil {
		return out, nil
	}
	doc, err := e.server.Services(ctx)
	if err != nil {
		return remote.Services{}, err
	}
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&out.S3, doc.S3)
	fill(&out.Htsget, doc.Htsget)
	fill(&out.Fuzon, doc.Fuzon)
	fill(&out.Refget, doc.Refget)
	fill(&out.KMS, doc.KMS)
	if out.Auth == nil {
		out.Auth = doc.Auth
	}
	return out, nil
}

// S3For returns the S3 configuration with the endpoint taken from the
// merged services when none was configured.
func (c Config) S3For(ctx context.Context, e *Endpoints) (blob.S3Config, error) {
	cfg := c.S3
	if cfg.Endpoint != "" {
		return cfg, nil
	}
	s, err := e.Services(ctx)
	if err != nil {
		return blob.S3Config{}, err
	}
	cfg.Endpoint = s.S3
	if cfg.Endpoint != "" {
		cfg.PathStyle = true
	}
	return cfg, nil
}
