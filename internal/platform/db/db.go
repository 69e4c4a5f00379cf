package db

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	driverName     = "mysql"
	configFilePath = "config/config.yaml"
)

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
}

type Certs struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	TLS  bool   `yaml:"tls"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// CheckinConfig はsettingsテーブルに値がない場合の既定値
type CheckinConfig struct {
	GeofenceLat        float64 `yaml:"geofence_lat"`
	GeofenceLng        float64 `yaml:"geofence_lng"`
	GeofenceRadiusM    float64 `yaml:"geofence_radius_m"`
	SampleCount        int     `yaml:"sample_count"`
	WindowSeconds      int     `yaml:"window_seconds"`
	MaxSampleAgeSecond int     `yaml:"max_sample_age_seconds"`
	MaxSpeedMps        float64 `yaml:"max_speed_mps"`
	MaxJumpM           float64 `yaml:"max_jump_m"`
	MaxSpreadM         float64 `yaml:"max_spread_m"`
	MaxAccuracyM       float64 `yaml:"max_accuracy_m"`
	LateAfterMinutes   int     `yaml:"late_after_minutes"`
}

type IPCheckConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"` // e.g. https://ipinfo.io/{ip}/json
	Timeout      time.Duration `yaml:"timeout"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	MaxKm        float64       `yaml:"max_km"`
	FailClosed   bool          `yaml:"fail_closed"`
}

type FraudConfig struct {
	ScanInterval    time.Duration `yaml:"scan_interval"`
	PatternInterval time.Duration `yaml:"pattern_interval"`
	Lookback        time.Duration `yaml:"lookback"`
	Workers         int           `yaml:"workers"`
	AnalyzeTimeout  time.Duration `yaml:"analyze_timeout"`
}

type SelfieConfig struct {
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type SettingsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type Config struct {
	Version     string         `yaml:"version"`
	Mode        string         `yaml:"mode"`
	Server      ServerConfig   `yaml:"server"`
	DB          DatabaseConfig `yaml:"database"`
	Certificate Certs          `yaml:"certificate"`
	Auth        AuthConfig     `yaml:"auth"`
	Checkin     CheckinConfig  `yaml:"checkin"`
	IPCheck     IPCheckConfig  `yaml:"ip_check"`
	Fraud       FraudConfig    `yaml:"fraud"`
	Selfie      SelfieConfig   `yaml:"selfie"`
	Log         LogConfig      `yaml:"log"`
	Settings    SettingsConfig `yaml:"settings"`
}

func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = configFilePath
	}
	// .env があれば読む（なければ無視）
	_ = godotenv.Load()

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込み失敗: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("設定ファイルのパース失敗: %w", err)
	}
	applyEnv(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Mode:   "dev",
		Server: ServerConfig{Addr: ":8443", TLS: true},
		Auth:   AuthConfig{TokenTTL: 24 * time.Hour},
		Checkin: CheckinConfig{
			GeofenceRadiusM:    100,
			SampleCount:        3,
			WindowSeconds:      30,
			MaxSampleAgeSecond: 120,
			MaxSpeedMps:        35,
			MaxJumpM:           150,
			MaxSpreadM:         100,
			MaxAccuracyM:       50,
			LateAfterMinutes:   15,
		},
		IPCheck: IPCheckConfig{
			Timeout:      4 * time.Second,
			RetryBackoff: 250 * time.Millisecond,
			MaxKm:        50,
		},
		Fraud: FraudConfig{
			ScanInterval:    15 * time.Minute,
			PatternInterval: 6 * time.Hour,
			Lookback:        24 * time.Hour,
			Workers:         4,
			AnalyzeTimeout:  30 * time.Second,
		},
		Selfie:   SelfieConfig{Dir: "storage/selfies"},
		Log:      LogConfig{Level: "info"},
		Settings: SettingsConfig{CacheTTL: 30 * time.Second},
	}
}

// 秘密情報は環境変数で上書きできるようにする
func applyEnv(cfg *Config) {
	if v := os.Getenv("PRESENCE_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("PRESENCE_DB_PASSWORD"); v != "" {
		cfg.DB.Password = v
	}
	if v := os.Getenv("PRESENCE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

func Connect(c DatabaseConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&tls=false&timeout=3s&readTimeout=5s&writeTimeout=5s&loc=UTC",
		c.Username, c.Password, c.Host, c.Port, c.DBName)

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("接続準備に失敗: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("DB接続に失敗: %w", err)
	}

	// 接続プール（チェックインのピーク時に合わせる）
	db.SetMaxOpenConns(80)
	db.SetMaxIdleConns(20)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return db, nil
}
