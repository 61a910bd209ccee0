package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		NodeID       int64         `mapstructure:"NODE_ID"`
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Referral struct {
		CodePrefix           string `mapstructure:"CODE_PREFIX"`
		CommissionRate       int64  `mapstructure:"COMMISSION_RATE"`
		MinPurchaseAmount    int64  `mapstructure:"MIN_PURCHASE_AMOUNT"`
		GroupThreshold       int    `mapstructure:"GROUP_THRESHOLD"`
		GroupDiscountPercent int64  `mapstructure:"GROUP_DISCOUNT_PERCENT"`
		ExpiryDays           int    `mapstructure:"EXPIRY_DAYS"`
	} `mapstructure:"REFERRAL"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	setDefaults()

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	return &cfg
}

func setDefaults() {
	config.SetDefault("APP_ENV", "development")
	config.SetDefault("APP_NAME", "eduplane")
	config.SetDefault("HTTP_SERVER.NODE_ID", 1)
	config.SetDefault("HTTP_SERVER.ADDR", "8080")
	config.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	config.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	config.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	config.SetDefault("REFERRAL.CODE_PREFIX", "ARCH")
	config.SetDefault("REFERRAL.COMMISSION_RATE", 20)
	config.SetDefault("REFERRAL.MIN_PURCHASE_AMOUNT", 500000)
	config.SetDefault("REFERRAL.GROUP_THRESHOLD", 3)
	config.SetDefault("REFERRAL.GROUP_DISCOUNT_PERCENT", 10)
	config.SetDefault("REFERRAL.EXPIRY_DAYS", 30)
}
