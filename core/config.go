package core

import (
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Debug        bool
	TestMode     bool
	Env          string
	Build        string
	AppName      string
	SecretKey    string
	RollbarToken string
	// HashSalt keys the recipient hash stored on response transactions.
	HashSalt string

	Server struct {
		Host               string
		DebugHost          string
		ShutdownTimeout    time.Duration
		JWTExpirationDelta time.Duration
		APIKey             string
		DisableReqLogs     bool
	}

	Database struct {
		Engine        string
		Host          string
		Port          int
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		Name          string
		DisableTLS    bool
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	Publish struct {
		BatchSizeJIT int
		BatchSizePub int
		LockTTL      time.Duration
	}

	ETL struct {
		Schedule string
		LockTTL  time.Duration
	}

	Intake struct {
		AllowMissingAssignment bool
		ResubmitPolicy         string
	}
}

func (c Config) DatabaseAddress() string {
	return net.JoinHostPort(c.Database.Host, strconv.Itoa(c.Database.Port))
}

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("build", "develop")
	v.SetDefault("appName", "Encuestas")
	v.SetDefault("secretKey", "k9f@1x!vq7$e3m+0w#zr2^t8&ya6(dl5)hbn4s_uj*gpc")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("hashSalt", "encuestas-dev-salt")

	v.SetDefault("server.host", "0.0.0.0:8000")
	v.SetDefault("server.debugHost", "0.0.0.0:4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 8*time.Hour)
	v.SetDefault("server.apiKey", "dev-integration-key")
	v.SetDefault("server.disableReqLogs", false)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "encuestas")
	v.SetDefault("database.password", "encuestas")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.name", "encuestas")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("publish.batchSizeJIT", 1000)
	v.SetDefault("publish.batchSizePub", 500)
	v.SetDefault("publish.lockTTL", 10*time.Minute)

	v.SetDefault("etl.schedule", "")
	v.SetDefault("etl.lockTTL", 30*time.Minute)

	v.SetDefault("intake.allowMissingAssignment", true)
	v.SetDefault("intake.resubmitPolicy", "acknowledge")
}

// NewConfig loads the configuration for the current ENV (DEV (default), TEST, QA, PROD).
// Values come from, in order of precedence: env vars prefixed with ENV (e.g. PROD_DATABASE_HOST),
// config/.env.<env> and the defaults above.
func NewConfig() *Config {
	v := viper.New()
	setDefaults(v)

	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}
	if env == "TEST" {
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(Getwd(), "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	conf := &Config{
		Debug:        v.GetBool("debug"),
		TestMode:     v.GetBool("testMode"),
		Env:          env,
		Build:        v.GetString("build"),
		AppName:      v.GetString("appName"),
		SecretKey:    v.GetString("secretKey"),
		RollbarToken: v.GetString("rollbarToken"),
		HashSalt:     v.GetString("hashSalt"),
	}

	conf.Server.Host = v.GetString("server.host")
	conf.Server.DebugHost = v.GetString("server.debugHost")
	conf.Server.ShutdownTimeout = v.GetDuration("server.shutdownTimeout")
	conf.Server.JWTExpirationDelta = v.GetDuration("server.jwtExpirationDelta")
	conf.Server.APIKey = v.GetString("server.apiKey")
	conf.Server.DisableReqLogs = v.GetBool("server.disableReqLogs")

	conf.Database.Engine = v.GetString("database.engine")
	conf.Database.Host = v.GetString("database.host")
	conf.Database.Port = v.GetInt("database.port")
	conf.Database.User = v.GetString("database.user")
	conf.Database.Password = v.GetString("database.password")
	conf.Database.AdminUser = v.GetString("database.adminUser")
	conf.Database.AdminPassword = v.GetString("database.adminPassword")
	conf.Database.Name = v.GetString("database.name")
	conf.Database.DisableTLS = v.GetBool("database.disableTLS")

	conf.Redis.Addr = v.GetString("redis.addr")
	conf.Redis.Password = v.GetString("redis.password")
	conf.Redis.DB = v.GetInt("redis.db")

	conf.Publish.BatchSizeJIT = v.GetInt("publish.batchSizeJIT")
	conf.Publish.BatchSizePub = v.GetInt("publish.batchSizePub")
	conf.Publish.LockTTL = v.GetDuration("publish.lockTTL")

	conf.ETL.Schedule = v.GetString("etl.schedule")
	conf.ETL.LockTTL = v.GetDuration("etl.lockTTL")

	conf.Intake.AllowMissingAssignment = v.GetBool("intake.allowMissingAssignment")
	conf.Intake.ResubmitPolicy = v.GetString("intake.resubmitPolicy")

	return conf
}
