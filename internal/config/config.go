package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	APIAddr       string `env:"API_ADDR" envDefault:":3007"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	MongoURI      string `env:"MONGO_URI,notEmpty"`
	MongoDatabase string `env:"MONGO_DB" envDefault:"prefs"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"2"`
	ChunkSize         int           `env:"CHUNK_SIZE" envDefault:"500"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase       time.Duration `env:"BACKOFF_BASE" envDefault:"2s"`
	LockDuration      time.Duration `env:"LOCK_DURATION" envDefault:"120s"`
	JanitorInterval   time.Duration `env:"JANITOR_INTERVAL" envDefault:"1s"`

	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"db/migrations"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
