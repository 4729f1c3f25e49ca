package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/egv/ezra/internal/domain"
)

// Role определяет бинарник, для которого проверяется конфиг.
type Role string

const (
	// RoleService: бот, планировщик, рассылка и HTTP API.
	RoleService Role = "service"
	// RoleCollector: сборщик через пользовательскую MTProto-сессию.
	RoleCollector Role = "collector"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	TZ          string `envconfig:"TZ" default:"Europe/Moscow"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	Telegram struct {
		Token          string   `envconfig:"TG_BOT_TOKEN"`
		WebhookURL     string   `envconfig:"TG_WEBHOOK_URL"`
		WebhookSecret  string   `envconfig:"TG_WEBHOOK_SECRET"`
		SendRPS        float64  `envconfig:"TG_SEND_RPS" default:"25"`
		AdminUsernames []string `envconfig:"TG_ADMIN_USERNAMES"`
		AdminIDs       []int64  `envconfig:"TG_ADMIN_IDS"`
		AdminChatID    int64    `envconfig:"TG_ADMIN_CHAT_ID"`
		APIID          int      `envconfig:"TG_API_ID"`
		APIHash        string   `envconfig:"TG_API_HASH"`
		Phone          string   `envconfig:"TG_PHONE"`
		Password       string   `envconfig:"TG_PASSWORD"`
	} `envconfig:""`

	MTProto struct {
		FolderName   string        `envconfig:"TELEGRAM_FOLDER_NAME" default:"AI"`
		SessionName  string        `envconfig:"MTPROTO_SESSION_NAME" default:"ezra_userbot"`
		FetchLimit   int           `envconfig:"MTPROTO_FETCH_LIMIT" default:"10"`
		PollInterval time.Duration `envconfig:"MTPROTO_POLL_INTERVAL" default:"10m"`
		ChatDelay    time.Duration `envconfig:"MTPROTO_CHAT_DELAY" default:"1s"`
	} `envconfig:""`

	Storage struct {
		Driver     string `envconfig:"STORAGE_DRIVER" default:"sqlite"`
		SQLitePath string `envconfig:"SQLITE_PATH" default:"ezra.db"`
		PGDSN      string `envconfig:"PG_DSN"`
	} `envconfig:""`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Queues struct {
		Retry       string `envconfig:"RETRY_QUEUE" default:"memory"`
		RetryKey    string `envconfig:"RETRY_QUEUE_KEY" default:"digest_delivery_retries"`
		RabbitMQURL string `envconfig:"RABBITMQ_URL"`
	} `envconfig:""`

	OpenAI struct {
		APIKey      string        `envconfig:"OPENAI_API_KEY"`
		BaseURL     string        `envconfig:"OPENAI_BASE_URL"`
		Model       string        `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
		Timeout     time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
		MaxAttempts int           `envconfig:"OPENAI_MAX_ATTEMPTS" default:"3"`
		Backoff     time.Duration `envconfig:"OPENAI_BACKOFF" default:"2s"`
		MaxBackoff  time.Duration `envconfig:"OPENAI_MAX_BACKOFF" default:"30s"`
		InputLimit  int           `envconfig:"OPENAI_INPUT_LIMIT" default:"24000"`
	} `envconfig:""`

	Digest struct {
		Time          string `envconfig:"DIGEST_TIME" default:"08:00"`
		DayOffset     int    `envconfig:"DIGEST_DAY_OFFSET" default:"1"`
		ChunkChars    int    `envconfig:"DIGEST_CHUNK_CHARS" default:"8000"`
		Style         string `envconfig:"DIGEST_STYLE"`
		RetentionDays int    `envconfig:"DIGEST_RETENTION_DAYS" default:"7"`
	} `envconfig:""`

	Delivery struct {
		Workers     int           `envconfig:"DELIVERY_WORKERS" default:"4"`
		MaxAttempts int           `envconfig:"DELIVERY_MAX_ATTEMPTS" default:"5"`
		Backoff     time.Duration `envconfig:"DELIVERY_BACKOFF" default:"30s"`
		MaxBackoff  time.Duration `envconfig:"DELIVERY_MAX_BACKOFF" default:"30m"`
	} `envconfig:""`

	AdminAPIToken string `envconfig:"ADMIN_API_TOKEN"`
}

// Load читает .env (если есть) и загружает конфиг из окружения.
func Load(files ...string) (AppConfig, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return AppConfig{}, fmt.Errorf("%w: чтение %s: %v", domain.ErrConfiguration, file, err)
		}
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return cfg, nil
}

// Location возвращает зону дайджеста.
func (c AppConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return nil, fmt.Errorf("%w: TZ %q: %v", domain.ErrConfiguration, c.TZ, err)
	}
	return loc, nil
}

// DigestClock разбирает DIGEST_TIME в часы и минуты.
func (c AppConfig) DigestClock() (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(c.Digest.Time))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: DIGEST_TIME %q: ожидается ЧЧ:ММ", domain.ErrConfiguration, c.Digest.Time)
	}
	return t.Hour(), t.Minute(), nil
}

// Validate проверяет обязательные настройки для роли.
func (c AppConfig) Validate(role Role) error {
	var problems []string
	if _, err := c.Location(); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			problems = append(problems, "SQLITE_PATH пуст")
		}
	case "postgres":
		if c.Storage.PGDSN == "" {
			problems = append(problems, "PG_DSN обязателен для STORAGE_DRIVER=postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("STORAGE_DRIVER %q: ожидается sqlite или postgres", c.Storage.Driver))
	}

	switch role {
	case RoleService:
		if c.Telegram.Token == "" {
			problems = append(problems, "TG_BOT_TOKEN обязателен")
		}
		if _, _, err := c.DigestClock(); err != nil {
			problems = append(problems, err.Error())
		}
		if c.Digest.DayOffset < 0 {
			problems = append(problems, "DIGEST_DAY_OFFSET не может быть отрицательным")
		}
		if c.Digest.ChunkChars <= 0 {
			problems = append(problems, "DIGEST_CHUNK_CHARS должен быть положительным")
		}
		if c.Delivery.Workers <= 0 || c.Delivery.MaxAttempts <= 0 {
			problems = append(problems, "DELIVERY_WORKERS и DELIVERY_MAX_ATTEMPTS должны быть положительными")
		}
		if c.OpenAI.MaxAttempts <= 0 || c.OpenAI.InputLimit <= 0 {
			problems = append(problems, "OPENAI_MAX_ATTEMPTS и OPENAI_INPUT_LIMIT должны быть положительными")
		}
		switch c.Queues.Retry {
		case "memory":
		case "redis":
			if c.RedisAddr == "" {
				problems = append(problems, "REDIS_ADDR обязателен для RETRY_QUEUE=redis")
			}
		case "rabbitmq":
			if c.Queues.RabbitMQURL == "" {
				problems = append(problems, "RABBITMQ_URL обязателен для RETRY_QUEUE=rabbitmq")
			}
		default:
			problems = append(problems, fmt.Sprintf("RETRY_QUEUE %q: ожидается memory, redis или rabbitmq", c.Queues.Retry))
		}
	case RoleCollector:
		if c.Telegram.APIID == 0 || c.Telegram.APIHash == "" {
			problems = append(problems, "TG_API_ID и TG_API_HASH обязательны")
		}
		if c.MTProto.FetchLimit <= 0 {
			problems = append(problems, "MTPROTO_FETCH_LIMIT должен быть положительным")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}
