package config

import (
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Transport kinds for the execution context.
const (
	TransportInProcess = "inprocess"
	TransportProcess   = "process"
	TransportDocker    = "docker"
)

type Config struct {
	NatsURL     string
	HTTPPort    string
	Environment string
	LogLevel    string

	Transport      string
	WorkerBinary   string
	WorkerImage    string
	WorkerMemoryMB int64
	WorkerNanoCPUs int64

	PreloadPackages []string
	MaxCodeLength   int
	MaxSteps        uint64
	RateLimitMS     int

	BetterStackUploadURL   string
	BetterStackSourceToken string
}

func LoadConfig() Config {
	err := godotenv.Load(".env")
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}
	return fromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("NATSURL", "nats://localhost:4222")
	v.SetDefault("HTTPPORT", "8080")
	v.SetDefault("ENVIRONMENT", "production")
	v.SetDefault("LOGLEVEL", "info")

	v.SetDefault("TRANSPORT", TransportInProcess)
	v.SetDefault("WORKERBINARY", "")
	v.SetDefault("WORKERIMAGE", "edusandbox/worker")
	v.SetDefault("WORKERMEMORYMB", 256)
	v.SetDefault("WORKERNANOCPUS", 1_000_000_000)

	v.SetDefault("PRELOADPACKAGES", "")
	v.SetDefault("MAXCODELENGTH", 10000)
	v.SetDefault("MAXSTEPS", 0)
	v.SetDefault("RATELIMITMS", 500)

	v.SetDefault("BETTERSTACKUPLOADURL", "")
	v.SetDefault("BETTERSTACKSOURCETOKEN", "")

	v.AutomaticEnv()
	return v
}

func fromViper(v *viper.Viper) Config {
	transport := strings.ToLower(strings.TrimSpace(v.GetString("TRANSPORT")))
	switch transport {
	case TransportInProcess, TransportProcess, TransportDocker:
	default:
		log.Printf("Warning: unknown TRANSPORT %q, using %s", transport, TransportInProcess)
		transport = TransportInProcess
	}

	return Config{
		NatsURL:     v.GetString("NATSURL"),
		HTTPPort:    v.GetString("HTTPPORT"),
		Environment: v.GetString("ENVIRONMENT"),
		LogLevel:    v.GetString("LOGLEVEL"),

		Transport:      transport,
		WorkerBinary:   v.GetString("WORKERBINARY"),
		WorkerImage:    v.GetString("WORKERIMAGE"),
		WorkerMemoryMB: v.GetInt64("WORKERMEMORYMB"),
		WorkerNanoCPUs: v.GetInt64("WORKERNANOCPUS"),

		PreloadPackages: splitList(v.GetString("PRELOADPACKAGES")),
		MaxCodeLength:   v.GetInt("MAXCODELENGTH"),
		MaxSteps:        v.GetUint64("MAXSTEPS"),
		RateLimitMS:     v.GetInt("RATELIMITMS"),

		BetterStackUploadURL:   v.GetString("BETTERSTACKUPLOADURL"),
		BetterStackSourceToken: v.GetString("BETTERSTACKSOURCETOKEN"),
	}
}

// splitList reads a comma separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
