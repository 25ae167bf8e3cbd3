package config

import "time"

// OrchestratorConfig holds runtime configuration for the orchestrator service.
type OrchestratorConfig struct {
	Environment          string
	Addr                 string
	LogLevel             string
	DatabaseURL          string
	MigrationsDir        string
	JWTSecret            string
	TokenTTL             time.Duration
	OperatorKeys         map[string]string
	WebhookSecret        string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	EventsChannel        string
	EventsBuffer         int
	RateLimitPerMinute   int
	TickInterval         time.Duration
	CanaryTickInterval   time.Duration
	InfraPollInterval    time.Duration
	AutoRollback         bool
	RampStepPercent      float64
	RampMaxPercent       float64
	RampStepInterval     time.Duration
	ProgressIncrementMin float64
	ProgressIncrementMax float64
	InventoryPath        string
	TemplatesPath        string
	DockerHost           string
	SimulationSeed       int64
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
// An empty DATABASE_URL keeps history in memory and an empty DOCKER_HOST simulates
// utilization.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("ORCH_ADDR", ":4100"),
		LogLevel:             GetString("LOG_LEVEL", "info"),
		DatabaseURL:          GetString("DATABASE_URL", ""),
		MigrationsDir:        GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:            GetString("JWT_SECRET", "supersecuresecret"),
		TokenTTL:             time.Duration(GetInt("TOKEN_TTL_MIN", 60)) * time.Minute,
		OperatorKeys:         GetMap("OPERATOR_KEYS"),
		WebhookSecret:        GetString("CI_WEBHOOK_SECRET", ""),
		RedisAddr:            GetString("REDIS_ADDR", ""),
		RedisPassword:        GetString("REDIS_PASSWORD", ""),
		RedisDB:              GetInt("REDIS_DB", 0),
		EventsChannel:        GetString("EVENTS_CHANNEL", "deployctl:events"),
		EventsBuffer:         GetInt("EVENTS_BUFFER", 256),
		RateLimitPerMinute:   GetInt("RATE_LIMIT_PER_MINUTE", 120),
		TickInterval:         GetMillis("TICK_INTERVAL_MS", 2*time.Second),
		CanaryTickInterval:   GetMillis("CANARY_TICK_INTERVAL_MS", 5*time.Second),
		InfraPollInterval:    GetMillis("INFRA_POLL_INTERVAL_MS", 10*time.Second),
		AutoRollback:         GetBool("AUTO_ROLLBACK", true),
		RampStepPercent:      GetFloat("RAMP_STEP_PERCENT", 10),
		RampMaxPercent:       GetFloat("RAMP_MAX_PERCENT", 50),
		RampStepInterval:     GetMillis("RAMP_STEP_INTERVAL_MS", 30*time.Second),
		ProgressIncrementMin: GetFloat("PROGRESS_INCREMENT_MIN", 5),
		ProgressIncrementMax: GetFloat("PROGRESS_INCREMENT_MAX", 15),
		InventoryPath:        GetString("INFRA_INVENTORY_PATH", ""),
		TemplatesPath:        GetString("PIPELINE_TEMPLATES_PATH", ""),
		DockerHost:           GetString("DOCKER_HOST", ""),
		SimulationSeed:       GetInt64("SIMULATION_SEED", 0),
	}
}
