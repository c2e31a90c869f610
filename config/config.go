package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const (
	DefaultQueueCapacity  = 8192
	DefaultMaxBatchSize   = 2048
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultCloseTimeout   = 30 * time.Second
	DefaultStandbyTimeout = 10 * time.Second
)

type Config struct {
	Logger     LoggerConfig     `toml:"logger"`
	Postgres   PostgresConfig   `toml:"postgres"`
	SplitStore SplitStoreConfig `toml:"split_store"`
	Fetcher    FetcherConfig    `toml:"fetcher"`
}

type LoggerConfig struct {
	LogLevel logrus.Level `toml:"level"`
}

type FetcherConfig struct {
	WorkerID      string        `toml:"worker_id"`
	PollInterval  time.Duration `toml:"poll_interval"`
	CloseTimeout  time.Duration `toml:"close_timeout"`
	QueueCapacity int           `toml:"queue_capacity"`
	MaxBatchSize  int           `toml:"max_batch_size"`
	// ExactlyOnce is a pointer so an omitted key keeps the default.
	ExactlyOnce *bool `toml:"exactly_once"`
}

func (f FetcherConfig) IsExactlyOnce() bool {
	return f.ExactlyOnce == nil || *f.ExactlyOnce
}

type PostgresConfig struct {
	Host            string        `toml:"host"`
	Username        string        `toml:"username"`
	Password        string        `toml:"password"`
	Database        string        `toml:"database"`
	SlotName        string        `toml:"slot_name"`
	PublicationName string        `toml:"publication_name"`
	StandbyTimeout  time.Duration `toml:"standby_timeout"`
	Port            int           `toml:"port"`
	ConnectAttempts uint          `toml:"connect_attempts"`
}

type SplitStoreConfig struct {
	SplitID string   `toml:"split_id"`
	SSLMode string   `toml:"ssl_mode"`
	Tables  []string `toml:"tables"`
}

type Option func(*Config)

func NewConfig(opts ...Option) *Config {
	c := &Config{Logger: LoggerConfig{LogLevel: logrus.InfoLevel}}
	for _, opt := range opts {
		opt(c)
	}
	c.SetDefault()
	return c
}

// Load reads a TOML file. Unset keys take their defaults.
func Load(path string) (*Config, error) {
	c := &Config{Logger: LoggerConfig{LogLevel: logrus.InfoLevel}}
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode config %s: unknown keys %v", path, undecoded)
	}

	c.SetDefault()
	return c, nil
}

func WithWorkerID(id string) Option {
	return func(c *Config) {
		c.Fetcher.WorkerID = id
	}
}

func WithQueueCapacity(capacity int) Option {
	return func(c *Config) {
		c.Fetcher.QueueCapacity = capacity
	}
}

func WithMaxBatchSize(size int) Option {
	return func(c *Config) {
		c.Fetcher.MaxBatchSize = size
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.Fetcher.PollInterval = interval
	}
}

func WithCloseTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Fetcher.CloseTimeout = timeout
	}
}

func WithExactlyOnce(enabled bool) Option {
	return func(c *Config) {
		c.Fetcher.ExactlyOnce = &enabled
	}
}

func WithLogLevel(level logrus.Level) Option {
	return func(c *Config) {
		c.Logger.LogLevel = level
	}
}

func WithPostgres(pgConfig PostgresConfig) Option {
	return func(c *Config) {
		c.Postgres = pgConfig
	}
}

func WithDSN(dsn string) Option {
	return func(c *Config) {
		parsedURL, err := url.Parse(dsn)
		if err != nil {
			return
		}

		c.Postgres.Host = parsedURL.Hostname()
		if parsedURL.Port() != "" {
			port := 5432
			if _, err := fmt.Sscanf(parsedURL.Port(), "%d", &port); err == nil {
				c.Postgres.Port = port
			}
		}

		if parsedURL.User != nil {
			c.Postgres.Username = parsedURL.User.Username()
			if password, ok := parsedURL.User.Password(); ok {
				c.Postgres.Password = password
			}
		}

		c.Postgres.Database = strings.TrimPrefix(parsedURL.Path, "/")
	}
}

func WithSplitStore(storeConfig SplitStoreConfig) Option {
	return func(c *Config) {
		c.SplitStore = storeConfig
	}
}

func (c *Config) SetDefault() {
	if c.Fetcher.WorkerID == "" {
		c.Fetcher.WorkerID = "0"
	}
	if c.Fetcher.QueueCapacity == 0 {
		c.Fetcher.QueueCapacity = DefaultQueueCapacity
	}
	if c.Fetcher.MaxBatchSize == 0 {
		c.Fetcher.MaxBatchSize = min(DefaultMaxBatchSize, c.Fetcher.QueueCapacity)
	}
	if c.Fetcher.PollInterval == 0 {
		c.Fetcher.PollInterval = DefaultPollInterval
	}
	if c.Fetcher.CloseTimeout == 0 {
		c.Fetcher.CloseTimeout = DefaultCloseTimeout
	}

	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.StandbyTimeout == 0 {
		c.Postgres.StandbyTimeout = DefaultStandbyTimeout
	}
	if c.Postgres.ConnectAttempts == 0 {
		c.Postgres.ConnectAttempts = 5
	}

	if c.SplitStore.SplitID == "" {
		c.SplitStore.SplitID = "incremental-split-" + c.Fetcher.WorkerID
	}
	if c.SplitStore.SSLMode == "" {
		c.SplitStore.SSLMode = "disable"
	}
}

func (c *Config) Validate() error {
	var err error

	if cErr := c.Fetcher.Validate(); cErr != nil {
		err = errors.Join(err, cErr)
	}

	return err
}

// ValidatePostgres checks the settings the Postgres producer and split store
// need. The fetcher alone does not require them.
func (c *Config) ValidatePostgres() error {
	var err error
	if isEmpty(c.Postgres.Host) {
		err = errors.Join(err, errors.New("postgres.host cannot be empty"))
	}

	if isEmpty(c.Postgres.Username) {
		err = errors.Join(err, errors.New("postgres.username cannot be empty"))
	}

	if isEmpty(c.Postgres.Database) {
		err = errors.Join(err, errors.New("postgres.database cannot be empty"))
	}

	if isEmpty(c.Postgres.SlotName) {
		err = errors.Join(err, errors.New("postgres.slot_name cannot be empty"))
	}

	if isEmpty(c.Postgres.PublicationName) {
		err = errors.Join(err, errors.New("postgres.publication_name cannot be empty"))
	}

	if c.Postgres.StandbyTimeout < time.Second {
		err = errors.Join(err, errors.New("postgres.standby_timeout cannot be lower than 1s"))
	}

	return err
}

func (f FetcherConfig) Validate() error {
	var err error
	if isEmpty(f.WorkerID) {
		err = errors.Join(err, errors.New("fetcher.worker_id cannot be empty"))
	}

	if f.QueueCapacity <= 0 {
		err = errors.Join(err, errors.New("fetcher.queue_capacity must be greater than 0"))
	}

	if f.MaxBatchSize <= 0 || f.MaxBatchSize > f.QueueCapacity {
		err = errors.Join(err, errors.New("fetcher.max_batch_size must be between 1 and queue_capacity"))
	}

	if f.PollInterval <= 0 {
		err = errors.Join(err, errors.New("fetcher.poll_interval must be greater than 0"))
	}

	if f.CloseTimeout <= 0 {
		err = errors.Join(err, errors.New("fetcher.close_timeout must be greater than 0"))
	}

	return err
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", url.QueryEscape(c.Postgres.Username), url.QueryEscape(c.Postgres.Password), c.Postgres.Host, c.Postgres.Port, c.Postgres.Database)
}

// StoreDSN is the connection string of the snapshot metadata store.
func (c *Config) StoreDSN() string {
	return c.DSN() + "?sslmode=" + url.QueryEscape(c.SplitStore.SSLMode)
}

func (c *Config) ReplicationDSN() string {
	return c.DSN() + "?replication=database"
}

func (c *Config) Print() {
	fmt.Printf("Config: Worker=%s Host=%s Port=%d Database=%s Username=%s Slot=%s ExactlyOnce=%t\n",
		c.Fetcher.WorkerID, c.Postgres.Host, c.Postgres.Port, c.Postgres.Database, c.Postgres.Username, c.Postgres.SlotName, c.Fetcher.IsExactlyOnce())
}

func isEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
