package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/jacentio/trove/internal/metrics"
)

// ErrInitialization wraps every initialization failure. It is terminal for
// the Manager.
var ErrInitialization = errors.New("trove: store initialization failed")

// State is the lifecycle state of a Manager.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds connection settings. They are read once, on first use.
type Config struct {
	// Endpoint overrides the store endpoint URL (empty = AWS default for Region).
	Endpoint string

	// Region is the AWS region.
	// Default: "us-east-1"
	Region string

	// Database and Collection name the document table as "Database.Collection".
	// Default: "HolidayTracker" / "UserData"
	Database   string
	Collection string

	// Key is the inline base64 credential. When empty the credential is
	// fetched from AuthURL.
	Key string

	// AuthURL is the /.auth/me style endpoint returning the credential.
	AuthURL string

	// AuthTimeout bounds the auth endpoint request.
	// Default: 10s
	AuthTimeout time.Duration

	// ProvisionTimeout bounds waiting for a newly created table.
	// Default: 2m
	ProvisionTimeout time.Duration

	// Dialer opens the store client.
	// Default: DialDynamoDB
	Dialer Dialer

	// Logger receives lifecycle logs. Default: no-op.
	Logger *zap.Logger
}

func (c *Config) validate() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.Database == "" {
		c.Database = "HolidayTracker"
	}
	if c.Collection == "" {
		c.Collection = "UserData"
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 2 * time.Minute
	}
	if c.Dialer == nil {
		c.Dialer = DialDynamoDB
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// TableName returns the document table name.
func (c Config) TableName() string {
	return c.Database + "." + c.Collection
}

// Handle is a live connection to the document table.
type Handle struct {
	Client API
	Table  string
}

// Manager lazily establishes a single shared Handle. Initialization runs at
// most once; callers arriving while it is in flight wait for the same
// outcome. A failed initialization is never retried.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	http   *resty.Client

	mu     sync.Mutex
	state  State
	done   chan struct{}
	handle *Handle
	err    error
}

// NewManager creates a Manager in the Uninitialized state.
func NewManager(cfg Config) *Manager {
	cfg.validate()
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "conn")),
		http:   newHTTPClient(cfg),
	}
}

// NewReady creates a Manager that is already Ready with the given client.
func NewReady(client API, table string) *Manager {
	done := make(chan struct{})
	close(done)
	return &Manager{
		logger: zap.NewNop(),
		state:  Ready,
		done:   done,
		handle: &Handle{Client: client, Table: table},
	}
}

// Config returns the validated configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EnsureReady returns the shared Handle, initializing it on first use.
//
// Initialization is detached from the caller's cancellation so one impatient
// caller cannot fail it for everyone; ctx only bounds how long this caller
// waits.
func (m *Manager) EnsureReady(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	switch m.state {
	case Ready:
		h := m.handle
		m.mu.Unlock()
		return h, nil
	case Failed:
		err := m.err
		m.mu.Unlock()
		return nil, err
	case Uninitialized:
		m.state = Initializing
		m.done = make(chan struct{})
		go m.initialize(context.WithoutCancel(ctx))
	}
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle, m.err
}

func (m *Manager) initialize(ctx context.Context) {
	start := time.Now()
	m.logger.Info("initializing store connection", zap.String("table", m.cfg.TableName()))

	handle, err := m.connect(ctx)

	m.mu.Lock()
	if err != nil {
		m.state = Failed
		m.err = fmt.Errorf("%w: %w", ErrInitialization, err)
		m.logger.Error("store initialization failed", zap.Error(err))
		metrics.Initialization(metrics.OutcomeError)
	} else {
		m.state = Ready
		m.handle = handle
		m.logger.Info("store connection initialized",
			zap.String("table", handle.Table),
			zap.Duration("took", time.Since(start)),
		)
		metrics.Initialization(metrics.OutcomeOK)
	}
	close(m.done)
	m.mu.Unlock()
}

func (m *Manager) connect(ctx context.Context) (*Handle, error) {
	key, err := m.resolveKey(ctx)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("validating store credential",
		zap.Int("length", len(key)),
		zap.String("preview", maskKey(key)),
	)
	creds, err := DecodeCredential(key)
	if err != nil {
		return nil, err
	}

	client, err := m.cfg.Dialer(ctx, m.cfg, creds)
	if err != nil {
		return nil, fmt.Errorf("open store client: %w", err)
	}

	table := m.cfg.TableName()
	created, err := ensureTable(ctx, client, table, m.cfg.ProvisionTimeout)
	if err != nil {
		return nil, err
	}
	if created {
		m.logger.Info("created document table", zap.String("table", table))
	}

	return &Handle{Client: client, Table: table}, nil
}
