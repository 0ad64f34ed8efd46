package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-groups/internal/announce"
	"github.com/gezibash/arc-groups/internal/config"
	"github.com/gezibash/arc-groups/internal/credential"
	"github.com/gezibash/arc-groups/internal/grouplock"
	"github.com/gezibash/arc-groups/internal/groups"
	"github.com/gezibash/arc-groups/internal/observability"
	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/logging"

	_ "github.com/gezibash/arc-groups/internal/store/badger"
	_ "github.com/gezibash/arc-groups/internal/store/memory"
	_ "github.com/gezibash/arc-groups/internal/store/redis"
	_ "github.com/gezibash/arc-groups/internal/store/sqlite"
)

// Session holds the process-wide infrastructure a command runs on: the
// configured store, the processing lock, observability and the
// announcement pipeline.
type Session struct {
	Config    config.Config
	Obs       *observability.Observability
	Log       *logging.Logger
	Store     store.Store
	Lock      *grouplock.Lock
	Announcer groups.Announcer

	redis   *redis.Client
	logFile *os.File
}

// Open builds a session from cfg. Logs go to logWriter when it is non-nil,
// otherwise to {data_dir}/log/cli.log so they do not mix with command
// output.
func Open(ctx context.Context, cfg config.Config, logWriter io.Writer) (_ *Session, err error) {
	s := &Session{Config: cfg}
	defer func() {
		if err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if logWriter == nil {
		f, err := openLogFile(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		s.logFile = f
		logWriter = f
	}

	s.Obs, err = observability.New(ctx, cfg.Observability.ObsConfig(), logWriter)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	s.Log = logging.New(s.Obs.Logger)

	s.Store, err = store.New(ctx, cfg.Store.Backend, cfg.StoreOptions(), s.Obs.Metrics)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s.Lock = grouplock.New(
		grouplock.WithTimeout(cfg.Lock.Timeout),
		grouplock.WithMetrics(s.Obs.Metrics),
		grouplock.WithLogger(s.Log),
	)

	fanout := announce.Fanout{announce.NewLog(s.Log)}
	if cfg.Announce.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.Announce.RedisAddr})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect announcement redis: %w", err)
		}
		fanout = append(fanout, announce.NewRedis(s.redis, cfg.Announce.Stream))
	}
	s.Announcer = fanout

	return s, nil
}

func openLogFile(dataDir string) (*os.File, error) {
	logDir := filepath.Join(dataDir, "log")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "cli.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path is constructed from known data dir
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Manager builds a group manager for self over st, talking to tr. It
// shares the session's lock, metrics and announcement pipeline. The
// credential cache persists through st.
func (s *Session) Manager(self uuid.UUID, st store.Store, tr transport.Transport, opts ...groups.Option) (*groups.Manager, *credential.Cache, error) {
	creds := credential.New(tr, credential.KeyedDeriver{},
		credential.WithPersister(store.CredentialPersister{Store: st}),
		credential.WithMetrics(s.Obs.Metrics),
		credential.WithLogger(s.Log.WithACI("self", self)))

	cfg := groups.Config{
		Self:        self,
		MaxAttempts: s.Config.Commit.MaxAttempts,
		MaxMembers:  s.Config.Migration.MaxMembers,
		AutoMigrate: s.Config.Migration.Auto,
	}
	base := []groups.Option{
		groups.WithLock(s.Lock),
		groups.WithAnnouncer(s.Announcer),
		groups.WithMetrics(s.Obs.Metrics),
		groups.WithLogger(s.Log),
	}
	m, err := groups.New(cfg, st, tr, creds, append(base, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	return m, creds, nil
}

// Close releases everything Open acquired.
func (s *Session) Close(ctx context.Context) error {
	var errs []error
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.Obs != nil {
		errs = append(errs, s.Obs.Close(ctx))
	}
	if s.logFile != nil {
		errs = append(errs, s.logFile.Close())
	}
	return errors.Join(errs...)
}
