package toml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bnema/enrollctl/internal/ports"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	stateDirKey        = "state.dir"
	defaultStateDir    = ".enrollctl"
	identitiesFileName = "identities.toml"
	sessionsFileName   = "sessions.toml"
	lockFileName       = "state.lock"
	stateFileMode      = 0o600
	stateDirMode       = 0o700
	tempFilePattern    = ".state-*.toml.tmp"
)

// Store owns the state directory. Both record files share one mutual-exclusion
// domain: a process-wide RWMutex plus a lock file guarding read-modify-write cycles
// against other processes.
type Store struct {
	dir            string
	identitiesPath string
	sessionsPath   string
	mu             *sync.RWMutex
	lock           *fileLock
	clock          ports.Clock
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

// ResolveStateDir returns the configured state directory, defaulting to ~/.enrollctl.
func ResolveStateDir(cfg *viper.Viper) (string, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	dir := cfg.GetString(stateDirKey)
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(homeDir, defaultStateDir)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve state dir: %w", err)
	}

	return filepath.Clean(absDir), nil
}

func NewStore(cfg *viper.Viper, clock ports.Clock) (*Store, error) {
	dir, err := ResolveStateDir(cfg)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &Store{
		dir:            dir,
		identitiesPath: filepath.Join(dir, identitiesFileName),
		sessionsPath:   filepath.Join(dir, sessionsFileName),
		mu:             lockForPath(dir),
		lock:           newFileLock(filepath.Join(dir, lockFileName)),
		clock:          clock,
	}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) IdentitiesPath() string {
	return s.identitiesPath
}

func (s *Store) SessionsPath() string {
	return s.sessionsPath
}

func (s *Store) Identities() *IdentityRepository {
	return &IdentityRepository{store: s}
}

func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{store: s}
}

// WakesController reports whether a change to the named state file can make a
// suspended session runnable: an identity edit or a stop request.
func WakesController(name string) bool {
	base := filepath.Base(name)
	return base == identitiesFileName || strings.HasSuffix(base, stopRequestSuffix)
}

func (s *Store) read(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn()
}

func (s *Store) write(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, stateDirMode); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	release, err := s.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return fn()
}

func (s *Store) readIdentities() (identitiesFileSchema, error) {
	var file identitiesFileSchema
	found, err := readTOMLFile(s.identitiesPath, &file)
	if err != nil {
		return identitiesFileSchema{}, fmt.Errorf("identities file: %w", err)
	}
	if !found {
		file = identitiesFileSchema{}
	}
	if err := file.validateVersion(); err != nil {
		return identitiesFileSchema{}, err
	}
	file.applyDefaults(s.clock.Now())

	return file, nil
}

func (s *Store) readSessions() (sessionsFileSchema, error) {
	var file sessionsFileSchema
	found, err := readTOMLFile(s.sessionsPath, &file)
	if err != nil {
		return sessionsFileSchema{}, fmt.Errorf("sessions file: %w", err)
	}
	if !found {
		file = sessionsFileSchema{}
	}
	if err := file.validateVersion(); err != nil {
		return sessionsFileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func readTOMLFile(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read: %w", err)
	}

	if err := toml.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode: %w", err)
	}

	return true, nil
}

// writeTOMLFile replaces path atomically with the encoded file.
func writeTOMLFile(path string, file any) error {
	if err := os.MkdirAll(filepath.Dir(path), stateDirMode); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tempFile.Chmod(stateFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}

	cleanup = false
	return nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}

	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}

	return parsed
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}

	return value.Format(time.RFC3339Nano)
}
