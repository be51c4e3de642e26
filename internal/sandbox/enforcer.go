// Package sandbox ограничивает файловые и командные инструменты корнем
// песочницы инстанса и сериализует запись внутри одного инстанса.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

// Enforcer хранит корни песочниц и RW-замки по инстансам.
type Enforcer struct {
	base string

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func NewEnforcer(base string) *Enforcer {
	return &Enforcer{
		base:  normalizePath(base),
		locks: make(map[string]*sync.RWMutex),
	}
}

// Root: корень песочницы инстанса. Дети получают свой корень, общий корень
// делится только между вызовами одного инстанса.
func (e *Enforcer) Root(instanceID string) string {
	return filepath.Join(e.base, instanceID)
}

// Prepare создает каталог корня.
func (e *Enforcer) Prepare(instanceID string) error {
	if err := os.MkdirAll(e.Root(instanceID), 0o750); err != nil {
		return fmt.Errorf("sandbox: prepare root: %w", err)
	}
	return nil
}

// ValidatePath проверяет, что путь (относительный — от корня) не выходит за корень,
// в том числе через симлинки существующей части пути.
func ValidatePath(root, path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty path", domain.ErrSandboxViolation)
	}
	root = normalizePath(root)

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)
	if !Within(root, abs) {
		return fmt.Errorf("%w: %s escapes %s", domain.ErrSandboxViolation, path, root)
	}

	resolved, err := resolveExisting(abs)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", domain.ErrSandboxViolation, path, err)
	}
	realRoot, err := resolveExisting(root)
	if err != nil {
		return fmt.Errorf("%w: resolve root: %v", domain.ErrSandboxViolation, err)
	}
	if !Within(realRoot, resolved) {
		return fmt.Errorf("%w: %s resolves outside root", domain.ErrSandboxViolation, path)
	}
	return nil
}

var destructive = regexp.MustCompile(`(?i)(\brm\s+-[a-z]*r[a-z]*f|\brm\s+-[a-z]*f[a-z]*r|\bmkfs\b|\bdd\s+if=|\bshutdown\b|\breboot\b|:\(\)\s*\{|>\s*/dev/sd)`)

// IsDestructive: команда из списка разрушительных шаблонов.
func IsDestructive(command string) bool {
	return destructive.MatchString(command)
}

// ValidateCommand: абсолютные пути и ".." в токенах команды не должны выходить за корень.
func ValidateCommand(root, command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty command", domain.ErrInvalidArguments)
	}
	for _, tok := range strings.Fields(command) {
		tok = strings.Trim(tok, `"'`)
		if i := strings.IndexByte(tok, '='); i >= 0 {
			tok = tok[i+1:]
		}
		if !filepath.IsAbs(tok) && !strings.Contains(tok, "..") {
			continue
		}
		if err := ValidatePath(root, tok); err != nil {
			return err
		}
	}
	return nil
}

// Guard берет замок песочницы: запись эксклюзивно, чтение параллельно.
// Возвращает функцию освобождения.
func (e *Enforcer) Guard(instanceID string, write bool) func() {
	e.mu.Lock()
	l, ok := e.locks[instanceID]
	if !ok {
		l = &sync.RWMutex{}
		e.locks[instanceID] = l
	}
	e.mu.Unlock()

	if write {
		l.Lock()
		return l.Unlock
	}
	l.RLock()
	return l.RUnlock
}

// Release забывает замок инстанса после терминального состояния.
func (e *Enforcer) Release(instanceID string) {
	e.mu.Lock()
	delete(e.locks, instanceID)
	e.mu.Unlock()
}

// Within: path лежит внутри prefix (или совпадает с ним).
func Within(prefix, path string) bool {
	if prefix == "" {
		return false
	}
	path = filepath.Clean(path)
	prefix = filepath.Clean(prefix)

	if path == prefix || prefix == string(filepath.Separator) {
		return true
	}
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

// resolveExisting раскрывает симлинки самой длинной существующей части пути.
func resolveExisting(path string) (string, error) {
	rest := ""
	cur := path
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(real, rest), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

func normalizePath(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}
