package policy

import (
	"regexp"
	"sync"

	"github.com/xela07ax/lms/internal/domain"
	"go.uber.org/zap"
)

// Matcher проверяет политики против ссылок. Скомпилированные регулярки
// кэшируются в памяти: набор паттернов мал и почти не меняется.
type Matcher struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
	invalid  map[string]struct{}
	logger   *zap.Logger
}

func NewMatcher(logger *zap.Logger) *Matcher {
	return &Matcher{
		patterns: make(map[string]*regexp.Regexp),
		invalid:  make(map[string]struct{}),
		logger:   logger.Named("matcher"),
	}
}

// Matches — true, если urlTarget и urlSource ссылки удовлетворяют паттернам политики.
// Семантика поиска (search), а не полного совпадения. Битый паттерн не совпадает ни с чем.
func (m *Matcher) Matches(p domain.Policy, l domain.Link) bool {
	target, ok := m.compile(p.URLTarget)
	if !ok || !target.MatchString(l.URLTarget) {
		return false
	}
	source, ok := m.compile(p.URLSource)
	return ok && source.MatchString(l.URLSource)
}

func (m *Matcher) compile(pattern string) (*regexp.Regexp, bool) {
	m.mu.RLock()
	re, ok := m.patterns[pattern]
	_, bad := m.invalid[pattern]
	m.mu.RUnlock()
	if ok {
		return re, true
	}
	if bad {
		return nil, false
	}

	re, err := regexp.Compile(pattern)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if _, seen := m.invalid[pattern]; !seen {
			m.invalid[pattern] = struct{}{}
			m.logger.Warn("invalid policy pattern", zap.String("pattern", pattern), zap.Error(err))
		}
		return nil, false
	}
	m.patterns[pattern] = re
	return re, true
}

// Matches — вариант без кэша.
func Matches(p domain.Policy, l domain.Link) bool {
	target, err := regexp.Compile(p.URLTarget)
	if err != nil || !target.MatchString(l.URLTarget) {
		return false
	}
	source, err := regexp.Compile(p.URLSource)
	return err == nil && source.MatchString(l.URLSource)
}
