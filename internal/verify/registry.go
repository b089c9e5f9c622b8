package verify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xela07ax/lms/internal/connectors"
	"github.com/xela07ax/lms/internal/domain"
)

// Fetcher — общий исходящий HTTP-клиент, доступный блокам.
type Fetcher interface {
	Get(ctx context.Context, url string) (*connectors.Response, error)
	GetJSON(ctx context.Context, url string, out any) error
	Probe(ctx context.Context, url string) error
}

// Args — вход блока верификации.
type Args struct {
	Link   domain.Link
	Policy domain.Policy
	State  map[string]any // сохраненное состояние пары (только для stateful-блоков)
	Client Fetcher
}

// Result — выход блока. Непустой State уходит в upsert PolicyLinkState.
type Result struct {
	Output bool
	State  map[string]any
}

type BlockFunc func(ctx context.Context, args Args) (Result, error)

type Block struct {
	Name     string
	Stateful bool
	Run      BlockFunc
}

// Registry — закрытый набор именованных блоков. Неизвестное имя verifyFn —
// ошибка конфигурации политики, произвольный код не исполняется.
type Registry struct {
	blocks map[string]Block
}

func NewRegistry() *Registry {
	return &Registry{blocks: make(map[string]Block)}
}

// Register добавляет блок под основным именем и синонимами.
func (r *Registry) Register(b Block, aliases ...string) {
	r.blocks[b.Name] = b
	for _, a := range aliases {
		r.blocks[a] = b
	}
}

func (r *Registry) Lookup(name string) (Block, error) {
	b, ok := r.blocks[name]
	if !ok {
		return Block{}, fmt.Errorf("%w: %q", domain.ErrUnknownBlock, name)
	}
	return b, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.blocks))
	for n := range r.blocks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Point — координаты в градусах.
type Point struct {
	Lat float64
	Lon float64
}

// Deps — внешние источники и настройки встроенных блоков.
type Deps struct {
	Whois                WhoisLookup
	Ranks                RankLookup
	Geo                  GeoLookup
	IPs                  IPResolver
	Tracer               DependencyTracer
	Limiters             Limiters
	Reference            Point
	ObfuscationThreshold float64
	Now                  func() time.Time
}

// NewBuiltinRegistry регистрирует все встроенные блоки.
func NewBuiltinRegistry(d Deps) *Registry {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.ObfuscationThreshold == 0 {
		d.ObfuscationThreshold = DefaultObfuscationThreshold
	}
	r := NewRegistry()
	r.Register(Block{Name: "recently_registered", Run: d.recentlyRegistered}, "domain-age")
	r.Register(Block{Name: "domain_dropping", Run: d.domainDropping}, "domain-drop")
	r.Register(Block{Name: "domain_rank", Run: d.domainRank}, "domain-rank")
	r.Register(Block{Name: "comms_tls", Run: d.commsTLS}, "comms-tls")
	r.Register(Block{Name: "comms_distance", Run: d.commsDistance}, "comms-distance")
	r.Register(Block{Name: "changed_dependencies", Stateful: true, Run: d.changedDependencies}, "changed-dependencies")
	r.Register(Block{Name: "obfuscated_append", Stateful: true, Run: d.obfuscatedAppend}, "obfuscated-append")
	return r
}
