package verify

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

const stateAllowed = "allowed"

// DependencyTracer перечисляет под-ресурсы, которые загружает ресурс link.
type DependencyTracer interface {
	Dependencies(ctx context.Context, urlSource, urlTarget string, client Fetcher) ([]string, error)
}

var absoluteURLRe = regexp.MustCompile(`https?://[A-Za-z0-9.\-]+(?::\d+)?(?:/[^\s"'` + "`" + `<>()\\]*)?`)

// StaticTracer ищет абсолютные URL прямо в теле ресурса без исполнения.
type StaticTracer struct{}

func (StaticTracer) Dependencies(ctx context.Context, _, urlTarget string, client Fetcher) ([]string, error) {
	resp, err := client.Get(ctx, urlTarget)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, u := range absoluteURLRe.FindAllString(string(resp.Body), -1) {
		if u == urlTarget {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// changedDependencies: true, если набор зависимостей отличается от сохраненного.
// На первом запуске и при refresh текущий набор становится эталоном, ответ false.
func (d Deps) changedDependencies(ctx context.Context, a Args) (Result, error) {
	tracer := d.Tracer
	if tracer == nil {
		tracer = StaticTracer{}
	}
	current, err := tracer.Dependencies(ctx, a.Link.URLSource, a.Link.URLTarget, a.Client)
	if err != nil {
		return Result{}, fmt.Errorf("trace dependencies of %s: %w", a.Link.URLTarget, err)
	}

	allowed, ok := stringSet(a.State[stateAllowed])
	if a.Policy.Refresh() || !ok {
		return Result{Output: false, State: map[string]any{stateAllowed: current}}, nil
	}

	actual, _ := stringSet(current)
	return Result{Output: !sameSet(allowed, actual)}, nil
}

// stringSet принимает []string и []any (после JSON из хранилища).
func stringSet(v any) (map[string]struct{}, bool) {
	set := make(map[string]struct{})
	switch vals := v.(type) {
	case []string:
		for _, s := range vals {
			set[s] = struct{}{}
		}
	case []any:
		for _, x := range vals {
			if s, ok := x.(string); ok {
				set[s] = struct{}{}
			}
		}
	default:
		return nil, false
	}
	return set, true
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
