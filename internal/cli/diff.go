package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/wI2L/jsondiff"
	"gopkg.in/yaml.v3"

	"github.com/xela07ax/lms/internal/domain"
)

type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeChanged ChangeKind = "changed"
)

// PolicyChange — расхождение одной политики между файлом и API.
type PolicyChange struct {
	Name  string         `json:"name"`
	Kind  ChangeKind     `json:"kind"`
	Patch jsondiff.Patch `json:"patch,omitempty"`
}

// loadPolicyFile читает YAML или JSON (JSON: подмножество YAML) и
// возвращает документ в JSON для отправки в API.
func loadPolicyFile(path string) (json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert %s to json: %w", path, err)
	}
	return out, nil
}

// comparablePolicy убирает поля, которые выставляет сервер (id, created, expired).
func comparablePolicy(p domain.Policy) (map[string]any, error) {
	if err := p.Normalize(time.UnixMilli(1)); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	delete(m, "id")
	delete(m, "created")
	delete(m, "expired")
	return m, nil
}

// DiffPolicies сравнивает политики по имени. Порядок результата: по имени.
func DiffPolicies(remote, local []domain.Policy) ([]PolicyChange, error) {
	index := func(ps []domain.Policy) (map[string]map[string]any, error) {
		out := make(map[string]map[string]any, len(ps))
		for _, p := range ps {
			m, err := comparablePolicy(p)
			if err != nil {
				return nil, err
			}
			out[p.Name] = m
		}
		return out, nil
	}
	have, err := index(remote)
	if err != nil {
		return nil, err
	}
	want, err := index(local)
	if err != nil {
		return nil, err
	}

	var changes []PolicyChange
	for name, w := range want {
		h, ok := have[name]
		if !ok {
			changes = append(changes, PolicyChange{Name: name, Kind: ChangeAdded})
			continue
		}
		hj, err := json.Marshal(h)
		if err != nil {
			return nil, err
		}
		wj, err := json.Marshal(w)
		if err != nil {
			return nil, err
		}
		patch, err := jsondiff.CompareJSON(hj, wj)
		if err != nil {
			return nil, fmt.Errorf("compare policy %q: %w", name, err)
		}
		if len(patch) > 0 {
			changes = append(changes, PolicyChange{Name: name, Kind: ChangeChanged, Patch: patch})
		}
	}
	for name := range have {
		if _, ok := want[name]; !ok {
			changes = append(changes, PolicyChange{Name: name, Kind: ChangeRemoved})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Name < changes[j].Name })
	return changes, nil
}

// describeOp — одна строка на операцию патча.
func describeOp(op jsondiff.Operation) string {
	switch op.Type {
	case jsondiff.OperationAdd:
		return fmt.Sprintf("+ %s = %v", op.Path, op.Value)
	case jsondiff.OperationRemove:
		return fmt.Sprintf("- %s", op.Path)
	case jsondiff.OperationReplace:
		return fmt.Sprintf("~ %s = %v", op.Path, op.Value)
	}
	return fmt.Sprintf("%s %s", op.Type, op.Path)
}
