package domain

import (
	"fmt"
	"strconv"
	"time"
)

// PolicyType определяет, что именно проверяет правило.
type PolicyType string

const (
	PolicyLocation PolicyType = "location" // где находится ресурс (домен, гео)
	PolicyContent  PolicyType = "content"  // что внутри ресурса
	PolicyContext  PolicyType = "context"  // как ресурс ведет себя на странице
)

// StrategySimple: единственная стратегия верификации на сегодня.
const StrategySimple = "simple"

// ExtraArgRefresh: одноразовый флаг: блок заново снимает baseline состояния.
const ExtraArgRefresh = "refresh"

// Policy связывает предикат над Link (регулярки) с проверкой verifyFn и ожидаемым результатом.
// ID всегда вычисляется из Name, поэтому повторная отправка политики с тем же именем заменяет её.
type Policy struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Strategy       string         `json:"strategy"`
	Type           PolicyType     `json:"type"`
	OriginSource   string         `json:"originSource"`
	OriginTarget   string         `json:"originTarget"`
	URLSource      string         `json:"urlSource"`
	URLTarget      string         `json:"urlTarget"`
	Created        int64          `json:"created"` // epoch ms
	Expired        int64          `json:"expired"` // epoch ms, 0 = бессрочно
	VerifyFn       string         `json:"verifyFn"`
	VerifyFnOutput bool           `json:"verifyFnOutput"`
	Duration       int64          `json:"duration"` // секунды жизни решения
	ExtraArgs      map[string]any `json:"extraArgs,omitempty"`
}

// Normalize проставляет производные поля перед записью в хранилище.
func (p *Policy) Normalize(now time.Time) error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.VerifyFn == "" {
		return fmt.Errorf("policy %q: verifyFn is required", p.Name)
	}
	p.ID = PolicyID(p.Name)
	if p.Strategy == "" {
		p.Strategy = StrategySimple
	}
	if p.Type == "" {
		p.Type = PolicyLocation
	}
	if p.Created == 0 {
		p.Created = now.UnixMilli()
	}
	if p.URLSource == "" {
		p.URLSource = ".*"
	}
	if p.URLTarget == "" {
		p.URLTarget = ".*"
	}
	return nil
}

// Active: политика не истекла на момент now.
func (p Policy) Active(now time.Time) bool {
	return p.Expired == 0 || p.Expired > now.UnixMilli()
}

func (p Policy) Refresh() bool {
	return truthy(p.ExtraArgs[ExtraArgRefresh])
}

// ClearRefresh снимает одноразовый флаг refresh. Возвращает false, если флага не было.
func (p *Policy) ClearRefresh() bool {
	if !p.Refresh() {
		return false
	}
	args := make(map[string]any, len(p.ExtraArgs))
	for k, v := range p.ExtraArgs {
		args[k] = v
	}
	args[ExtraArgRefresh] = false
	p.ExtraArgs = args
	return true
}

// ArgFloat читает числовой аргумент из extraArgs (JSON отдает float64, YAML может отдать int или строку).
func (p Policy) ArgFloat(key string, def float64) float64 {
	switch v := p.ExtraArgs[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return false
}
