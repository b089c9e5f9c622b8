package domain

import "time"

// Verification: неизменяемая запись одного прогона политики по ссылке.
// Success == nil означает «не удалось определить» (ошибка блока).
type Verification struct {
	Timestamp      int64  `json:"timestamp"` // epoch ms
	Expires        int64  `json:"expires"`   // epoch ms
	PolicyID       string `json:"policyId"`
	LinkID         string `json:"linkId"`
	OriginSource   string `json:"originSource"`
	OriginTarget   string `json:"originTarget"`
	URLSource      string `json:"urlSource"`
	URLTarget      string `json:"urlTarget"`
	OutputExpected bool   `json:"outputExpected"`
	OutputActual   *bool  `json:"outputActual"`
	Success        *bool  `json:"success"`
	Error          string `json:"error,omitempty"`
}

// NewVerification сравнивает фактический результат с ожидаемым.
// При err != nil результат неопределен, ошибка сохраняется в записи.
func NewVerification(p Policy, l Link, now time.Time, actual bool, err error) Verification {
	v := Verification{
		Timestamp:      now.UnixMilli(),
		Expires:        now.Add(time.Duration(p.Duration) * time.Second).UnixMilli(),
		PolicyID:       p.ID,
		LinkID:         l.ID,
		OriginSource:   l.OriginSource,
		OriginTarget:   l.OriginTarget,
		URLSource:      l.URLSource,
		URLTarget:      l.URLTarget,
		OutputExpected: p.VerifyFnOutput,
	}
	if err != nil {
		v.Error = err.Error()
		return v
	}
	v.OutputActual = Bool(actual)
	v.Success = Bool(actual == p.VerifyFnOutput)
	return v
}

// PolicyLinkState: изменяемое состояние stateful-блоков для пары (policy, link).
type PolicyLinkState struct {
	ID       string         `json:"id"`
	PolicyID string         `json:"policyId"`
	LinkID   string         `json:"linkId"`
	Vals     map[string]any `json:"vals"`
}

func NewPolicyLinkState(policyID, linkID string, vals map[string]any) PolicyLinkState {
	return PolicyLinkState{
		ID:       StateID(policyID, linkID),
		PolicyID: policyID,
		LinkID:   linkID,
		Vals:     vals,
	}
}

// Outcome: результат агрегации: последняя актуальная проверка для пары (link, policy).
type Outcome struct {
	LinkID    string `json:"linkId"`
	PolicyID  string `json:"policyId"`
	Success   *bool  `json:"success"`
	Timestamp int64  `json:"timestamp"`
	Expires   int64  `json:"expires"`
}
