package domain

import "fmt"

// Mode: режим работы клиентского шлюза. Порядковые значения входят в протокол /config.
type Mode int

const (
	ModeFailOpenNoOp Mode = 0 // ничего не спрашиваем, всё разрешаем
	ModeDecisionNoOp Mode = 1 // оценка выключена (базовые замеры)
	ModeNormal       Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeFailOpenNoOp:
		return "fail-open-noop"
	case ModeDecisionNoOp:
		return "decision-noop"
	case ModeNormal:
		return "normal"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func (m Mode) Valid() bool {
	return m >= ModeFailOpenNoOp && m <= ModeNormal
}

// GateConfig: маленький блоб, который шлюз опрашивает по heartbeat.
type GateConfig struct {
	Version int  `json:"version"`
	Mode    Mode `json:"mode"`
}

// APIMode: режим ответа бэкенда на запрос статуса ссылки.
type APIMode string

const (
	APIModeNoop      APIMode = "noop"      // всегда true, без побочных эффектов
	APIModeDiscovery APIMode = "discovery" // запоминаем ссылку, ставим проверку, отвечаем true
	APIModeNormal    APIMode = "normal"
)

func ParseAPIMode(s string) (APIMode, error) {
	switch APIMode(s) {
	case APIModeNoop, APIModeDiscovery, APIModeNormal:
		return APIMode(s), nil
	}
	return "", fmt.Errorf("unknown api mode %q", s)
}
