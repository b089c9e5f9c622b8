package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "lms"
)

// Конфигурация шлюзов: hash {version, mode}
const (
	RedisKeyGateConfig     = RedisNamespace + ":gate:config"
	RedisKeyLockGateConfig = RedisNamespace + ":lock:warmup:gate-config"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanGateConfig: уведомление API-инстансов о смене {version, mode}.
	RedisChanGateConfig = RedisNamespace + ":gate:config-update"
)

// Части очереди заданий.
const (
	QueuePending    = "pending"    // list: id, ожидающие выдачи
	QueueProcessing = "processing" // list: id, выданные воркерам
	QueueActive     = "active"     // zset: id -> дедлайн аренды (epoch ms)
	QueueDelayed    = "delayed"    // zset: id -> время готовности (epoch ms)
	QueueJobs       = "jobs"       // hash: id -> json задания
	QueueFailed     = "failed"     // list: окончательно упавшие id
)

// QueueKey Генератор ключей очереди.
func QueueKey(queue, part string) string {
	return fmt.Sprintf("%s:queue:%s:%s", RedisNamespace, queue, part)
}
