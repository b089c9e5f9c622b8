package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/infra"
)

// ConfigService хранит конфигурацию шлюзов {version, mode}.
// L2 — hash в Redis (общий для всех инстансов API), L1 — копия в памяти,
// которую обновляет Pub/Sub. GET /config читает только L1.
type ConfigService struct {
	rdb         *redis.Client
	defaultMode domain.Mode
	logger      *zap.Logger

	mu  sync.RWMutex
	cfg domain.GateConfig

	// retryDelay — пауза перед повторной подпиской
	retryDelay time.Duration
}

func NewConfigService(rdb *redis.Client, defaultMode domain.Mode, logger *zap.Logger) *ConfigService {
	if !defaultMode.Valid() {
		defaultMode = domain.ModeNormal
	}
	return &ConfigService{
		rdb:         rdb,
		defaultMode: defaultMode,
		logger:      logger.Named("config-service"),
		cfg:         domain.GateConfig{Mode: defaultMode},
		retryDelay:  5 * time.Second,
	}
}

func (s *ConfigService) Get() domain.GateConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// apply обновляет L1 только вперед по версии.
func (s *ConfigService) apply(cfg domain.GateConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Version < s.cfg.Version {
		return false
	}
	changed := cfg != s.cfg
	s.cfg = cfg
	return changed
}

// Warmup загружает конфигурацию из Redis. Если hash пуст, один инстанс
// (под SetNX-блокировкой) заливает значения по умолчанию.
func (s *ConfigService) Warmup(ctx context.Context) error {
	cfg, found, err := s.load(ctx)
	if err != nil {
		return err
	}
	if found {
		s.apply(cfg)
		return nil
	}

	ok, err := s.rdb.SetNX(ctx, infra.RedisKeyLockGateConfig, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		// другой инстанс уже заливает; работаем на дефолте до первого сигнала
		return nil
	}

	s.logger.Info("gate config is empty, seeding defaults", zap.Stringer("mode", s.defaultMode))
	// HSetNX: не затираем значение, записанное между load и блокировкой
	pipe := s.rdb.TxPipeline()
	pipe.HSetNX(ctx, infra.RedisKeyGateConfig, "version", 0)
	pipe.HSetNX(ctx, infra.RedisKeyGateConfig, "mode", int(s.defaultMode))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("seed gate config: %w", err)
	}
	return s.sync(ctx)
}

// Set меняет режим, увеличивает версию и оповещает остальные инстансы.
func (s *ConfigService) Set(ctx context.Context, mode domain.Mode) (domain.GateConfig, error) {
	if !mode.Valid() {
		return domain.GateConfig{}, fmt.Errorf("%w: mode %d", domain.ErrInvalidArgument, int(mode))
	}

	var version *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, infra.RedisKeyGateConfig, "mode", int(mode))
		version = pipe.HIncrBy(ctx, infra.RedisKeyGateConfig, "version", 1)
		return nil
	})
	if err != nil {
		return domain.GateConfig{}, fmt.Errorf("store gate config: %w", err)
	}

	cfg := domain.GateConfig{Version: int(version.Val()), Mode: mode}
	s.apply(cfg)

	if err := s.rdb.Publish(ctx, infra.RedisChanGateConfig, formatConfigSignal(cfg)).Err(); err != nil {
		// остальные инстансы подтянут значение при переподключении
		s.logger.Error("failed to publish gate config", zap.Error(err))
	}
	s.logger.Info("gate config updated", zap.Int("version", cfg.Version), zap.Stringer("mode", cfg.Mode))
	return cfg, nil
}

// Listen — живучая подписка на изменения конфигурации. Блокирует до отмены ctx.
func (s *ConfigService) Listen(ctx context.Context) {
	for {
		pubsub := s.rdb.Subscribe(ctx, infra.RedisChanGateConfig)

		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("failed to subscribe", zap.String("chan", infra.RedisChanGateConfig), zap.Error(err))
			if !sleepCtx(ctx, s.retryDelay) {
				return
			}
			continue
		}

		// сигналы, пропущенные пока подписки не было
		if err := s.sync(ctx); err != nil {
			s.logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				cfg, err := parseConfigSignal(msg.Payload)
				if err != nil {
					s.logger.Error("invalid signal format", zap.String("payload", msg.Payload), zap.Error(err))
					continue
				}
				if s.apply(cfg) {
					s.logger.Info("gate config changed", zap.Int("version", cfg.Version), zap.Stringer("mode", cfg.Mode))
				}
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func (s *ConfigService) sync(ctx context.Context) error {
	cfg, found, err := s.load(ctx)
	if err != nil || !found {
		return err
	}
	s.apply(cfg)
	return nil
}

func (s *ConfigService) load(ctx context.Context) (domain.GateConfig, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, infra.RedisKeyGateConfig).Result()
	if err != nil {
		return domain.GateConfig{}, false, fmt.Errorf("load gate config: %w", err)
	}
	if len(vals) == 0 {
		return domain.GateConfig{}, false, nil
	}
	version, verr := strconv.Atoi(vals["version"])
	mode, merr := strconv.Atoi(vals["mode"])
	if err := errors.Join(verr, merr); err != nil {
		return domain.GateConfig{}, false, fmt.Errorf("decode gate config: %w", err)
	}
	return domain.GateConfig{Version: version, Mode: domain.Mode(mode)}, true, nil
}

// Формат сигнала: "version:mode"
func formatConfigSignal(cfg domain.GateConfig) string {
	return fmt.Sprintf("%d:%d", cfg.Version, int(cfg.Mode))
}

func parseConfigSignal(payload string) (domain.GateConfig, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 2 {
		return domain.GateConfig{}, fmt.Errorf("want version:mode")
	}
	version, err := strconv.Atoi(parts[0])
	if err != nil {
		return domain.GateConfig{}, err
	}
	mode, err := strconv.Atoi(parts[1])
	if err != nil {
		return domain.GateConfig{}, err
	}
	cfg := domain.GateConfig{Version: version, Mode: domain.Mode(mode)}
	if !cfg.Mode.Valid() {
		return domain.GateConfig{}, fmt.Errorf("mode %d out of range", mode)
	}
	return cfg, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
