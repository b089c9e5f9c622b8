package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/infra"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestConfigWarmupSeedsDefaults(t *testing.T) {
	rdb, mr := setupRedis(t)
	svc := NewConfigService(rdb, domain.ModeNormal, zap.NewNop())

	require.NoError(t, svc.Warmup(context.Background()))
	assert.Equal(t, domain.GateConfig{Version: 0, Mode: domain.ModeNormal}, svc.Get())
	assert.Equal(t, "2", mr.HGet(infra.RedisKeyGateConfig, "mode"))
	assert.Equal(t, "0", mr.HGet(infra.RedisKeyGateConfig, "version"))
}

func TestConfigWarmupLoadsExisting(t *testing.T) {
	rdb, mr := setupRedis(t)
	mr.HSet(infra.RedisKeyGateConfig, "version", "7", "mode", "0")

	svc := NewConfigService(rdb, domain.ModeNormal, zap.NewNop())
	require.NoError(t, svc.Warmup(context.Background()))
	assert.Equal(t, domain.GateConfig{Version: 7, Mode: domain.ModeFailOpenNoOp}, svc.Get())
}

func TestConfigSetBumpsVersion(t *testing.T) {
	rdb, _ := setupRedis(t)
	svc := NewConfigService(rdb, domain.ModeNormal, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, svc.Warmup(ctx))

	cfg, err := svc.Set(ctx, domain.ModeDecisionNoOp)
	require.NoError(t, err)
	assert.Equal(t, domain.GateConfig{Version: 1, Mode: domain.ModeDecisionNoOp}, cfg)
	assert.Equal(t, cfg, svc.Get())

	_, err = svc.Set(ctx, domain.Mode(9))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestConfigListenAppliesSignals(t *testing.T) {
	rdb, _ := setupRedis(t)
	writer := NewConfigService(rdb, domain.ModeNormal, zap.NewNop())
	reader := NewConfigService(rdb, domain.ModeNormal, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, writer.Warmup(ctx))

	done := make(chan struct{})
	go func() {
		reader.Listen(ctx)
		close(done)
	}()

	// подписка асинхронна: повторяем запись, пока читатель не увидит сигнал
	assert.Eventually(t, func() bool {
		if _, err := writer.Set(ctx, domain.ModeFailOpenNoOp); err != nil {
			return false
		}
		return reader.Get().Mode == domain.ModeFailOpenNoOp
	}, 2*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestParseConfigSignal(t *testing.T) {
	cfg, err := parseConfigSignal("3:1")
	require.NoError(t, err)
	assert.Equal(t, domain.GateConfig{Version: 3, Mode: domain.ModeDecisionNoOp}, cfg)

	for _, bad := range []string{"", "3", "a:1", "3:b", "3:7"} {
		_, err := parseConfigSignal(bad)
		assert.Error(t, err, bad)
	}
}

func TestConfigApplyIgnoresOlderVersion(t *testing.T) {
	svc := NewConfigService(nil, domain.ModeNormal, zap.NewNop())
	assert.True(t, svc.apply(domain.GateConfig{Version: 5, Mode: domain.ModeDecisionNoOp}))
	assert.False(t, svc.apply(domain.GateConfig{Version: 4, Mode: domain.ModeNormal}))
	assert.Equal(t, domain.ModeDecisionNoOp, svc.Get().Mode)
}
