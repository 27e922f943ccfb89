package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolcast/internal/channel"
	"schoolcast/internal/config"
	"schoolcast/internal/school"
	"schoolcast/internal/transport"
)

func pairFor(recipient, sender string) channel.Pair {
	return channel.Pair{Recipient: recipient, Sender: sender}
}

func TestMapDispatchConfigDefaults(t *testing.T) {
	dc, err := mapDispatchConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, 1, dc.Workers)
	assert.Equal(t, 30*time.Second, dc.SendTimeout)
	assert.Equal(t, defaultServiceURL, dc.ServiceURL)
	assert.Equal(t, "telegram", dc.ChannelID)

	dc, err = mapDispatchConfig(&config.Config{
		Telegram: config.TelegramConfig{AppID: "app"},
		Dispatch: config.DispatchConfig{Workers: 8, RatePerSec: 25, SendTimeout: "2s", NotificationType: "NO_PUSH"},
	})
	require.NoError(t, err)
	assert.Equal(t, "app", dc.AppID)
	assert.Equal(t, 8, dc.Workers)
	assert.Equal(t, 25, dc.RatePerSec)
	assert.Equal(t, 2*time.Second, dc.SendTimeout)
	assert.Equal(t, transport.NotificationNoPush, dc.Delivery.NotificationType)

	_, err = mapDispatchConfig(&config.Config{Dispatch: config.DispatchConfig{SendTimeout: "later"}})
	assert.Error(t, err)
}

func TestMapSchedulerConfig(t *testing.T) {
	sc, err := mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{
		Enabled:  true,
		Dayparts: map[string]string{"Morning": "07:30"},
		Timeout:  "5m",
	}})
	require.NoError(t, err)
	assert.Equal(t, "07:30", sc.Dayparts[school.DaypartMorning])
	assert.Equal(t, 5*time.Minute, sc.Timeout)

	_, err = mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{Dayparts: map[string]string{"brunch": "10:00"}}})
	assert.Error(t, err)
}

func TestMapStorageAndLease(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Path: "x.db"}})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite"}})
	assert.Error(t, err)

	assert.Equal(t, "local", leaseDriver(&config.Config{}))
	assert.Equal(t, "redis", leaseDriver(&config.Config{Lease: config.LeaseConfig{Driver: "Redis"}}))
	rc, err := mapRedisLease(&config.Config{Lease: config.LeaseConfig{RedisAddr: "r:6379", TTL: "30s"}})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, rc.TTL)
}

func TestMapTelegramAndReplies(t *testing.T) {
	tc, err := mapTelegramConfig(&config.Config{Telegram: config.TelegramConfig{Token: "t"}})
	require.NoError(t, err)
	assert.True(t, tc.Offline)
	assert.Equal(t, 10*time.Second, tc.PollTimeout)

	assert.Equal(t, []string{"👍 OK"}, quickReplies(&config.Config{}))
	assert.Equal(t, []string{"ok"}, quickReplies(&config.Config{Dispatch: config.DispatchConfig{QuickReply: "ok"}}))
	assert.Equal(t, school.ProviderTelegram, mapProvider(&config.Config{}))
}
