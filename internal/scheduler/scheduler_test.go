package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolcast/internal/school"
	logx "schoolcast/pkg/logx"
)

type call struct {
	date    time.Time
	daypart school.Daypart
}

func recorder(calls *[]call, err error) TriggerFunc {
	return func(ctx context.Context, date time.Time, d school.Daypart) error {
		*calls = append(*calls, call{date: date, daypart: d})
		return err
	}
}

func TestRunPassesCalendarDate(t *testing.T) {
	var calls []call
	s := New(Config{}, recorder(&calls, nil), logx.Nop())

	athens, err := time.LoadLocation("Europe/Athens")
	require.NoError(t, err)
	now := time.Date(2024, 10, 1, 7, 30, 12, 0, athens)

	s.run(context.Background(), now, school.DaypartMorning)
	require.Len(t, calls, 1)
	assert.Equal(t, time.Date(2024, 10, 1, 0, 0, 0, 0, athens), calls[0].date)
	assert.Equal(t, school.DaypartMorning, calls[0].daypart)

	// A failing trigger is logged, never propagated.
	s = New(Config{}, recorder(&calls, errors.New("db down")), logx.Nop())
	s.run(context.Background(), now, school.DaypartNoon)
	assert.Len(t, calls, 2)
}

func TestFireSkipsOverlappingRun(t *testing.T) {
	var calls []call
	s := New(Config{}, recorder(&calls, nil), logx.Nop())
	s.loc = time.UTC

	var running atomic.Bool
	running.Store(true)
	s.fire(school.DaypartEvening, &running)
	assert.Empty(t, calls)

	running.Store(false)
	s.fire(school.DaypartEvening, &running)
	assert.Len(t, calls, 1)
	assert.False(t, running.Load())
}

func TestStartRegistersDayparts(t *testing.T) {
	s := New(Config{
		Enabled:  true,
		Timezone: "Europe/Athens",
		Dayparts: map[school.Daypart]string{
			school.DaypartMorning: "07:30",
			school.DaypartEvening: "0 19 * * 1-5",
		},
	}, func(context.Context, time.Time, school.Daypart) error { return nil }, logx.Nop())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, school.DaypartEvening, entries[0].Daypart)
	assert.Equal(t, "0 19 * * 1-5", entries[0].Spec)
	assert.Equal(t, "30 7 * * *", entries[1].Spec)
	assert.Equal(t, 30, entries[1].Next.Minute())
}

func TestDisabledStartRegistersNothing(t *testing.T) {
	s := New(Config{Dayparts: map[school.Daypart]string{school.DaypartNoon: "12:00"}}, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	assert.Nil(t, s.Entries())
	assert.False(t, s.Enabled())
}

func TestApplyReregisters(t *testing.T) {
	s := New(Config{Enabled: true, Dayparts: map[school.Daypart]string{school.DaypartNoon: "12:00"}},
		func(context.Context, time.Time, school.Daypart) error { return nil }, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.NoError(t, s.Apply(Config{Enabled: true, Dayparts: map[school.Daypart]string{
		school.DaypartMorning: "08:00",
		school.DaypartNight:   "22:15",
	}}))
	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, school.DaypartMorning, entries[0].Daypart)

	require.NoError(t, s.Apply(Config{Enabled: false}))
	assert.Nil(t, s.Entries())
}

func TestValidate(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad timezone", Config{Timezone: "Mars/Olympus"}},
		{"bad schedule", Config{Dayparts: map[school.Daypart]string{school.DaypartNoon: "noonish"}}},
		{"bad cron", Config{Dayparts: map[school.Daypart]string{school.DaypartNoon: "99 * * * *"}}},
		{"unknown daypart", Config{Dayparts: map[school.Daypart]string{"brunch": "11:00"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, s.Validate(tt.cfg))
		})
	}
	assert.NoError(t, s.Validate(Config{Timezone: "UTC", Dayparts: map[school.Daypart]string{school.DaypartNow: "@every 1h"}}))
}
