package cleanup

import (
	"errors"
	"testing"

	"github.com/changeloghq/authkit/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Run(t *testing.T) {
	cfg := &config.Config{}

	t.Run("runs every sweep", func(t *testing.T) {
		var ran []string
		service := NewService(cfg, nil,
			Sweeper{Name: "first", Sweep: func() error { ran = append(ran, "first"); return nil }},
			Sweeper{Name: "second", Sweep: func() error { ran = append(ran, "second"); return nil }},
		)

		require.NoError(t, service.Run())
		assert.Equal(t, []string{"first", "second"}, ran)
	})

	t.Run("one failure does not stop the others", func(t *testing.T) {
		firstErr := errors.New("table locked")
		var ran []string
		service := NewService(cfg, nil,
			Sweeper{Name: "broken", Sweep: func() error { ran = append(ran, "broken"); return firstErr }},
			Sweeper{Name: "also-broken", Sweep: func() error { ran = append(ran, "also-broken"); return errors.New("later") }},
			Sweeper{Name: "healthy", Sweep: func() error { ran = append(ran, "healthy"); return nil }},
		)

		err := service.Run()
		assert.ErrorIs(t, err, firstErr)
		assert.Contains(t, err.Error(), "broken")
		assert.Equal(t, []string{"broken", "also-broken", "healthy"}, ran)
	})

	t.Run("late registration is picked up", func(t *testing.T) {
		service := NewService(cfg, nil)

		ran := false
		service.Register(Sweeper{Name: "late", Sweep: func() error { ran = true; return nil }})

		require.NoError(t, service.Run())
		assert.True(t, ran)
	})
}

func TestService_Start(t *testing.T) {
	t.Run("no schedule means on-demand only", func(t *testing.T) {
		service := NewService(&config.Config{}, nil)
		require.NoError(t, service.Start())
		service.Stop()
	})

	t.Run("invalid schedule is rejected", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Cleanup.Schedule = "not a cron expression"
		service := NewService(cfg, nil)
		assert.Error(t, service.Start())
	})

	t.Run("valid schedule starts and stops cleanly", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Cleanup.Schedule = "@hourly"
		service := NewService(cfg, nil)
		require.NoError(t, service.Start())
		service.Stop()
	})
}
