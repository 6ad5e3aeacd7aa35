package actor

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleRequestUnmarshalJSON(t *testing.T) {
	t.Run("RFC3339 timestamp", func(t *testing.T) {
		var req ScheduleRequest
		err := json.Unmarshal([]byte(`{"at": "2025-03-01T10:30:00Z", "args": ["hello", 2]}`), &req)
		require.NoError(t, err)

		assert.True(t, req.At.Equal(time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)))
		assert.Zero(t, req.After)
		assert.Equal(t, []any{"hello", float64(2)}, req.Args)
		require.NoError(t, req.Validate())
	})

	t.Run("UNIX milliseconds", func(t *testing.T) {
		ms := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC).UnixMilli()

		var req ScheduleRequest
		err := json.Unmarshal([]byte(`{"at": `+strconv.FormatInt(ms, 10)+`}`), &req)
		require.NoError(t, err)
		assert.Equal(t, ms, req.At.UnixMilli())
	})

	t.Run("delays", func(t *testing.T) {
		tests := map[string]time.Duration{
			`"PT1H30M"`: 90 * time.Minute,
			`"2m"`:      2 * time.Minute,
			`1500`:      1500 * time.Millisecond,
			`"250"`:     250 * time.Millisecond,
		}
		for in, expect := range tests {
			t.Run(in, func(t *testing.T) {
				var req ScheduleRequest
				err := json.Unmarshal([]byte(`{"after": `+in+`}`), &req)
				require.NoError(t, err)
				assert.Equal(t, expect, req.After)
				assert.True(t, req.At.IsZero())
				require.NoError(t, req.Validate())
			})
		}
	})

	t.Run("calendar delays are resolved when scheduling", func(t *testing.T) {
		var req ScheduleRequest
		err := json.Unmarshal([]byte(`{"after": "P1M"}`), &req)
		require.NoError(t, err)
		require.NoError(t, req.Validate())
		assert.Zero(t, req.After)

		// 2024 is a leap year
		assert.Equal(t, 29*24*time.Hour, req.Delay(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))
		assert.Equal(t, 28*24*time.Hour, req.Delay(time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)))
		assert.Equal(t, 31*24*time.Hour, req.Delay(time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)))

		err = json.Unmarshal([]byte(`{"after": "P1DT1H"}`), &req)
		require.NoError(t, err)
		assert.Equal(t, 25*time.Hour, req.After)
		assert.Equal(t, 25*time.Hour, req.Delay(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("fixed delays ignore the current time", func(t *testing.T) {
		req := ScheduleRequest{After: 2 * time.Second}
		assert.Equal(t, 2*time.Second, req.Delay(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("invalid values", func(t *testing.T) {
		var req ScheduleRequest
		require.Error(t, json.Unmarshal([]byte(`{"at": "tomorrow"}`), &req))
		require.Error(t, json.Unmarshal([]byte(`{"after": "soon"}`), &req))
		require.Error(t, json.Unmarshal([]byte(`{"after": true}`), &req))
	})
}

func TestScheduleRequestValidate(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)

	require.NoError(t, ScheduleRequest{At: at}.Validate())
	require.NoError(t, ScheduleRequest{After: time.Second}.Validate())

	require.ErrorIs(t, ScheduleRequest{}.Validate(), ErrInvalidSchedule)
	require.ErrorIs(t, ScheduleRequest{At: at, After: time.Second}.Validate(), ErrInvalidSchedule)
	require.ErrorIs(t, ScheduleRequest{After: -time.Second}.Validate(), ErrInvalidSchedule)

	var req ScheduleRequest
	require.NoError(t, json.Unmarshal([]byte(`{"at": "2025-03-01T10:30:00Z", "after": "P1Y"}`), &req))
	require.ErrorIs(t, req.Validate(), ErrInvalidSchedule)
	require.NoError(t, json.Unmarshal([]byte(`{"after": -100}`), &req))
	require.ErrorIs(t, req.Validate(), ErrInvalidSchedule)
}

func TestLifecycleString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "shutting-down", ShuttingDown.String())
	assert.Equal(t, "Lifecycle(42)", Lifecycle(42).String())
}
