package validator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestValidate_ValidPayload(t *testing.T) {
	payload := []byte(`{"deviceId":"M1","temperature":45,"vibration":1.5,"current":5,"rpm":2500,"timestamp":"2026-02-28T08:30:00.250Z"}`)

	r, err := Validate(payload, now)
	require.NoError(t, err)

	assert.Equal(t, "M1", r.DeviceID)
	assert.Equal(t, 45.0, r.Temperature)
	assert.Equal(t, 1.5, r.Vibration)
	assert.Equal(t, 5.0, r.Current)
	assert.Equal(t, 2500.0, r.RPM)
	assert.Equal(t, time.Date(2026, 2, 28, 8, 30, 0, 250_000_000, time.UTC), r.Timestamp.UTC())
	assert.Zero(t, r.HealthScore)
}

func TestValidate_TimestampDefaultsToNow(t *testing.T) {
	for _, payload := range []string{
		`{"deviceId":"M1","temperature":1,"vibration":1,"current":1,"rpm":1}`,
		`{"deviceId":"M1","temperature":1,"vibration":1,"current":1,"rpm":1,"timestamp":null}`,
		`{"deviceId":"M1","temperature":1,"vibration":1,"current":1,"rpm":1,"timestamp":""}`,
	} {
		r, err := Validate([]byte(payload), now)
		require.NoError(t, err, payload)
		assert.Equal(t, now, r.Timestamp, payload)
	}
}

func TestValidate_EpochMillisTimestamp(t *testing.T) {
	payload := []byte(`{"deviceId":"M1","temperature":1,"vibration":1,"current":1,"rpm":1,"timestamp":1772353800000}`)

	r, err := Validate(payload, now)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1772353800000).UTC(), r.Timestamp)
}

func TestValidate_NumericStringsAccepted(t *testing.T) {
	payload := []byte(`{"deviceId":" M7 ","temperature":"71.25","vibration":" 2 ","current":"3e0","rpm":"2900"}`)

	r, err := Validate(payload, now)
	require.NoError(t, err)
	assert.Equal(t, "M7", r.DeviceID)
	assert.Equal(t, 71.25, r.Temperature)
	assert.Equal(t, 2.0, r.Vibration)
	assert.Equal(t, 3.0, r.Current)
	assert.Equal(t, 2900.0, r.RPM)
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{"not json", `deviceId=M1`, ""},
		{"array", `[1,2,3]`, ""},
		{"null", `null`, ""},
		{"missing deviceId", `{"temperature":1,"vibration":1,"current":1,"rpm":1}`, "deviceId"},
		{"empty deviceId", `{"deviceId":"  ","temperature":1,"vibration":1,"current":1,"rpm":1}`, "deviceId"},
		{"numeric deviceId", `{"deviceId":7,"temperature":1,"vibration":1,"current":1,"rpm":1}`, "deviceId"},
		{"missing rpm", `{"deviceId":"M1","temperature":1,"vibration":1,"current":1}`, "rpm"},
		{"null temperature", `{"deviceId":"M1","temperature":null,"vibration":1,"current":1,"rpm":1}`, "temperature"},
		{"bool vibration", `{"deviceId":"M1","temperature":1,"vibration":true,"current":1,"rpm":1}`, "vibration"},
		{"object current", `{"deviceId":"M1","temperature":1,"vibration":1,"current":{"v":1},"rpm":1}`, "current"},
		{"word temperature", `{"deviceId":"M1","temperature":"hot","vibration":1,"current":1,"rpm":1}`, "temperature"},
		{"NaN string", `{"deviceId":"M1","temperature":"NaN","vibration":1,"current":1,"rpm":1}`, "temperature"},
		{"Inf string", `{"deviceId":"M1","temperature":1,"vibration":"-Inf","current":1,"rpm":1}`, "vibration"},
		{"overflow", `{"deviceId":"M1","temperature":1,"vibration":1,"current":1e999,"rpm":1}`, "current"},
		{"bad timestamp", `{"deviceId":"M1","temperature":1,"vibration":1,"current":1,"rpm":1,"timestamp":"yesterday"}`, "timestamp"},
		{"trailing garbage", `{"deviceId":"M1","temperature":85,"vibration":1,"current":3,"rpm":2000} not-json`, ""},
		{"second object", `{"deviceId":"M1","temperature":1,"vibration":1,"current":1,"rpm":1}{"deviceId":"M2"}`, ""},
		{"huge epoch", `{"deviceId":"M1","temperature":1,"vibration":1,"current":1,"rpm":1,"timestamp":1e30}`, "timestamp"},
		{"epoch past year 9999", `{"deviceId":"M1","temperature":1,"vibration":1,"current":1,"rpm":1,"timestamp":253402300800000}`, "timestamp"},
		{"negative epoch", `{"deviceId":"M1","temperature":1,"vibration":1,"current":1,"rpm":1,"timestamp":-1}`, "timestamp"},
		{"bool timestamp", `{"deviceId":"M1","temperature":1,"vibration":1,"current":1,"rpm":1,"timestamp":false}`, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Validate([]byte(tt.payload), now)
			assert.Nil(t, r)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPayload))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidationError_Message(t *testing.T) {
	err := invalid("rpm", "missing")
	assert.Equal(t, "invalid payload: rpm: missing", err.Error())
	assert.Equal(t, "invalid payload: payload is not a JSON object", invalid("", "payload is not a JSON object").Error())
}

func TestValidate_TrailingWhitespaceAllowed(t *testing.T) {
	payload := []byte("{\"deviceId\":\"M1\",\"temperature\":1,\"vibration\":1,\"current\":1,\"rpm\":1}\n  ")

	r, err := Validate(payload, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "M1", r.DeviceID)
}

func TestValidate_EpochUpperBound(t *testing.T) {
	payload := []byte(`{"deviceId":"M1","temperature":1,"vibration":1,"current":1,"rpm":1,"timestamp":253402300799999}`)

	r, err := Validate(payload, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 9999, r.Timestamp.Year())
}
