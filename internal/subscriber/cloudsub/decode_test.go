package cloudsub

import (
	"testing"
	"time"

	"datasleigh/internal/store"
)

func classMap() map[string]store.DeviceClass {
	return map[string]store.DeviceClass{
		"air-1":   store.DeviceClassAir,
		"water-1": store.DeviceClassWater,
	}
}

func TestDecodeEvent_FullAirPayload(t *testing.T) {
	raw := `{"time":"2026-01-01T00:00:00Z","deviceId":"air-1","payload":{"temperature":68.5,"humidity":40.1,"battery":95,"signal":-55}}`
	event, err := decodeEvent([]byte(raw), classMap())
	if err != nil {
		t.Fatalf("decodeEvent() error = %v", err)
	}
	if event.DeviceClass != store.DeviceClassAir {
		t.Errorf("DeviceClass = %v, want air", event.DeviceClass)
	}
	if !event.HasTemperature || event.Temperature != 68.5 {
		t.Errorf("Temperature = %v/%v, want 68.5/true", event.Temperature, event.HasTemperature)
	}
	if !event.HasHumidity || event.Humidity != 40.1 {
		t.Errorf("Humidity = %v/%v, want 40.1/true", event.Humidity, event.HasHumidity)
	}
	if event.Battery != 95 || event.Signal != -55 {
		t.Errorf("Battery/Signal = %d/%d, want 95/-55", event.Battery, event.Signal)
	}
	if event.RawPayload != raw {
		t.Error("RawPayload must retain the original event JSON verbatim")
	}
}

func TestDecodeEvent_WaterDeviceHasNoHumidity(t *testing.T) {
	raw := `{"time":"2026-01-01T00:00:00Z","deviceId":"water-1","payload":{"humidity":55,"battery":80}}`
	event, err := decodeEvent([]byte(raw), classMap())
	if err != nil {
		t.Fatalf("decodeEvent() error = %v", err)
	}
	if event.HasHumidity {
		t.Error("humidity must never be set for a water-class device")
	}
}

func TestDecodeEvent_MissingOptionalFields(t *testing.T) {
	raw := `{"time":"2026-01-01T00:00:00Z","deviceId":"water-1","payload":{}}`
	event, err := decodeEvent([]byte(raw), classMap())
	if err != nil {
		t.Fatalf("decodeEvent() error = %v", err)
	}
	if event.HasTemperature || event.HasHumidity {
		t.Error("absent payload fields must not be marked present")
	}
}

func TestDecodeEvent_UnknownDeviceRejected(t *testing.T) {
	raw := `{"time":"2026-01-01T00:00:00Z","deviceId":"ghost-1","payload":{}}`
	if _, err := decodeEvent([]byte(raw), classMap()); err == nil {
		t.Fatal("expected an error for an unregistered device id")
	}
}

func TestDecodeEvent_MalformedJSONRejected(t *testing.T) {
	if _, err := decodeEvent([]byte(`not json`), classMap()); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestDecodeEvent_ZeroTimeDefaultsToNow(t *testing.T) {
	raw := `{"deviceId":"air-1","payload":{}}`
	before := time.Now().UTC()
	event, err := decodeEvent([]byte(raw), classMap())
	if err != nil {
		t.Fatalf("decodeEvent() error = %v", err)
	}
	if event.Timestamp.Before(before) {
		t.Error("expected timestamp to default to roughly now when absent from the wire event")
	}
}
