package config

import "testing"

func TestValidateRequiresAtLeastOneDevice(t *testing.T) {
	cfg := &Config{Planner: PlannerSpec{BaseURL: "http://localhost:11434"}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty device list")
	}
}

func TestValidateRejectsDuplicateDeviceID(t *testing.T) {
	cfg := &Config{
		Devices: []DeviceSpec{
			{DeviceID: "d1", Endpoint: "ws://d1"},
			{DeviceID: "d1", Endpoint: "ws://d1-b"},
		},
		Planner: PlannerSpec{BaseURL: "http://localhost:11434"},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for duplicate device_id")
	}
}

func TestValidateRequiresPlannerBaseURL(t *testing.T) {
	cfg := &Config{Devices: []DeviceSpec{{DeviceID: "d1", Endpoint: "ws://d1"}}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing planner.base_url")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{
		Devices: []DeviceSpec{{DeviceID: "d1", Endpoint: "ws://d1"}},
		Planner: PlannerSpec{BaseURL: "http://localhost:11434", Model: "llama3"},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
