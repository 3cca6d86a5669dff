package config

import "testing"

func TestLoadSettingsDefaults(t *testing.T) {
	for _, v := range []string{"PORT", "CLASP_PORT", "WORKER_COUNT", "CONFIG_PATH", "LOG_LEVEL", "CLASP_DEBUG"} {
		t.Setenv(v, "")
	}

	s := LoadSettings()
	if s.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", s.Port, DefaultPort)
	}
	if s.WorkerCount != DefaultWorkerCount {
		t.Errorf("WorkerCount = %d, want %d", s.WorkerCount, DefaultWorkerCount)
	}
	if s.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", s.LogLevel)
	}
	if s.Debug {
		t.Error("Debug should default off")
	}
	if err := s.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadSettingsOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("CLASP_PORT", "9100")
	t.Setenv("WORKER_COUNT", "4")
	t.Setenv("CONFIG_PATH", "/etc/clasp.json")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("CLASP_DEBUG", "true")
	t.Setenv("CLASP_LOG_RETENTION_DAYS", "7")

	s := LoadSettings()
	if s.Port != 9100 {
		t.Errorf("CLASP_PORT should win over PORT, got %d", s.Port)
	}
	if s.WorkerCount != 4 || s.ConfigPath != "/etc/clasp.json" || !s.Debug {
		t.Errorf("settings = %+v", s)
	}
	if s.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want lowercased debug", s.LogLevel)
	}
	if s.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d", s.RetentionDays)
	}
}

func TestLoadSettingsMalformedNumbersFallBack(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("WORKER_COUNT", "")
	s := LoadSettings()
	if s.Port != DefaultPort {
		t.Errorf("malformed PORT should fall back, got %d", s.Port)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero port", func(s *Settings) { s.Port = 0 }},
		{"huge port", func(s *Settings) { s.Port = 70000 }},
		{"no workers", func(s *Settings) { s.WorkerCount = 0 }},
		{"bad level", func(s *Settings) { s.LogLevel = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Settings{Port: 8080, WorkerCount: 2, LogLevel: "info"}
			tt.mutate(s)
			if err := s.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
