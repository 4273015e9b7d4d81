package config

import "testing"

func validConfig() *Config {
	return &Config{
		WorkerPoolSize:     20,
		HeartbeatInterval:  60,
		HeartbeatTimeout:   90,
		CPURejectThreshold: 75.0,
		CPUPauseThreshold:  85.0,
		LogLevel:           "info",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestValidateRejectsEmptyWorkerPool(t *testing.T) {
	c := validConfig()
	c.WorkerPoolSize = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for a zero worker pool size")
	}
}

func TestValidateRejectsInvertedHeartbeat(t *testing.T) {
	c := validConfig()
	c.HeartbeatTimeout = c.HeartbeatInterval
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error when timeout does not exceed the heartbeat interval")
	}
}

func TestValidateRejectsInvertedCPUThresholds(t *testing.T) {
	c := validConfig()
	c.CPUPauseThreshold = c.CPURejectThreshold - 1
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error when the pause threshold is below the reject threshold")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an unrecognized log level")
	}
}

func TestStoreConfigDSN(t *testing.T) {
	sc := StoreConfig{Host: "db", Port: 3306, User: "odin", Password: "secret", Database: "chat"}
	want := "odin:secret@tcp(db:3306)/chat?charset=utf8mb4&parseTime=True&loc=Local"
	if got := sc.DSN(); got != want {
		t.Fatalf("DSN() = %q, want %q", got, want)
	}
}
