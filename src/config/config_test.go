package config

import (
	"testing"
)

func TestLoggerWithPrefix(t *testing.T) {
	conf := NewTestConfig(t)

	if got := conf.Logger().Data["prefix"]; got != "gateway" {
		t.Fatalf("unexpected root prefix %v", got)
	}

	entry := conf.LoggerWithPrefix("session")
	if got := entry.Data["prefix"]; got != "session" {
		t.Fatalf("unexpected component prefix %v", got)
	}

	// Same underlying logger, so level and hooks stay shared.
	if entry.Logger != conf.Logger().Logger {
		t.Fatal("component entries must share the root logger")
	}
}
