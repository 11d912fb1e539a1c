package logger

import "testing"

func TestNewBuildsForEachEnvironment(t *testing.T) {
	for _, env := range []string{"production", "development", ""} {
		log, err := New(env, "debug")
		if err != nil {
			t.Fatalf("env %q: %v", env, err)
		}
		if log == nil {
			t.Fatalf("env %q: expected logger", env)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("production", "loud"); err == nil {
		t.Fatalf("expected unknown level to be rejected")
	}
}
