package monitoring

import "testing"

func TestSetLogger(t *testing.T) {
	defer SetLogger(nil)

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = format
	})
	Logf("hello %s", "world")
	if got != "hello %s" {
		t.Errorf("expected format to be captured, got %q", got)
	}

	// nil installs a no-op logger rather than panicking
	SetLogger(nil)
	Logf("should not panic")
}

func TestSetDebugLogger(t *testing.T) {
	defer SetDebugLogger(nil)

	calls := 0
	SetDebugLogger(func(format string, v ...interface{}) {
		calls++
	})
	Debugf("frame %d", 1)
	Debugf("frame %d", 2)
	if calls != 2 {
		t.Errorf("expected 2 debug calls, got %d", calls)
	}

	SetDebugLogger(nil)
	Debugf("muted")
	if calls != 2 {
		t.Errorf("expected muted logger to drop calls, got %d", calls)
	}
}
