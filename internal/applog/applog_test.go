package applog

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewValidatesOptions(t *testing.T) {
	testCases := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"defaults", Options{}, false},
		{"console debug", Options{Level: "DEBUG", Format: "console"}, false},
		{"bad level", Options{Level: "loud"}, true},
		{"bad format", Options{Format: "xml"}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := New(tc.opts)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if l != nil {
				_ = l.Sync()
			}
		})
	}
}

func TestPionLoggerFactoryNamesScopes(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := NewPionLoggerFactory(zap.New(core))

	l := f.NewLogger("ice")
	l.Warnf("candidate %s failed", "host")
	l.Tracef("packet %d", 7)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].LoggerName != "pion.ice" {
		t.Fatalf("logger name = %q", entries[0].LoggerName)
	}
	if entries[0].Message != "candidate host failed" || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("unexpected entry %+v", entries[0].Entry)
	}
	if entries[1].Level != zapcore.DebugLevel {
		t.Fatalf("trace should log at debug, got %v", entries[1].Level)
	}
}
