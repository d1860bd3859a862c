package obslog

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestReplaceAndRestore(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := L()
	restore := Replace(zap.New(core))

	Named("matchmaking").Info("queue_join", zap.String("player_id", "alice"))
	entries := logs.FilterMessage("queue_join").All()
	if len(entries) != 1 { t.Fatalf("entries = %+v", logs.All()) }
	fields := entries[0].ContextMap()
	if fields["component"] != "matchmaking" || fields["player_id"] != "alice" { t.Fatalf("fields = %v", fields) }

	restore()
	if L() != prev { t.Fatalf("restore did not put the previous logger back") }
	L().Info("after_restore")
	if logs.Len() != 1 { t.Fatalf("restored logger still writes to the replacement") }

	undo := Replace(nil)
	defer undo()
	if L() == nil { t.Fatalf("Replace(nil) left no logger") }
}

func TestInitFromEnvInstallsLogger(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_TO_CONSOLE", "true")
	t.Setenv("LOG_TO_FILE", "false")
	t.Setenv("LOG_FORMAT", "json")
	restore := Replace(zap.NewNop())
	defer restore()

	if err := InitFromEnv(); err != nil { t.Fatalf("InitFromEnv: %v", err) }
	if L().Core().Enabled(zapcore.InfoLevel) || !L().Core().Enabled(zapcore.WarnLevel) { t.Fatalf("level not applied") }
}
