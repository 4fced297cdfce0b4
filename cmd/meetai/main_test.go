package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMain(m *testing.M) {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	os.Exit(m.Run())
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	dbPath := filepath.Join(src, "meetai.db")
	cfgPath := filepath.Join(src, "config.json")
	os.WriteFile(dbPath, []byte("sqlite-bytes"), 0o644)
	os.WriteFile(dbPath+"-wal", []byte("wal-bytes"), 0o644)
	os.WriteFile(cfgPath, []byte(`{"general":{}}`), 0o644)

	files := backupFiles(dbPath, cfgPath)
	if len(files) != 3 {
		t.Fatalf("backupFiles = %v", files)
	}
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := createTarGz(archive, files); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	newDB := filepath.Join(dst, "data", "restored.db")
	newCfg := filepath.Join(dst, "config.json")
	restored, err := extractTarGz(archive, newDB, newCfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 3 {
		t.Fatalf("restored = %v", restored)
	}
	for path, want := range map[string]string{
		newDB:          "sqlite-bytes",
		newDB + "-wal": "wal-bytes",
		newCfg:         `{"general":{}}`,
	} {
		got, err := os.ReadFile(path)
		if err != nil || string(got) != want {
			t.Errorf("%s = %q, %v", path, got, err)
		}
	}
}

func TestExtractRejectsNonGzip(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.tar.gz")
	os.WriteFile(bad, []byte("plain text"), 0o644)
	if _, err := extractTarGz(bad, "x.db", "config.json"); err == nil {
		t.Fatal("expected error for non-gzip input")
	}
}

func TestHumanSize(t *testing.T) {
	if got := humanSize(512); got != "512 B" {
		t.Errorf("got %q", got)
	}
	if got := humanSize(3 << 20); got != "3.0 MB" {
		t.Errorf("got %q", got)
	}
}

func TestServiceUnits(t *testing.T) {
	args := serviceArgs("/etc/meetai/config.json", true)
	unit := renderSystemd("/usr/local/bin/meetai", args)
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/meetai serve --config /etc/meetai/config.json --with-worker") {
		t.Fatalf("unexpected unit:\n%s", unit)
	}

	plist := renderLaunchd("/usr/local/bin/meetai", serviceArgs("/c.json", false), "/l.log", "/e.log")
	for _, want := range []string{
		"<string>com.meetai.serve</string>",
		"<string>/usr/local/bin/meetai</string>",
		"<string>serve</string>",
		"<string>/c.json</string>",
		"<string>/e.log</string>",
	} {
		if !strings.Contains(plist, want) {
			t.Errorf("plist missing %s", want)
		}
	}
	if strings.Contains(plist, "--with-worker") {
		t.Error("plist should not include --with-worker")
	}
}
