package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zerolog.Level
		wantErr bool
	}{
		{in: "", want: zerolog.InfoLevel},
		{in: "DEBUG", want: zerolog.DebugLevel},
		{in: "warning", want: zerolog.WarnLevel},
		{in: "error", want: zerolog.ErrorLevel},
		{in: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewWritesAppLog(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	dir := t.TempDir()
	appLog := filepath.Join(dir, "logs", "app.log")
	logger, err := New(Options{Dir: filepath.Join(dir, "logs"), AppLog: appLog, Level: "info"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Info().Str("project", "p1").Msg("project started")
	logger.Debug().Msg("hidden")

	access, err := logger.OpenAccessLog(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("OpenAccessLog failed: %v", err)
	}
	if _, err := access.Write([]byte("GET / 200\n")); err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(appLog)
	if err != nil {
		t.Fatalf("app log missing: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `"project":"p1"`) || !strings.Contains(content, "project started") {
		t.Errorf("Expected structured entry in app log, got %q", content)
	}
	if strings.Contains(content, "hidden") {
		t.Error("Debug entry should be filtered at info level")
	}

	accessData, _ := os.ReadFile(filepath.Join(dir, "logs", "access.log"))
	if string(accessData) != "GET / 200\n" {
		t.Errorf("Unexpected access log %q", accessData)
	}
}
