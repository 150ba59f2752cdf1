// Package doctor checks that configuration, external tools and credentials
// are in place for the speech pipeline.
package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sipeed/picoavatar/pkg/config"
	"github.com/sipeed/picoavatar/pkg/lipsync"
	"github.com/sipeed/picoavatar/pkg/procrun"
)

// Check represents a single diagnostic check
type Check struct {
	Name    string
	Status  Status
	Message string
	Details []string
}

// Status represents the status of a check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "✅"
	case StatusWarning:
		return "⚠️"
	case StatusError:
		return "❌"
	default:
		return "❓"
	}
}

// Doctor runs all diagnostic checks
type Doctor struct {
	configPath string
	cfg        *config.Config
	runner     procrun.Runner
	out        io.Writer
	checks     []Check
}

type Option func(*Doctor)

// WithRunner replaces the process runner used for tool probes.
func WithRunner(r procrun.Runner) Option {
	return func(d *Doctor) { d.runner = r }
}

func WithOutput(w io.Writer) Option {
	return func(d *Doctor) { d.out = w }
}

// NewDoctor creates a new Doctor instance
func NewDoctor(configPath string, opts ...Option) *Doctor {
	d := &Doctor{
		configPath: configPath,
		runner:     procrun.NewExecRunner(procrun.DefaultProbeTimeout),
		out:        os.Stdout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes all diagnostic checks and prints a summary.
func (d *Doctor) Run(ctx context.Context) []Check {
	fmt.Fprintln(d.out, "🏥 PicoAvatar Doctor")
	fmt.Fprintln(d.out, "====================")
	fmt.Fprintln(d.out)

	d.checks = nil
	d.checkConfig()

	if d.cfg != nil {
		d.checkAudioDir()
		d.checkCachedTracks()
		d.checkTool(ctx, "Transcoder (ffmpeg)", d.cfg.Tools.FFmpegPath, "-version")
		d.checkTool(ctx, "Lip sync (rhubarb)", d.cfg.Tools.RhubarbPath, "--version")
		d.checkSpeech()
		d.checkLLM()
		d.checkJournal()
	}

	d.printSummary()
	return d.checks
}

func (d *Doctor) checkConfig() {
	check := Check{
		Name: "Configuration File",
	}

	if _, err := os.Stat(d.configPath); os.IsNotExist(err) {
		// defaults and environment still apply
		check.Status = StatusWarning
		check.Message = "Config file not found, using defaults and environment"
		check.Details = append(check.Details, fmt.Sprintf("Expected at: %s", d.configPath))
	}

	cfg, err := config.LoadConfig(d.configPath)
	if err != nil {
		check.Status = StatusError
		check.Message = "Failed to load configuration"
		check.Details = append(check.Details, fmt.Sprintf("Error: %v", err))
		d.checks = append(d.checks, check)
		return
	}

	d.cfg = cfg
	if check.Status == StatusOK {
		check.Message = "Configuration loaded successfully"
		check.Details = append(check.Details, fmt.Sprintf("Path: %s", d.configPath))
	}
	d.checks = append(d.checks, check)
}

func (d *Doctor) checkAudioDir() {
	check := Check{
		Name: "Audio Directory",
	}
	dir := d.cfg.AudioDir()
	check.Details = append(check.Details, fmt.Sprintf("Path: %s", dir))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		check.Status = StatusError
		check.Message = "Audio directory cannot be created"
		check.Details = append(check.Details, fmt.Sprintf("Error: %v", err))
		d.checks = append(d.checks, check)
		return
	}

	testFile := filepath.Join(dir, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		check.Status = StatusError
		check.Message = "Audio directory is not writable"
		check.Details = append(check.Details, fmt.Sprintf("Error: %v", err))
		d.checks = append(d.checks, check)
		return
	}
	f.Close()
	os.Remove(testFile)

	check.Status = StatusOK
	check.Message = "Audio directory is writable"
	d.checks = append(d.checks, check)
}

// checkCachedTracks validates the greeting and notice tracks kept between
// requests. Broken ones are rebuilt on the next reply, so they only warn.
func (d *Doctor) checkCachedTracks() {
	check := Check{
		Name: "Cached Greetings",
	}
	dir := d.cfg.AudioDir()

	var paths []string
	for _, pattern := range []string{"intro_*.json", "api_*.json"} {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		check.Status = StatusOK
		check.Message = "No cached greetings yet"
		d.checks = append(d.checks, check)
		return
	}

	bad := 0
	for _, p := range paths {
		if err := lipsync.ValidateTrackFile(p); err != nil {
			bad++
			check.Details = append(check.Details, fmt.Sprintf("%s: %v", filepath.Base(p), err))
		}
	}
	if bad > 0 {
		check.Status = StatusWarning
		check.Message = fmt.Sprintf("%d of %d cached tracks are invalid and will be regenerated", bad, len(paths))
		d.checks = append(d.checks, check)
		return
	}

	check.Status = StatusOK
	check.Message = fmt.Sprintf("%d cached tracks valid", len(paths))
	d.checks = append(d.checks, check)
}

func (d *Doctor) checkTool(ctx context.Context, name, path, versionFlag string) {
	check := Check{
		Name: name,
	}
	timeout := d.cfg.Tools.ProbeTimeout.Std()

	version, err := procrun.Probe(ctx, d.runner, timeout, path, versionFlag)
	if err != nil {
		// missing tools degrade every reply to synthetic timing
		check.Status = StatusWarning
		check.Message = fmt.Sprintf("%s is not usable; replies will use fallback lip sync", path)
		check.Details = append(check.Details, fmt.Sprintf("Error: %v", err))
		d.checks = append(d.checks, check)
		return
	}

	check.Status = StatusOK
	check.Message = version
	d.checks = append(d.checks, check)
}

func (d *Doctor) checkSpeech() {
	check := Check{
		Name: "Speech Synthesis",
	}
	sp := d.cfg.Speech
	check.Details = append(check.Details, fmt.Sprintf("Provider: %s", sp.Provider))

	var missing []string
	if strings.TrimSpace(sp.APIKey) == "" {
		missing = append(missing, "api_key")
	}
	if strings.TrimSpace(sp.VoiceID) == "" {
		missing = append(missing, "voice_id")
	}
	if len(missing) > 0 {
		check.Status = StatusError
		check.Message = "Speech is not configured; replies will be silent"
		check.Details = append(check.Details, fmt.Sprintf("Missing: speech.%s", strings.Join(missing, ", speech.")))
		d.checks = append(d.checks, check)
		return
	}

	check.Status = StatusOK
	check.Message = "Speech credentials configured"
	check.Details = append(check.Details, fmt.Sprintf("Voice: %s", sp.VoiceID))
	switch {
	case sp.RequestsPerMinute <= 0:
		check.Details = append(check.Details, "Rate limit: off")
	case sp.PerVoiceLimit:
		check.Details = append(check.Details, fmt.Sprintf("Rate limit: %d/min, per voice", sp.RequestsPerMinute))
	default:
		check.Details = append(check.Details, fmt.Sprintf("Rate limit: %d/min", sp.RequestsPerMinute))
	}
	d.checks = append(d.checks, check)
}

func (d *Doctor) checkLLM() {
	check := Check{
		Name: "LLM Provider",
	}
	if !d.cfg.HasLLMCredentials() {
		check.Status = StatusError
		check.Message = "No LLM API key configured; only notices will be spoken"
		check.Details = append(check.Details, "Set llm.api_key or PICOAVATAR_LLM_API_KEY")
		d.checks = append(d.checks, check)
		return
	}
	check.Status = StatusOK
	check.Message = fmt.Sprintf("%s (%s)", d.cfg.LLM.Provider, d.cfg.LLM.Model)
	d.checks = append(d.checks, check)
}

func (d *Doctor) checkJournal() {
	check := Check{
		Name: "Error Journal",
	}
	if !d.cfg.Journal.Enabled {
		check.Status = StatusOK
		check.Message = "Disabled (errors are logged only)"
		d.checks = append(d.checks, check)
		return
	}

	path := d.cfg.JournalPath()
	check.Details = append(check.Details, fmt.Sprintf("Path: %s", path))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		check.Status = StatusError
		check.Message = "Journal directory cannot be created"
		check.Details = append(check.Details, fmt.Sprintf("Error: %v", err))
		d.checks = append(d.checks, check)
		return
	}
	check.Status = StatusOK
	check.Message = "Journal location is usable"
	d.checks = append(d.checks, check)
}

func (d *Doctor) printSummary() {
	fmt.Fprintln(d.out)
	fmt.Fprintln(d.out, "📊 Summary")
	fmt.Fprintln(d.out, "==========")
	fmt.Fprintln(d.out)

	okCount := 0
	warningCount := 0
	errorCount := 0

	for _, check := range d.checks {
		fmt.Fprintf(d.out, "%s %s\n", check.Status, check.Name)
		if check.Message != "" {
			fmt.Fprintf(d.out, "   %s\n", check.Message)
		}
		for _, detail := range check.Details {
			fmt.Fprintf(d.out, "   %s\n", detail)
		}
		fmt.Fprintln(d.out)

		switch check.Status {
		case StatusOK:
			okCount++
		case StatusWarning:
			warningCount++
		case StatusError:
			errorCount++
		}
	}

	fmt.Fprintln(d.out, "----------")
	fmt.Fprintf(d.out, "✅ %d passed  ⚠️ %d warnings  ❌ %d errors\n", okCount, warningCount, errorCount)
	fmt.Fprintln(d.out)

	if errorCount > 0 {
		fmt.Fprintln(d.out, "❌ Please fix the errors above before using picoavatar")
	} else if warningCount > 0 {
		fmt.Fprintln(d.out, "⚠️ PicoAvatar should work, but consider addressing the warnings")
	} else {
		fmt.Fprintln(d.out, "✅ All checks passed! PicoAvatar is ready to talk")
	}
}

// IsHealthy returns true if all checks passed (no errors)
func (d *Doctor) IsHealthy() bool {
	for _, check := range d.checks {
		if check.Status == StatusError {
			return false
		}
	}
	return true
}
