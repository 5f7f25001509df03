package config

// ///////////////////////////////////////////////
// Documentation Types
// ///////////////////////////////////////////////

// FieldDoc holds documentation and alternative examples for a single config field.
// The genconfig tool uses [FieldDoc] values to annotate the generated config.default.toml.
type FieldDoc struct {
	// Comment is shown as a header comment above the field in the example config.
	Comment string

	// Alternatives are shown as commented-out lines below the active value.
	Alternatives []string
}

// ///////////////////////////////////////////////
// Field Documentation Map
// ///////////////////////////////////////////////

// ConfigDocs maps TOML field paths (dot-separated, e.g. "server.inhibit_duration_seconds")
// to their [FieldDoc] entries. Section-level entries (e.g. "players") are printed
// above the section header.
var ConfigDocs = map[string]FieldDoc{
	// ── Root ──────────────────────────────────────────────────────
	"version": {
		Comment: "Config schema version. Do not edit.",
	},
	"debug": {
		Comment: "Log at debug level regardless of log.level.",
	},

	// ── Server ────────────────────────────────────────────────────
	"server": {
		Comment: "Timing. While media plays, one inhibitor lives for inhibit_duration_seconds\nand the next start/stop decision happens when it lapses.",
	},
	"server.inhibit_duration_seconds": {
		Comment: "Lifetime of each inhibitor process in seconds.",
	},
	"server.sleep_duration_seconds": {
		Comment: "Seconds between playback checks while not inhibiting.",
	},

	// ── Inhibitor ─────────────────────────────────────────────────
	"inhibitor": {
		Comment: "The child process that holds the idle lock:\n<command> --what=<what> --who=<who> --why=<why> --mode=<mode> sh -c \"sleep <inhibit_duration_seconds>\"",
	},
	"inhibitor.command": {
		Comment: "Inhibitor binary, looked up in PATH when not absolute.",
	},
	"inhibitor.what": {
		Comment:      "What to inhibit.",
		Alternatives: []string{`what = "idle:sleep"`},
	},
	"inhibitor.who": {
		Comment: "Application name shown by systemd-inhibit --list.",
	},
	"inhibitor.why": {
		Comment: "Reason shown by systemd-inhibit --list.",
	},
	"inhibitor.mode": {
		Comment:      "block or delay.",
		Alternatives: []string{`mode = "delay"`},
	},
	"inhibitor.stop_timeout_seconds": {
		Comment: "How long to wait for the inhibitor to exit after SIGTERM before sending SIGKILL.",
	},

	// ── Players ───────────────────────────────────────────────────
	"players.prefix": {
		Comment: "Bus name prefix of MPRIS media players.",
	},
	"players.ignore": {
		Comment:      "Glob patterns for players that never inhibit (matched against the full bus name).",
		Alternatives: []string{`ignore = ["org.mpris.MediaPlayer2.chromium.*", "org.mpris.MediaPlayer2.kdeconnect.*"]`},
	},

	// ── Bus ───────────────────────────────────────────────────────
	"bus.call_timeout_seconds": {
		Comment: "Upper bound for every session bus call.",
	},

	// ── Log ───────────────────────────────────────────────────────
	"log.level": {
		Comment:      "trace, debug, info, warn, or error.",
		Alternatives: []string{`level = "debug"`},
	},
	"log.max_size_mb": {
		Comment: "Rotate daemon.log after this many megabytes.",
	},
}
