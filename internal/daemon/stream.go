package daemon

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/shanemmattner/embedded-agent-bridge/internal/status"
)

// streamFileConfig mirrors stream.json's schema (see
// original_source/eab/cli/stream_cmds.py). The eabctl in this
// repository has no command that writes or removes stream.json.
type streamFileConfig struct {
	Enabled         bool   `json:"enabled"`
	Mode            string `json:"mode"`
	ChunkSize       int    `json:"chunk_size"`
	Marker          string `json:"marker"`
	PatternMatching bool   `json:"pattern_matching"`
	Truncate        bool   `json:"truncate"`
}

// base64LinePattern matches a line that is plausibly an entire
// base64-encoded payload: pure base64 alphabet, padding only at the
// end. Combined with a minimum length, this is deliberately
// conservative per spec: it only suppresses chip-recovery/pattern
// processing on lines that clearly look like opaque binary data, not
// short marker-ish tokens.
var base64LinePattern = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

const minBase64LineLen = 16

func looksLikeBase64Payload(line string) bool {
	if len(line) < minBase64LineLen {
		return false
	}
	return base64LinePattern.MatchString(line)
}

// checkStreamConfig re-reads stream.json every tick (no mtime
// caching, matching checkPause's style) and drives the
// disabled/armed/active transitions.
func (d *Daemon) checkStreamConfig() {
	if !d.fs.FileExists(d.streamPath) {
		if d.streamEnabled {
			d.deactivateStream()
		}
		return
	}

	raw, err := d.fs.ReadFile(d.streamPath)
	if err != nil {
		return
	}

	var cfg streamFileConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		d.logger.Warn("stream.json parse error: " + err.Error())
		return
	}

	if !cfg.Enabled {
		if d.streamEnabled {
			d.deactivateStream()
		}
		return
	}

	wasEnabled := d.streamEnabled
	d.streamEnabled = true
	d.streamMarker = cfg.Marker
	d.streamMode = cfg.Mode
	if d.streamMode == "" {
		d.streamMode = "raw"
	}
	d.streamChunkSize = cfg.ChunkSize
	if d.streamChunkSize <= 0 {
		d.streamChunkSize = 256
	}
	d.streamPatternMatching = cfg.PatternMatching

	if wasEnabled {
		return
	}

	if cfg.Truncate {
		d.fs.WriteFile(d.dataPath, "", false)
	}
	d.streamBuf = d.streamBuf[:0]

	if d.streamMarker == "" {
		d.activateStream()
	} else {
		d.streamActive = false
		d.publishStreamState()
	}
}

// handleStreamLine feeds line through binary-stream-mode bookkeeping,
// returning true if line was consumed as opaque payload and
// chip-recovery/pattern processing should be suppressed for it.
func (d *Daemon) handleStreamLine(line string) bool {
	if !d.streamEnabled {
		return false
	}

	if !d.streamActive {
		if d.streamMarker != "" && strings.Contains(line, d.streamMarker) {
			d.activateStream()
		}
		return false
	}

	d.appendStreamChunk([]byte(line + "\n"))
	return looksLikeBase64Payload(line)
}

func (d *Daemon) activateStream() {
	d.streamActive = true
	d.logger.Info("stream marker matched, binary capture active")
	d.sessionLog.LogLine("[EAB] STREAM ACTIVE")
	d.publishStreamState()
	if d.emitter != nil {
		d.emitter.Emit("stream_started", map[string]any{
			"mode":       d.streamMode,
			"chunk_size": d.streamChunkSize,
		}, "info")
	}
}

func (d *Daemon) deactivateStream() {
	d.flushStreamBuf()
	wasActive := d.streamActive

	d.streamEnabled = false
	d.streamActive = false
	d.streamMarker = ""
	d.publishStreamState()

	if wasActive {
		d.logger.Info("stream stopped")
		d.sessionLog.LogLine("[EAB] STREAM STOPPED")
		if d.emitter != nil {
			d.emitter.Emit("stream_stopped", map[string]any{}, "info")
		}
	}
}

// appendStreamChunk buffers chunk, flushing to data.bin once the
// buffer reaches the configured chunk size.
func (d *Daemon) appendStreamChunk(chunk []byte) {
	d.streamBuf = append(d.streamBuf, chunk...)
	if len(d.streamBuf) < d.streamChunkSize {
		return
	}
	d.flushStreamBuf()
}

// flushStreamBuf appends any buffered stream bytes to data.bin.
// Grounded on data_stream.py's DataStreamWriter.append, minus offset/
// crc32 bookkeeping (status.json reports stream state, not per-chunk
// offsets).
func (d *Daemon) flushStreamBuf() {
	if len(d.streamBuf) == 0 {
		return
	}
	if err := d.fs.WriteFile(d.dataPath, string(d.streamBuf), true); err != nil {
		d.logger.Error("stream write to data.bin failed: " + err.Error())
	}
	d.streamBuf = d.streamBuf[:0]
}

func (d *Daemon) publishStreamState() {
	var marker *string
	if d.streamMarker != "" {
		marker = &d.streamMarker
	}
	d.statusMgr.SetStreamState(status.Stream{
		Enabled:         d.streamEnabled,
		Active:          d.streamActive,
		Mode:            d.streamMode,
		ChunkSize:       d.streamChunkSize,
		Marker:          marker,
		PatternMatching: d.streamPatternMatching,
	})
}
