package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Entry はテスト用ロガーが記録した1行です。
type Entry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

// TestLogger はログを JSON 行としてメモリに溜めるテスト用の Logger です。
// With で作った子ロガーも親と同じバッファに書き込みます。
type TestLogger struct {
	mu     *sync.Mutex
	buffer *bytes.Buffer
	level  Level
	fields map[string]interface{}
}

// NewTestLogger は level 以上を記録する TestLogger とその出力先を返します。
//
//	logger, buf := log.NewTestLogger(log.LevelDebug)
//	trainer, _ := supmoco.NewTrainer(cfg, enc, opt, nil, nil, supmoco.WithLogger(logger))
//	...
//	assert.True(t, logger.ContainsMessage("training finished"))
func NewTestLogger(level Level) (*TestLogger, *bytes.Buffer) {
	buffer := &bytes.Buffer{}
	return &TestLogger{
		mu:     &sync.Mutex{},
		buffer: buffer,
		level:  level,
		fields: map[string]interface{}{},
	}, buffer
}

func (t *TestLogger) Debug(msg string, fields ...any) { t.write(LevelDebug, msg, fields) }
func (t *TestLogger) Info(msg string, fields ...any)  { t.write(LevelInfo, msg, fields) }
func (t *TestLogger) Warn(msg string, fields ...any)  { t.write(LevelWarn, msg, fields) }
func (t *TestLogger) Error(msg string, fields ...any) { t.write(LevelError, msg, fields) }

// With は fields を全ての行に付ける子ロガーを返します。
func (t *TestLogger) With(fields ...any) Logger {
	merged := make(map[string]interface{}, len(t.fields)+len(fields)/2)
	for k, v := range t.fields {
		merged[k] = v
	}
	addFields(merged, fields)
	return &TestLogger{mu: t.mu, buffer: t.buffer, level: t.level, fields: merged}
}

func (t *TestLogger) Enabled(_ context.Context, level Level) bool {
	return t.level <= level
}

// addFields はキーと値の並びを dst に入れます。error は文字列にします。
func addFields(dst map[string]interface{}, fields []any) {
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprint(fields[i])
		if err, ok := fields[i+1].(error); ok {
			dst[key] = err.Error()
			continue
		}
		dst[key] = fields[i+1]
	}
}

func (t *TestLogger) write(level Level, msg string, fields []any) {
	if level < t.level {
		return
	}
	entry := make(map[string]interface{}, len(t.fields)+len(fields)/2+2)
	for k, v := range t.fields {
		entry[k] = v
	}
	addFields(entry, fields)
	entry["level"] = strings.ToUpper(level.String())
	entry["message"] = msg

	line, err := json.Marshal(entry)
	if err != nil {
		line = []byte(fmt.Sprintf(`{"level":"ERROR","message":%q}`, "unencodable log fields: "+err.Error()))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffer.Write(line)
	t.buffer.WriteByte('\n')
}

// GetLogEntries は記録された行を map として読み直します。
func (t *TestLogger) GetLogEntries() ([]map[string]interface{}, error) {
	t.mu.Lock()
	raw := t.buffer.String()
	t.mu.Unlock()

	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Entries は記録された行を Entry として返します。読めない行があれば nil です。
func (t *TestLogger) Entries() []Entry {
	raw, err := t.GetLogEntries()
	if err != nil {
		return nil
	}
	out := make([]Entry, 0, len(raw))
	for _, m := range raw {
		e := Entry{Fields: m}
		e.Level, _ = m["level"].(string)
		e.Message, _ = m["message"].(string)
		delete(m, "level")
		delete(m, "message")
		out = append(out, e)
	}
	return out
}

// Count は message がちょうど msg の行数です。
func (t *TestLogger) Count(msg string) int {
	n := 0
	for _, e := range t.Entries() {
		if e.Message == msg {
			n++
		}
	}
	return n
}

// ContainsMessage は出力のどこかに message が含まれるかどうかです。
func (t *TestLogger) ContainsMessage(message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Contains(t.buffer.String(), message)
}

// ContainsField は key が value の行があるかどうかです。
// 数値は JSON を経由するので float64 で比べます。
func (t *TestLogger) ContainsField(key string, value interface{}) bool {
	for _, e := range t.Entries() {
		if v, ok := e.Fields[key]; ok && v == value {
			return true
		}
	}
	return false
}

// Clear は記録を消します。
func (t *TestLogger) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffer.Reset()
}
