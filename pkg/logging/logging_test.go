package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, opts Options) (log.Logger, *bytes.Buffer) {
	t.Helper()
	buf := new(bytes.Buffer)
	opts.Writer = buf
	if opts.Format == "" {
		opts.Format = "json"
	}
	h, err := NewHandler(opts)
	require.NoError(t, err)
	return log.NewLogger(h), buf
}

func messages(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var msgs []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var record map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		msgs = append(msgs, record["msg"].(string))
	}
	return msgs
}

func TestDropMessages(t *testing.T) {
	logger, buf := newTestLogger(t, Options{Drop: []string{"duplicate definition"}})

	logger.Info("Relay transaction signed")
	logger.Warn("duplicate definition of key in abi")
	logger.Info("Relay transaction confirmed")

	assert.Equal(t, []string{"Relay transaction signed", "Relay transaction confirmed"}, messages(t, buf))
}

func TestMinLevelForComponent(t *testing.T) {
	logger, buf := newTestLogger(t, Options{Level: "debug", Components: map[string]string{"watcher": "warn"}})

	watcher := logger.With(ComponentKey, "watcher")
	watcher.Debug("Polling for execution event")
	watcher.Info("Relay transaction confirmed")
	watcher.Warn("Log query failed")
	logger.With(ComponentKey, "deposit").Debug("Operator balance")

	assert.Equal(t, []string{"Log query failed", "Operator balance"}, messages(t, buf))
}

func TestGlobalLevel(t *testing.T) {
	logger, buf := newTestLogger(t, Options{Level: "warn"})

	logger.Info("hidden")
	logger.Error("shown")

	assert.Equal(t, []string{"shown"}, messages(t, buf))
}

func TestFilterHandler_RecordAttrs(t *testing.T) {
	buf := new(bytes.Buffer)
	h := NewFilterHandler(log.JSONHandlerWithLevel(buf, slog.LevelInfo), MinLevelFor(ComponentKey, "replay", slog.LevelError))
	logger := log.NewLogger(h)

	logger.Info("Lane seeded", ComponentKey, "replay")
	logger.Info("Lane seeded", ComponentKey, "builder")

	assert.Equal(t, 1, strings.Count(buf.String(), "Lane seeded"))
	assert.Contains(t, buf.String(), "builder")
}

func TestNewHandlerErrors(t *testing.T) {
	_, err := NewHandler(Options{Level: "loud"})
	assert.Error(t, err)

	_, err = NewHandler(Options{Format: "xml"})
	assert.Error(t, err)

	_, err = NewHandler(Options{Components: map[string]string{"watcher": "quiet"}})
	assert.Error(t, err)
}

func TestSetup(t *testing.T) {
	prev := log.Root()
	defer log.SetDefault(prev)

	buf := new(bytes.Buffer)
	_, err := Setup(Options{Format: "terminal", Writer: buf})
	require.NoError(t, err)

	log.Info("Relay client ready", "network", "mainnet")
	assert.Contains(t, buf.String(), "Relay client ready")
	assert.Contains(t, buf.String(), "network=mainnet")
}
