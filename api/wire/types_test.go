package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMessageValidate(t *testing.T) {
	t.Parallel()

	key := Key{ServiceID: "svc-1", Language: "es", SessionID: "sess-1"}
	valid := Translation(key, "hello", "hola", true, []byte("mp3"), testNow)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Message)
	}{
		{name: "unknown type", mutate: func(m *Message) { m.Type = "publish" }},
		{name: "missing service", mutate: func(m *Message) { m.ServiceID = "" }},
		{name: "missing timestamp", mutate: func(m *Message) { m.Timestamp = "" }},
		{name: "bad timestamp", mutate: func(m *Message) { m.Timestamp = "yesterday" }},
		{name: "empty translation", mutate: func(m *Message) { m.Translation = "" }},
		{name: "bad audio", mutate: func(m *Message) { m.AudioData = "%%%" }},
		{name: "audio on heartbeat", mutate: func(m *Message) { m.Type = TypeHeartbeat }},
		{name: "bad status", mutate: func(m *Message) { m.Type = TypeStatus; m.AudioData = ""; m.Status = "degraded" }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			candidate := valid
			tc.mutate(&candidate)
			assert.Error(t, candidate.Validate())
		})
	}
}

func TestSubscribeRequiresFullKey(t *testing.T) {
	t.Parallel()

	require.NoError(t, Subscribe(Key{ServiceID: "svc", Language: "fr", SessionID: "s"}, testNow).Validate())
	assert.Error(t, Subscribe(Key{ServiceID: "svc", Language: "fr"}, testNow).Validate())
	assert.Error(t, Unsubscribe(Key{ServiceID: "svc", SessionID: "s"}, testNow).Validate())
}

func TestEncodeDecodeKeepsAudio(t *testing.T) {
	t.Parallel()

	key := Key{ServiceID: "svc-1", Language: "ko", SessionID: "sess-9"}
	raw, err := Encode(Translation(key, "good morning", "좋은 아침", false, []byte{0xff, 0xfb, 0x90}, testNow))
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, key, decoded.Key())
	assert.False(t, decoded.Final)

	audio, err := decoded.Audio()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xfb, 0x90}, audio)

	ts, err := decoded.Time()
	require.NoError(t, err)
	assert.True(t, ts.Equal(testNow))
}

func TestDecodeRejectsSchemaViolations(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":           `{"type":`,
		"missing timestamp":  `{"type":"heartbeat","serviceId":"svc"}`,
		"unknown type":       `{"type":"publish","serviceId":"svc","timestamp":"2026-03-01T12:00:00Z"}`,
		"subscribe w/o lang": `{"type":"subscribe","serviceId":"svc","sessionId":"s","timestamp":"2026-03-01T12:00:00Z"}`,
		"final not boolean":  `{"type":"translation","serviceId":"svc","translation":"x","final":"yes","timestamp":"2026-03-01T12:00:00Z"}`,
	}
	for name, raw := range cases {
		name, raw := name, raw
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestBroadcastCopiesTranslations(t *testing.T) {
	t.Parallel()

	translations := map[string]string{"es": "hola"}
	msg := Broadcast("svc", "hello", translations, true, testNow)
	translations["es"] = "changed"

	assert.Equal(t, "hola", msg.Translations["es"])
	assert.True(t, msg.Final)
	require.NoError(t, msg.Validate())
}
