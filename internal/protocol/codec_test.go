package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{
		Protocol:   1,
		DispatchID: "d1",
		AgentID:    "a1",
		SpaceID:    "s1",
		Message:    "hello",
		DeadlineAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, EncodeRequest(&buf, req))

	var decoded Request
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "d1", decoded.DispatchID)
	assert.Equal(t, "hello", decoded.Message)
}

func TestEncodeRequestRejectsBadVersion(t *testing.T) {
	err := EncodeRequest(&bytes.Buffer{}, &Request{Protocol: 2})
	assert.Error(t, err)
}

func TestDecodeStream(t *testing.T) {
	in := strings.Join([]string{
		`{"type":"tool_use","tool":"web_search"}`,
		``,
		`{"type":"text","text":"partial "}`,
		`{"type":"text","text":"answer"}`,
	}, "\n")

	var got []StreamEvent
	err := DecodeStream(strings.NewReader(in), func(ev StreamEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, EventToolUse, got[0].Type)
	assert.Equal(t, "partial ", got[1].Text)
}

func TestDecodeStreamMalformed(t *testing.T) {
	err := DecodeStream(strings.NewReader("not json\n"), func(StreamEvent) error { return nil })
	assert.Error(t, err)

	err = DecodeStream(strings.NewReader(`{"text":"missing type"}`+"\n"), func(StreamEvent) error { return nil })
	assert.Error(t, err)
}

func TestDecodeStreamStopsOnCallbackError(t *testing.T) {
	in := `{"type":"text","text":"a"}` + "\n" + `{"type":"text","text":"b"}` + "\n"

	calls := 0
	err := DecodeStream(strings.NewReader(in), func(StreamEvent) error {
		calls++
		return fmt.Errorf("stop")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
