package relay

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		raw        []byte
		expType    string
		expChannel string
		expID      string
		err        bool
	}{
		"valid frame should decode": {
			raw:        []byte(`{"type":"join","channel":"review-1","id":"abc"}`),
			expType:    "join",
			expChannel: "review-1",
			expID:      "abc",
		},
		"frame with payload should decode": {
			raw:        []byte(`{"type":"code:open","channel":"c","payload":{"file":"main.go"}}`),
			expType:    "code:open",
			expChannel: "c",
		},
		"guff json should error": {
			raw: []byte(`{"type":`),
			err: true,
		},
		"missing type should error": {
			raw: []byte(`{"channel":"c"}`),
			err: true,
		},
		"null frame should error": {
			raw: []byte(`null`),
			err: true,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			env, err := Decode(test.raw)
			if test.err {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.expType, env.Type)
			assert.Equal(t, test.expChannel, env.Channel)
			assert.Equal(t, test.expID, env.ID)
		})
	}
}

func TestEnvelope_NewFrom(t *testing.T) {
	t.Parallel()
	env := NewEnvelope(MessageUMLGenerate, "review-1", "corr-42")
	resp := env.NewFrom(MessageUMLGenerateStarted)
	assert.Equal(t, MessageUMLGenerateStarted, resp.Type)
	assert.Equal(t, "review-1", resp.Channel)
	assert.Equal(t, "corr-42", resp.ID)
	assert.Empty(t, resp.Payload)
}

func TestEnvelope_BindAndWithPayload(t *testing.T) {
	t.Parallel()
	env := NewEnvelope(MessageCommentUpsert, "c", "")
	in := Comment{File: "main.go", Line: 10, Text: "nit"}
	assert.NoError(t, env.WithPayload(in))

	var out Comment
	assert.NoError(t, env.Bind(&out))
	assert.Equal(t, in, out)

	// nil payload binds to nothing without error
	empty := NewEnvelope(MessageCommentUpsert, "c", "")
	var c Comment
	assert.NoError(t, empty.Bind(&c))
	assert.Empty(t, c.File)
}

func TestEnvelope_MessageText(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		message json.RawMessage
		exp     string
	}{
		"string message returns text": {
			message: json.RawMessage(`"Joined channel: c1"`),
			exp:     "Joined channel: c1",
		},
		"object message returns raw json": {
			message: json.RawMessage(`{"result":true}`),
			exp:     `{"result":true}`,
		},
		"nil message returns empty": {
			exp: "",
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			env := NewEnvelope(MessageSystem, "c1", "")
			env.Message = test.message
			assert.Equal(t, test.exp, env.MessageText())
		})
	}
}

func TestEnvelope_ToError(t *testing.T) {
	t.Parallel()
	env := NewEnvelope(MessageCodeOpen, "review-1", "id-1")
	errEnv := env.ToError(errors.New("file store offline"))

	assert.Equal(t, MessageError, errEnv.Type)
	assert.Equal(t, "review-1", errEnv.Channel)
	assert.Equal(t, "id-1", errEnv.ID)
	assert.Equal(t, "file store offline", errEnv.MessageText())

	var detail struct {
		OriginType string `json:"originType"`
	}
	assert.NoError(t, errEnv.Bind(&detail))
	assert.Equal(t, MessageCodeOpen, detail.OriginType)
}

func TestNewCommentID_Unique(t *testing.T) {
	t.Parallel()
	const n = 200
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- NewCommentID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		assert.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate comment id %s", id)
		seen[id] = true
	}
}
