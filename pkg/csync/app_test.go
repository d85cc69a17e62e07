package csync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeData_String(t *testing.T) {
	s, err := serializeData("hello")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "hello", *s)
}

func TestSerializeData_Struct(t *testing.T) {
	type payload struct {
		V int `json:"v"`
	}
	s, err := serializeData(payload{V: 1})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.JSONEq(t, `{"v":1}`, *s)
}

func TestSerializeData_Map(t *testing.T) {
	s, err := serializeData(map[string]any{"v": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, *s)
}

func TestSerializeData_RejectsBarePrimitive(t *testing.T) {
	_, err := serializeData(42)
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInvalidRequest, apiErr.Code)
}

func TestSerializeData_Nil(t *testing.T) {
	s, err := serializeData(nil)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestConnect_RejectsInvalidOptions(t *testing.T) {
	_, err := Connect(Options{})
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInvalidRequest, apiErr.Code)
}

func TestKeyWrite_RejectsUnboundKey(t *testing.T) {
	k := NewKey("tests.a")
	err := k.Write(nil, "x") //nolint:staticcheck // nil ctx unused before the unbound-key check
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInvalidRequest, apiErr.Code)
}

func TestKeyListen_InvalidKeyInvokesCallbackDirectly(t *testing.T) {
	app, err := Connect(Options{Host: "localhost", Port: 8080})
	require.NoError(t, err)

	k := app.Key("foo.#.bar") // '#' not in final position
	var gotErr error
	var called bool
	listenErr := k.Listen(func(e error, v *Value) {
		called = true
		gotErr = e
	})
	require.Error(t, listenErr)
	assert.True(t, called)
	assert.Equal(t, listenErr, gotErr)
}
