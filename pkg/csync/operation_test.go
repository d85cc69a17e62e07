package csync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperation_Signature(t *testing.T) {
	k := NewKey("a.b")
	pub := &operation{kind: opPublish, key: k}
	sub := &operation{kind: opSubscribe, key: k}
	getAcls1 := &operation{kind: opGetAcls}
	getAcls2 := &operation{kind: opGetAcls}

	assert.NotEqual(t, pub.signature(), sub.signature())
	assert.Equal(t, getAcls1.signature(), getAcls2.signature())

	pub2 := &operation{kind: opPublish, key: NewKey("a.b")}
	assert.Equal(t, pub.signature(), pub2.signature())
}

func TestOperation_Signature_AdvanceAndFetchKeyOffPattern(t *testing.T) {
	advA := &operation{kind: opAdvance, pattern: NewKey("tests.*")}
	advB := &operation{kind: opAdvance, pattern: NewKey("other.*")}
	fetchA := &operation{kind: opFetch, pattern: NewKey("tests.*")}
	fetchB := &operation{kind: opFetch, pattern: NewKey("other.*")}

	assert.NotEqual(t, advA.signature(), advB.signature(), "advance rounds for distinct patterns must not collide")
	assert.NotEqual(t, fetchA.signature(), fetchB.signature(), "fetch rounds for distinct patterns must not collide")
	assert.NotEqual(t, advA.signature(), fetchA.signature(), "advance and fetch on the same pattern are distinct kinds")

	advA2 := &operation{kind: opAdvance, pattern: NewKey("tests.*")}
	assert.Equal(t, advA.signature(), advA2.signature())
}

func TestOperation_BuildRequest_Publish(t *testing.T) {
	data := "hello"
	op := &operation{
		kind:    opPublish,
		key:     NewKey("tests.k"),
		closure: "c1",
		pubData: &data,
		pubCTS:  123,
	}
	raw, err := op.buildRequest(nil)
	require.NoError(t, err)

	env, err := decodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, kindPub, env.Kind)
	assert.Equal(t, "c1", env.Closure)

	var p pubPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, []string{"tests", "k"}, p.Path)
	assert.Equal(t, int64(123), p.CTS)
	require.NotNil(t, p.Data)
	assert.Equal(t, "hello", *p.Data)
}

func TestOperation_BuildRequest_Advance(t *testing.T) {
	pattern := NewKey("tests.*")
	op := &operation{kind: opAdvance, pattern: pattern, closure: "c2"}
	rvtsDict := map[string]int64{rvtsKey("tests.*"): 7}

	raw, err := op.buildRequest(rvtsDict)
	require.NoError(t, err)

	env, err := decodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, kindAdvance, env.Kind)

	var p advancePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, int64(7), p.RVTS)
	assert.Equal(t, []string{"tests", "*"}, p.Pattern)
}

func TestOperation_BuildRequest_Fetch(t *testing.T) {
	op := &operation{kind: opFetch, closure: "c3", fetchVTS: []int64{1, 2, 3}}
	raw, err := op.buildRequest(nil)
	require.NoError(t, err)

	env, err := decodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, kindFetch, env.Kind)

	var p fetchPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, []int64{1, 2, 3}, p.VTS)
}
