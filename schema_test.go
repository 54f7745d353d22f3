package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDictAcceptsWellFormedPing(t *testing.T) {
	msg := Dict{"id": string(RandomID().Bytes())}
	err := validateDict(msg, querySchemas["ping"])
	require.NoError(t, err)
}

func TestValidateDictRejectsMissingRequiredKey(t *testing.T) {
	err := validateDict(Dict{}, querySchemas["ping"])
	require.Error(t, err)
	assert.True(t, isSchemaError(err))
}

func TestValidateDictRejectsWrongFixedLength(t *testing.T) {
	msg := Dict{"id": "short"}
	err := validateDict(msg, querySchemas["ping"])
	require.Error(t, err)
}

func TestValidateDictRejectsWrongType(t *testing.T) {
	msg := Dict{"id": string(RandomID().Bytes()), "port": "not-an-int"}
	schema := []KeyDescriptor{
		{Name: "id", Required: true, Kind: KindString, FixedLen: IDLen},
		{Name: "port", Required: true, Kind: KindInt},
	}
	err := validateDict(msg, schema)
	require.Error(t, err)
}

func TestValidateDictRecursesIntoNestedDict(t *testing.T) {
	var key [PublicKeyLen]byte
	msg := Dict{
		"id":     string(RandomID().Bytes()),
		"target": string(RandomID().Bytes()),
		"token":  "tok!",
		"sig":    string(make([]byte, SignatureLen)),
		"head": Dict{
			"n":   "feed",
			"key": string(key[:]),
			"seq": int64(1),
		},
	}
	err := validateDict(msg, querySchemas["announce_item"])
	require.NoError(t, err)
}

func TestValidateDictRejectsMalformedNestedDict(t *testing.T) {
	var key [PublicKeyLen]byte
	msg := Dict{
		"id":     string(RandomID().Bytes()),
		"target": string(RandomID().Bytes()),
		"token":  "tok!",
		"sig":    string(make([]byte, SignatureLen)),
		"head": Dict{
			"key": string(key[:]),
			// missing required "n" and "seq".
		},
	}
	err := validateDict(msg, querySchemas["announce_item"])
	require.Error(t, err)
}

func TestAsIntAcceptsIntAndInt64(t *testing.T) {
	v, ok := AsInt(int64(7))
	assert.True(t, ok)
	assert.Equal(t, int64(7), v)

	v, ok = AsInt(7)
	assert.True(t, ok)
	assert.Equal(t, int64(7), v)

	_, ok = AsInt("nope")
	assert.False(t, ok)
}
