package jsondoc

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedoc/internal/model"
)

const notesSpace = `
state: {
	title:  string
	count?: int & >=0
	...
}
defaults: title: "untitled"
channels: ["chat"]
attach: ["dev"]
retain: "1m"
`

func TestCompileSpace(t *testing.T) {
	space, err := CompileSpace("notes", []byte(notesSpace), "notes.cue")
	require.NoError(t, err)

	assert.Equal(t, "notes", space.Name)
	assert.Equal(t, []string{"chat"}, space.Channels)
	assert.Equal(t, []string{"dev"}, space.Attach)
	assert.Equal(t, time.Minute, space.Retain)
	assert.Equal(t, map[string]any{"title": "untitled"}, space.Defaults())
}

func TestCompileSpace_Empty(t *testing.T) {
	space, err := CompileSpace("open", nil, "open.cue")
	require.NoError(t, err)
	assert.NoError(t, space.Check(map[string]any{"anything": true}))
	assert.True(t, space.AllowsChannel("whatever"))
	assert.True(t, space.AllowsAttach(model.NewPrincipal("guest", "anon")))
	assert.Zero(t, space.Retain)
}

func TestCompileSpace_Errors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{name: "syntax", src: "state: {", field: "cue"},
		{name: "state not struct", src: "state: 5", field: "state"},
		{name: "defaults conflict", src: "state: {n: int}\ndefaults: {n: \"x\"}", field: "defaults"},
		{name: "retain", src: `retain: "soon"`, field: "retain"},
		{name: "channels", src: "channels: 3", field: "channels"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileSpace("bad", []byte(tt.src), "bad.cue")
			require.Error(t, err)
			var se *SchemaError
			require.True(t, errors.As(err, &se), "got %T: %v", err, err)
			assert.Equal(t, tt.field, se.Field)
		})
	}
}

func TestSpace_Check(t *testing.T) {
	space, err := CompileSpace("notes", []byte(notesSpace), "notes.cue")
	require.NoError(t, err)

	assert.NoError(t, space.Check(map[string]any{"title": "x", "count": 2}))
	assert.NoError(t, space.Check(map[string]any{"title": "x", "extra": []any{"open"}}))

	err = space.Check(map[string]any{"title": "x", "count": -1})
	assert.True(t, model.IsCode(err, model.ErrInvalidRequest))

	err = space.Check(map[string]any{})
	assert.True(t, model.IsCode(err, model.ErrInvalidRequest), "title is required")
}

func TestSpace_Permissions(t *testing.T) {
	space, err := CompileSpace("notes", []byte(notesSpace), "notes.cue")
	require.NoError(t, err)

	assert.True(t, space.AllowsChannel("chat"))
	assert.False(t, space.AllowsChannel("other"))
	assert.True(t, space.AllowsAttach(model.NewPrincipal("alice", "dev")))
	assert.False(t, space.AllowsAttach(model.NewPrincipal("guest", "anon")))
}

func TestSchemaError_Error(t *testing.T) {
	err := &SchemaError{Field: "retain", Message: "bad"}
	assert.Equal(t, "retain: bad", err.Error())
}
