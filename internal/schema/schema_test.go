package schema

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	reg := Default()
	assert.Equal(t, []string{"matches", "players", "teams"}, reg.Names())

	teams, ok := reg.Entity(" Teams ")
	require.True(t, ok)
	assert.Equal(t, "id", teams.Key)
	assert.Equal(t, []string{"id", "name"}, teams.RequiredColumns())
}

func TestValidate_NormalizesPayload(t *testing.T) {
	teams, _ := Default().Entity("teams")

	key, payload, err := teams.Validate(map[string]any{
		"id":      " t1 ",
		"name":    "Rovers",
		"city":    "",
		"founded": "1901",
		"mascot":  "fox",
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", key)
	assert.JSONEq(t, `{"id":"t1","name":"Rovers","founded":1901,"mascot":"fox"}`, string(payload))

	_, again, err := teams.Validate(map[string]any{
		"mascot": "fox", "founded": json.Number("1901"), "name": "Rovers", "id": "t1",
	})
	require.NoError(t, err)
	assert.Equal(t, string(payload), string(again), "payload encoding is deterministic")
}

func TestValidate_Rejects(t *testing.T) {
	reg := Default()
	teams, _ := reg.Entity("teams")
	matches, _ := reg.Entity("matches")

	tests := []struct {
		name   string
		entity *Entity
		fields map[string]any
	}{
		{"missing required", teams, map[string]any{"id": "t1"}},
		{"blank required", teams, map[string]any{"id": "t1", "name": "  "}},
		{"bad int", teams, map[string]any{"id": "t1", "name": "x", "founded": "long ago"}},
		{"too long", teams, map[string]any{"id": "t1", "name": string(make([]byte, 201))}},
		{"bad date", matches, map[string]any{"id": "m1", "home_team_id": "a", "away_team_id": "b", "played_on": "12/01/2024"}},
		{"strict unknown", matches, map[string]any{"id": "m1", "home_team_id": "a", "away_team_id": "b", "played_on": "2024-01-12", "referee": "z"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := tc.entity.Validate(tc.fields)
			assert.True(t, errors.Is(err, ErrInvalidRecord), "got %v", err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
entities:
  venues:
    key: code
    fields:
      code: {required: true}
      capacity: {type: int}
`), 0o600))

	reg, err := Load(path)
	require.NoError(t, err)
	venues, ok := reg.Entity("venues")
	require.True(t, ok)
	assert.Equal(t, TypeString, venues.Fields["code"].Type)

	_, err = Parse([]byte("entities:\n  bad:\n    key: id\n    fields:\n      name: {type: string}\n"))
	assert.Error(t, err, "key must be declared")

	_, err = Parse([]byte("entities:\n  bad:\n    key: id\n    fields:\n      id: {type: uuid}\n"))
	assert.Error(t, err)
}
