package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRolePermissions tests the role capability matrix
func TestRolePermissions(t *testing.T) {
	tests := []struct {
		role  Role
		read  bool
		write bool
		admin bool
	}{
		{RoleOwner, true, true, true},
		{RoleEditor, true, true, false},
		{RoleViewer, true, false, false},
		{Role("BOGUS"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			assert.Equal(t, tt.read, tt.role.CanRead())
			assert.Equal(t, tt.write, tt.role.CanWrite())
			assert.Equal(t, tt.admin, tt.role.CanAdmin())
		})
	}
}

// TestJSON_ValueScan tests the jsonb round trip
func TestJSON_ValueScan(t *testing.T) {
	src := JSON(`{"faithfulness":0.91}`)

	v, err := src.Value()
	require.NoError(t, err)
	assert.Equal(t, `{"faithfulness":0.91}`, v)

	var dst JSON
	require.NoError(t, dst.Scan([]byte(`{"k":1}`)))
	assert.Equal(t, JSON(`{"k":1}`), dst)

	require.NoError(t, dst.Scan(nil))
	assert.Nil(t, dst)

	// Empty persists as NULL, not as "".
	v, err = JSON(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

// TestJSON_MarshalJSON tests API rendering of jsonb columns
func TestJSON_MarshalJSON(t *testing.T) {
	msg := Message{Sources: JSON(`[{"doc_id":3}]`)}
	b, err := json.Marshal(&msg)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"sources":[{"doc_id":3}]`)

	empty := Message{}
	b, err = json.Marshal(&empty)
	require.NoError(t, err)
	assert.NotContains(t, string(b), `"sources"`)
}

// TestIDList_ValueScan tests the id array round trip
func TestIDList_ValueScan(t *testing.T) {
	v, err := IDList{1, 2, 3}.Value()
	require.NoError(t, err)
	assert.Equal(t, "[1,2,3]", v)

	var dst IDList
	require.NoError(t, dst.Scan("[4,5]"))
	assert.Equal(t, IDList{4, 5}, dst)

	// nil value serializes as an empty array, never SQL NULL surprises.
	v, err = IDList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)
}

// TestDefaultTitle tests title derivation from the first question
func TestDefaultTitle(t *testing.T) {
	tests := []struct {
		name     string
		question string
		expected string
	}{
		{"Short", "hi", "hi"},
		{"ExactlyTwenty", "12345678901234567890", "12345678901234567890"},
		{"Truncated", "what is the maximum depth of the mariana trench", "what is the maximum ..."},
		{"MultibyteSafe", "请问什么是检索增强生成技术的核心原理和主要流程", "请问什么是检索增强生成技术的核心原理和主..."},
		{"Empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DefaultTitle(tt.question))
		})
	}
}
