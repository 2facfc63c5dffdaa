package cb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cbstore/internal/stamped"
)

var (
	tagAll = stamped.AllServersTag()
	tagA   = stamped.MustServerTag("a")
	tagB   = stamped.MustServerTag("b")
	tagC   = stamped.MustServerTag("c")
)

// TestSelectorMatches checks read visibility per selector kind.
func TestSelectorMatches(t *testing.T) {
	tests := []struct {
		name string
		sel  Selector
		want map[stamped.ServerTag]bool
	}{
		{
			name: "unassigned",
			sel:  Unassigned(),
			want: map[stamped.ServerTag]bool{tagAll: true, tagA: false, tagB: false},
		},
		{
			name: "all servers",
			sel:  AllServers(),
			want: map[stamped.ServerTag]bool{tagAll: true, tagA: true, tagB: true},
		},
		{
			name: "one",
			sel:  One(tagA),
			want: map[stamped.ServerTag]bool{tagAll: true, tagA: true, tagB: false},
		},
		{
			name: "multiple",
			sel:  Multiple(tagA, tagB),
			want: map[stamped.ServerTag]bool{tagAll: true, tagA: true, tagB: true, tagC: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for tag, want := range tt.want {
				assert.Equal(t, want, tt.sel.Matches(tag), "tag %q", tag)
			}
		})
	}
}

// TestSelectorOwns checks delete ownership, which excludes fleet-wide
// records for named servers.
func TestSelectorOwns(t *testing.T) {
	assert.True(t, Unassigned().Owns(tagAll))
	assert.False(t, Unassigned().Owns(tagA))
	assert.True(t, AllServers().Owns(tagA))
	assert.True(t, One(tagA).Owns(tagA))
	assert.False(t, One(tagA).Owns(tagAll))
	assert.True(t, Multiple(tagA, tagB).Owns(tagB))
	assert.False(t, Multiple(tagA, tagB).Owns(tagC))
}

func TestSelectorServes(t *testing.T) {
	served := []stamped.ServerTag{tagA}

	assert.True(t, One(tagA).Serves(nil), "backend without server-tags serves everything")
	assert.True(t, One(tagA).Serves(served))
	assert.False(t, One(tagB).Serves(served))
	assert.True(t, Multiple(tagB, tagA).Serves(served))
	assert.True(t, AllServers().Serves(served))
	assert.True(t, Unassigned().Serves(served))
}

func TestMultipleCollapses(t *testing.T) {
	sel := Multiple(tagA, tagA)
	assert.Equal(t, KindOne, sel.Kind())
	assert.Equal(t, []stamped.ServerTag{tagA}, sel.Tags())

	sel = Multiple(tagA, tagB, tagA)
	assert.Equal(t, KindMultiple, sel.Kind())
	assert.Equal(t, []string{"a", "b", "all"}, sel.ReadTags())
	assert.Equal(t, "multiple(a,b)", sel.String())
}

func TestSelectorWithBackend(t *testing.T) {
	sel := One(tagA).WithBackend(Target{Type: "mysql", Host: "db1"})
	assert.Equal(t, "one(a) on type=mysql host=db1 port=0", sel.String())
	assert.True(t, sel.Target().Matches("mysql", "db1", 3306))
	assert.False(t, sel.Target().Matches("mysql", "db2", 3306))
	assert.True(t, Target{}.IsZero())
	assert.True(t, Target{}.Matches("anything", "", 0))
}

func TestParseSelector(t *testing.T) {
	tests := []struct {
		text string
		kind SelectorKind
		tags []string
	}{
		{text: "", kind: KindUnassigned},
		{text: "unassigned", kind: KindUnassigned},
		{text: "*", kind: KindAll},
		{text: "any", kind: KindAll},
		{text: "all", kind: KindOne, tags: []string{"all"}},
		{text: "a", kind: KindOne, tags: []string{"a"}},
		{text: "a, b", kind: KindMultiple, tags: []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			sel, err := ParseSelector(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, sel.Kind())
			var tags []string
			for _, tag := range sel.Tags() {
				tags = append(tags, tag.String())
			}
			assert.Equal(t, tt.tags, tags)
		})
	}
}
