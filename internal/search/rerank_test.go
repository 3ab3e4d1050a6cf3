package search

import (
	"testing"

	"github.com/matrixhub/matrixhub/pkg/models"
)

func TestParseIDList(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{"bare array", `["a", "b"]`, 2, false},
		{"fenced", "```json\n[\"a\"]\n```", 1, false},
		{"prose around", `Here you go: ["x", "y", "z"] hope that helps`, 3, false},
		{"no array", "sorry, I cannot rank these", 0, true},
		{"empty array", "[]", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ids, err := parseIDList(tc.content)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", ids)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(ids) != tc.want {
				t.Errorf("got %d ids, want %d", len(ids), tc.want)
			}
		})
	}
}

func TestReorderByIDs(t *testing.T) {
	items := []models.SearchItem{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	out := reorderByIDs(items, []string{"c", "a"})
	if got := []string{out[0].ID, out[1].ID, out[2].ID}; got[0] != "c" || got[1] != "a" || got[2] != "b" {
		t.Errorf("got order %v, want [c a b]", got)
	}

	// invented ids are ignored, duplicates collapse
	out = reorderByIDs(items, []string{"z", "b", "b"})
	if out[0].ID != "b" || len(out) != 3 {
		t.Errorf("got %v, want b first and all three items kept", out)
	}
}
