package sliceutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContains(t *testing.T) {
	tests := []struct {
		name  string
		slice []string
		item  string
		want  bool
	}{
		{"found", []string{"p1", "p2", "p3"}, "p2", true},
		{"not found", []string{"p1", "p2", "p3"}, "p4", false},
		{"empty slice", []string{}, "p1", false},
		{"nil slice", nil, "p1", false},
		{"empty item present", []string{"", "p1"}, "", true},
		{"empty item absent", []string{"p1", "p2"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Contains(tt.slice, tt.item))
		})
	}
}

func TestContainsAny(t *testing.T) {
	tests := []struct {
		name       string
		s          string
		substrings []string
		want       bool
	}{
		{"matches first", "auth failed: unauthorized", []string{"unauthorized", "nope"}, true},
		{"matches second", "auth failed: forbidden", []string{"nope", "forbidden"}, true},
		{"matches none", "auth failed: forbidden", []string{"nope", "still-nope"}, false},
		{"empty candidate list", "anything", nil, false},
		{"empty haystack", "", []string{"x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ContainsAny(tt.s, tt.substrings...))
		})
	}
}

func TestContainsIgnoreCase(t *testing.T) {
	tests := []struct {
		name   string
		s      string
		substr string
		want   bool
	}{
		{"exact case", "Permission Denied", "Permission", true},
		{"different case", "PERMISSION DENIED", "denied", true},
		{"no match", "Permission Denied", "granted", false},
		{"empty substr matches anything", "Permission Denied", "", true},
		{"both empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ContainsIgnoreCase(tt.s, tt.substr))
		})
	}
}
