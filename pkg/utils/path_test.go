package utils

import (
	"strings"
	"testing"
)

func TestCleanPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		path        string
		want        string
		wantErr     bool
		errContains string
	}{
		{name: "root", path: "/", want: "/"},
		{name: "relative", path: "docs/a.txt", want: "/docs/a.txt"},
		{name: "trailing slash", path: "/docs/", want: "/docs"},
		{name: "double slashes", path: "//docs//reports", want: "/docs/reports"},
		{name: "dot segments", path: "/docs/./a.txt", want: "/docs/a.txt"},
		{name: "empty", path: "", wantErr: true, errContains: "cannot be empty"},
		{name: "traversal", path: "/docs/../../etc", wantErr: true, errContains: "directory traversal"},
		{name: "nul byte", path: "/a\x00b", wantErr: true, errContains: "NUL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanPath(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("CleanPath(%q) expected error", tt.path)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error = %v, want substring %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("CleanPath(%q) unexpected error: %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("CleanPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestSplitAndJoinPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		dir  string
		leaf string
	}{
		{"/", "/", ""},
		{"/docs", "/", "docs"},
		{"/docs/a.txt", "/docs", "a.txt"},
		{"/a/b/c", "/a/b", "c"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			dir, leaf := SplitPath(tt.path)
			if dir != tt.dir || leaf != tt.leaf {
				t.Errorf("SplitPath(%q) = (%q, %q), want (%q, %q)", tt.path, dir, leaf, tt.dir, tt.leaf)
			}
			if leaf != "" {
				if joined := JoinPath(dir, leaf); joined != tt.path {
					t.Errorf("JoinPath(%q, %q) = %q", dir, leaf, joined)
				}
			}
		})
	}
}

func TestIsDescendant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ancestor string
		path     string
		want     bool
	}{
		{"/", "/docs", true},
		{"/", "/", false},
		{"/docs", "/docs/a.txt", true},
		{"/docs", "/docs", false},
		{"/docs", "/docsx/a.txt", false},
		{"/docs/a", "/docs", false},
	}

	for _, tt := range tests {
		if got := IsDescendant(tt.ancestor, tt.path); got != tt.want {
			t.Errorf("IsDescendant(%q, %q) = %v, want %v", tt.ancestor, tt.path, got, tt.want)
		}
	}
}

func TestValidateName(t *testing.T) {
	t.Parallel()

	valid := []string{"a.txt", "docs", "with space", ".hidden"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) unexpected error: %v", name, err)
		}
	}

	invalid := []string{"", ".", "..", "a/b", "nul\x00"}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) expected error", name)
		}
	}
}
