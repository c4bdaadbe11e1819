package versioning

import (
	"context"
	"testing"
)

func TestDefaultRegistry_Negotiate(t *testing.T) {
	reg := NewDefaultRegistry(1)

	tests := []struct {
		name       string
		path       string
		wantMajor  int
		wantMinor  int
		wantRest   string
		wantErr    bool
	}{
		{name: "no version segment", path: "/agents", wantMajor: 1, wantMinor: 0, wantRest: "/agents"},
		{name: "major only", path: "/v1/agents", wantMajor: 1, wantMinor: 0, wantRest: "/agents"},
		{name: "major.minor", path: "/v1.2/agents", wantMajor: 1, wantMinor: 2, wantRest: "/agents"},
		{name: "bare version, no trailing path", path: "/v1", wantMajor: 1, wantMinor: 0, wantRest: "/"},
		{name: "unsupported major", path: "/v2/agents", wantErr: true},
		{name: "zero major rejected", path: "/v0/agents", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, rest, err := reg.Negotiate(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Major != tt.wantMajor || v.Minor != tt.wantMinor {
				t.Errorf("Negotiate() version = v%d.%d, want v%d.%d", v.Major, v.Minor, tt.wantMajor, tt.wantMinor)
			}
			if rest != tt.wantRest {
				t.Errorf("Negotiate() rest = %q, want %q", rest, tt.wantRest)
			}
		})
	}
}

func TestAPIVersionFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), apiVersionKey, APIVersion{Major: 1, Minor: 2})
	if v := APIVersionFromContext(ctx); v.Major != 1 || v.Minor != 2 {
		t.Errorf("APIVersionFromContext() = %v, want v1.2", v)
	}
}

func TestAPIVersionFromContext_NotSet(t *testing.T) {
	if v := APIVersionFromContext(context.Background()); v != DefaultVersion {
		t.Errorf("APIVersionFromContext() = %v, want default %v", v, DefaultVersion)
	}
}
