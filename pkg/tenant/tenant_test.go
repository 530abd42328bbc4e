package tenant

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		tenant Tenant
		ok     bool
	}{
		{"complete", Tenant{Org: "acme", Space: "prod"}, true},
		{"with hash key", Tenant{Org: "acme", Space: "prod", HashKey: "h1"}, true},
		{"missing org", Tenant{Space: "prod"}, false},
		{"missing space", Tenant{Org: "acme"}, false},
		{"empty", Tenant{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tenant.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrUnresolved) {
				t.Fatalf("Validate: got %v, want ErrUnresolved", err)
			}
		})
	}
}

func TestPrefix(t *testing.T) {
	tn := Tenant{Org: "acme", Space: "prod"}
	got := tn.Prefix()
	want := []string{"t", "acme", "prod"}
	if len(got) != len(want) {
		t.Fatalf("Prefix = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Prefix = %v, want %v", got, want)
		}
	}
}

func TestCollection(t *testing.T) {
	tn := Tenant{Org: "acme", Space: "prod"}
	if got := tn.Collection("memcell"); got != "acme.prod.memcell" {
		t.Fatalf("Collection = %q, want %q", got, "acme.prod.memcell")
	}
}

func TestEqual(t *testing.T) {
	a := Tenant{Org: "acme", Space: "prod", HashKey: "h1"}
	b := Tenant{Org: "acme", Space: "prod", HashKey: "h2"}
	if !a.Equal(b) {
		t.Error("tenants differing only in HashKey should be equal")
	}
	c := Tenant{Org: "acme", Space: "dev"}
	if a.Equal(c) {
		t.Error("different spaces should not be equal")
	}
}
