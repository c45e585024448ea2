package location

import "testing"

func TestResolver_Static(t *testing.T) {
	r := NewResolver(map[string]map[int64]string{
		"north": {1: "Main Street", 2: "Harbor"},
		"south": {1: "Downtown"},
	})

	tests := []struct {
		source string
		code   int64
		want   string
	}{
		{"north", 1, "Main Street"},
		{"north", 2, "Harbor"},
		{"south", 1, "Downtown"},
		{"south", 2, "Location 2"},
		{"east", 1, "Location 1"},
		{"north", -4, "Location -4"},
	}
	for _, tt := range tests {
		if got := r.Resolve(tt.source, tt.code); got != tt.want {
			t.Errorf("Resolve(%s, %d) = %q, want %q", tt.source, tt.code, got, tt.want)
		}
	}
}

func TestResolver_Learn(t *testing.T) {
	r := NewResolver(map[string]map[int64]string{"north": {1: "Main Street"}})

	r.Learn("north", 1, "Ignored")
	r.Learn("north", 7, "Airport")
	r.Learn("north", 8, "")

	if got := r.Resolve("north", 1); got != "Main Street" {
		t.Errorf("configured name should win, got %q", got)
	}
	if got := r.Resolve("north", 7); got != "Airport" {
		t.Errorf("learned name = %q", got)
	}
	if r.Known("north", 8) {
		t.Error("empty names should not be learned")
	}
	if got := r.Resolve("south", 7); got != "Location 7" {
		t.Errorf("learned names are per source, got %q", got)
	}
}

func TestResolver_LearnedNamesPersistAndRename(t *testing.T) {
	r := NewResolver(nil)

	r.Learn("north", 7, "Airport")
	// a later run that skips the locations table still resolves the name
	if got := r.Resolve("north", 7); got != "Airport" {
		t.Fatalf("learned name = %q", got)
	}

	r.Learn("north", 7, "Airport Terminal 2")
	if got := r.Resolve("north", 7); got != "Airport Terminal 2" {
		t.Errorf("renamed location = %q", got)
	}
}

func TestResolver_CopiesInput(t *testing.T) {
	in := map[string]map[int64]string{"north": {1: "Main Street"}}
	r := NewResolver(in)
	in["north"][1] = "Changed"

	if got := r.Resolve("north", 1); got != "Main Street" {
		t.Errorf("Resolve = %q, resolver should not alias its input", got)
	}
}
