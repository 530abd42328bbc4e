package cli

import (
	"fmt"
	"reflect"
	"testing"
)

func TestLogWriterEmpty(t *testing.T) {
	w := NewLogWriter(4)
	if lines := w.Lines(); len(lines) != 0 {
		t.Errorf("fresh writer returned %d lines", len(lines))
	}
}

func TestLogWriterSplitsLines(t *testing.T) {
	w := NewLogWriter(8)
	fmt.Fprintf(w, "one\ntwo\n")
	fmt.Fprintf(w, "three\n")

	want := []string{"one", "two", "three"}
	if got := w.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %v, want %v", got, want)
	}
}

func TestLogWriterOverwritesOldest(t *testing.T) {
	w := NewLogWriter(3)
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(w, "line %d\n", i)
	}

	want := []string{"line 3", "line 4", "line 5"}
	if got := w.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %v, want %v", got, want)
	}
}
