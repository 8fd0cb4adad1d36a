package fsutil

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestListMatchesSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a_0003.fits", "a_0001.fits", "b_0001.fits", "a_0002.fits"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ListMatches(filepath.Join(dir, "a_*.fits"))
	if err != nil {
		t.Fatalf("ListMatches: %v", err)
	}
	want := []string{
		filepath.Join(dir, "a_0001.fits"),
		filepath.Join(dir, "a_0002.fits"),
		filepath.Join(dir, "a_0003.fits"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestListMatchesEmpty(t *testing.T) {
	got, err := ListMatches(filepath.Join(t.TempDir(), "*.fits"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no matches, got %v", got)
	}
}

func TestValidatePattern(t *testing.T) {
	if err := ValidatePattern(""); err == nil {
		t.Fatal("expected error for empty pattern")
	}
	if err := ValidatePattern("[a-"); err == nil {
		t.Fatal("expected error for malformed pattern")
	}
	if err := ValidatePattern("aia.lev1.193A_*.image_lev1.fits"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMatchesBase(t *testing.T) {
	pattern := "/data/aia.lev1.193A_*.image_lev1.fits"
	if !MatchesBase(pattern, "/data/aia.lev1.193A_2012_06_05T22_09_45.image_lev1.fits") {
		t.Fatal("expected match")
	}
	if MatchesBase(pattern, "/data/aia.lev1.171A_2012.image_lev1.fits") {
		t.Fatal("unexpected match")
	}
}

func TestFirstExistingAndFITS(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x.FITS")
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := FirstExisting(filepath.Join(dir, "missing"), p); got != p {
		t.Fatalf("FirstExisting = %q", got)
	}
	if !IsFITSFile(p) || IsFITSFile("x.jpg") {
		t.Fatal("IsFITSFile misclassified")
	}
}
