package flightplan

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseCoordinates(t *testing.T) {
	input := "3\n55.7512 37.6184 10\n55.7520 37.6200 15.5\n55.7530 37.6210 20\n"
	coords, err := ParseCoordinates(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseCoordinates failed: %v", err)
	}
	if len(coords) != 3 {
		t.Fatalf("Expected 3 coordinates, got %d", len(coords))
	}
	want := Coordinate{Lat: 55.7520, Lon: 37.6200, Alt: 15.5}
	if coords[1] != want {
		t.Errorf("Expected %v, got %v", want, coords[1])
	}
}

func TestParseCoordinatesErrors(t *testing.T) {
	cases := map[string]string{
		"short":     "2\n1 2 3\n4 5",
		"not count": "x\n",
		"negative":  "-1\n",
		"bad float": "1\n1 two 3\n",
		"range":     "1\n91 0 0\n",
	}
	for name, input := range cases {
		if _, err := ParseCoordinates(strings.NewReader(input)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	if _, err := ParseCoordinates(strings.NewReader("  \n")); !errors.Is(err, ErrNoPlan) {
		t.Errorf("Expected ErrNoPlan for empty input, got %v", err)
	}
}

func TestTakeCoordinatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coords.txt")

	if _, err := TakeCoordinatesFile(path); !errors.Is(err, ErrNoPlan) {
		t.Fatalf("Expected ErrNoPlan for missing file, got %v", err)
	}

	if err := os.WriteFile(path, []byte("1 10 20 30"), 0644); err != nil {
		t.Fatal(err)
	}
	coords, err := TakeCoordinatesFile(path)
	if err != nil {
		t.Fatalf("TakeCoordinatesFile failed: %v", err)
	}
	if len(coords) != 1 || coords[0] != (Coordinate{Lat: 10, Lon: 20, Alt: 30}) {
		t.Errorf("Unexpected coordinates: %v", coords)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected coordinates file to be removed after reading")
	}
}

func TestWriteImageFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "received.png")

	if _, err := ReadImageFile(path); !errors.Is(err, ErrNoPlan) {
		t.Errorf("Expected ErrNoPlan for missing image, got %v", err)
	}

	for _, content := range [][]byte{[]byte("first image"), []byte("second")} {
		if err := WriteImageFile(path, content); err != nil {
			t.Fatalf("WriteImageFile failed: %v", err)
		}
		got, err := ReadImageFile(path)
		if err != nil {
			t.Fatalf("ReadImageFile failed: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("Expected %q, got %q", content, got)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("Expected no leftover temp files, got %d entries", len(entries))
	}
}
