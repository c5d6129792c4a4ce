package flightplan

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// ErrNoPlan means the coordinates file is absent or empty
var ErrNoPlan = errors.New("no plan available")

// ParseCoordinates reads a whitespace separated point count followed by
// that many "lat lon alt" triples.
func ParseCoordinates(r io.Reader) ([]Coordinate, error) {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoPlan
	}
	count, err := strconv.Atoi(sc.Text())
	if err != nil {
		return nil, fmt.Errorf("invalid point count %q: %w", sc.Text(), err)
	}
	if count < 0 || count > DefaultMaxPoints {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPointCount, count)
	}

	coords := make([]Coordinate, 0, count)
	for i := 0; i < count; i++ {
		var v [3]float32
		for j := range v {
			if !sc.Scan() {
				if err := sc.Err(); err != nil {
					return nil, err
				}
				return nil, fmt.Errorf("point %d: expected 3 values, file ended", i)
			}
			f, err := strconv.ParseFloat(sc.Text(), 32)
			if err != nil {
				return nil, fmt.Errorf("point %d: %w", i, err)
			}
			v[j] = float32(f)
		}
		c := Coordinate{Lat: v[0], Lon: v[1], Alt: v[2]}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		coords = append(coords, c)
	}
	return coords, nil
}

// ReadCoordinatesFile parses the coordinates file at path
func ReadCoordinatesFile(path string) ([]Coordinate, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoPlan
		}
		return nil, fmt.Errorf("failed to open coordinates file: %w", err)
	}
	defer f.Close()
	return ParseCoordinates(f)
}

// TakeCoordinatesFile parses the file at path and removes it, so each file
// is turned into a plan once. A file that fails to parse is removed too.
func TakeCoordinatesFile(path string) ([]Coordinate, error) {
	coords, err := ReadCoordinatesFile(path)
	if errors.Is(err, ErrNoPlan) {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove coordinates file: %w", rmErr)
		}
		return nil, err
	}
	if rmErr := os.Remove(path); rmErr != nil {
		return nil, fmt.Errorf("failed to remove coordinates file: %w", rmErr)
	}
	return coords, err
}

// ReadImageFile loads an encoded image; a missing file is ErrNoPlan
func ReadImageFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoPlan
		}
		return nil, fmt.Errorf("failed to read image file: %w", err)
	}
	return data, nil
}

// WriteImageFile replaces path with image via a temp file and rename
func WriteImageFile(path string, image []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".image-*")
	if err != nil {
		return fmt.Errorf("failed to create temp image file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(image); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close image file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename image file: %w", err)
	}
	return nil
}
