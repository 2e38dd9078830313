package data

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadGlove reads GloVe text vectors for the words of vocab. Lines are
// "word v1 ... vdim"; the word itself may contain spaces, so the vector is
// taken from the last dim fields.
func LoadGlove(path string, vocab *Vocab, dim int) (map[int][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vectors := make(map[int][]float64)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < dim+1 {
			return nil, fmt.Errorf("%s:%d: expected %d values, got %d", path, lineNo, dim, len(fields)-1)
		}
		word := strings.Join(fields[:len(fields)-dim], " ")
		id, ok := vocab.Lookup(word)
		if !ok {
			continue
		}
		vec := make([]float64, dim)
		for i, field := range fields[len(fields)-dim:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
			}
			vec[i] = v
		}
		vectors[id] = vec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return vectors, nil
}
