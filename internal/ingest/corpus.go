package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

func isCorpusFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// DecodeCorpus reads a YAML or JSON corpus file. Multi-document YAML
// (separated by ---) is merged into one Corpus in document order.
func DecodeCorpus(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := &Corpus{}
	if strings.TrimSpace(string(data)) == "" {
		return out, nil
	}

	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
		}
		return out, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	for docNum := 1; ; docNum++ {
		var doc Corpus
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid YAML in %s (document %d): %w", path, docNum, err)
		}
		out.Lectures = append(out.Lectures, doc.Lectures...)
		out.Questions = append(out.Questions, doc.Questions...)
	}
	return out, nil
}
