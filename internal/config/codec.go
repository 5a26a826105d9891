// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config file names looked up in a storage directory, in order of
// preference.
var configFileNames = []string{"config.yaml", "config.yml", "config.toml"}

const yamlIndent = 2

var errEmptyDocument = errors.New("empty document")

type codec interface {
	marshal(doc *Document) ([]byte, error)
	unmarshal(data []byte) (map[string]any, error)
}

func codecFor(path string) (codec, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlCodec{}, nil
	case ".toml":
		return tomlCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown format: %s", ErrMalformedConfiguration, path)
	}
}

type yamlCodec struct{}

func (yamlCodec) marshal(doc *Document) ([]byte, error) {
	var buf bytes.Buffer

	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(yamlIndent)

	err := encoder.Encode(doc)
	if err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}

	err = encoder.Close()
	if err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}

	return buf.Bytes(), nil
}

func (yamlCodec) unmarshal(data []byte) (map[string]any, error) {
	var raw map[string]any

	err := yaml.Unmarshal(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	if raw == nil {
		return nil, errEmptyDocument
	}

	return raw, nil
}

type tomlCodec struct{}

func (tomlCodec) marshal(doc *Document) ([]byte, error) {
	var buf bytes.Buffer

	err := toml.NewEncoder(&buf).Encode(doc)
	if err != nil {
		return nil, fmt.Errorf("encode toml: %w", err)
	}

	return buf.Bytes(), nil
}

func (tomlCodec) unmarshal(data []byte) (map[string]any, error) {
	var raw map[string]any

	_, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("decode toml: %w", err)
	}

	if len(raw) == 0 {
		return nil, errEmptyDocument
	}

	return raw, nil
}

// decodeDocument decodes the data in the format matching the file extension
// of path.
func decodeDocument(path string, data []byte) (*Document, error) {
	c, err := codecFor(path)
	if err != nil {
		return nil, err
	}

	raw, err := c.unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedConfiguration, err)
	}

	return documentFromMap(raw)
}

func encodeDocument(path string, doc *Document) ([]byte, error) {
	c, err := codecFor(path)
	if err != nil {
		return nil, err
	}

	return c.marshal(doc)
}
