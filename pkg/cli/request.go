package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// LoadRequest reads a request document from path into v. The format is
// chosen by file extension; "-" reads stdin instead, sniffing the format
// from the first non-space byte. Unrecognized extensions try YAML first
// and fall back to JSON.
func LoadRequest(path string, v any) error {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		return decodeRequest(data, sniffFormat(data), v)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	return decodeRequest(data, strings.ToLower(filepath.Ext(path)), v)
}

func decodeRequest(data []byte, ext string, v any) error {
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, v); err != nil {
			if json.Unmarshal(data, v) != nil {
				return fmt.Errorf("parse request: not valid YAML or JSON")
			}
		}
	}
	return nil
}

// sniffFormat guesses a stdin document's format. A JSON object or array
// is unmistakable; anything else goes through the lenient default path.
func sniffFormat(data []byte) string {
	t := bytes.TrimLeft(data, " \t\r\n")
	if len(t) > 0 && (t[0] == '{' || t[0] == '[') {
		return ".json"
	}
	return ""
}
