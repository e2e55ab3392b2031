package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const logTimestamp = "20060102T150405Z"

// writeJSONFile replaces name in dir atomically.
func writeJSONFile(dir, name string, v any) (string, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	return writeFileAtomic(dir, name, body)
}

// writeFileAtomic writes body to a temporary file in dir and renames it over
// name so readers never see a partial file.
func writeFileAtomic(dir, name string, body []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, "."+name+".")
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), fileMode); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	dst := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	return dst, nil
}

type changeLog struct {
	New     []string `json:"new"`
	Updated []string `json:"updated"`
}

type excludeLog struct {
	Exclude []string `json:"exclude"`
}

// writeTransferLog records the files moved by one transfer run as
// {name}_{timestamp}.log.
func writeTransferLog(dir, name string, at time.Time, newFiles, updated []string) (string, error) {
	fn := fmt.Sprintf("%s_%s.log", name, at.UTC().Format(logTimestamp))
	return writeJSONFile(dir, fn, changeLog{New: nonNil(newFiles), Updated: nonNil(updated)})
}

// writeExcludeLog replaces {name}_Exclude.log with the latest exclude list.
func writeExcludeLog(dir, name string, exclude []string) (string, error) {
	return writeJSONFile(dir, name+"_Exclude.log", excludeLog{Exclude: nonNil(exclude)})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
