package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const versionLayout = "20060102150405"

var nameSanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)

// CreateSQLMigration writes <dir>/<version>_<name>.sql. The version is the
// current UTC timestamp, pushed past the newest existing file so goose never
// sees a new migration ordered before one already applied.
func CreateSQLMigration(dir string, name string, now time.Time) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("dir is required")
	}
	safe := nameSanitizeRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	safe = strings.Trim(safe, "_")
	if safe == "" {
		return "", fmt.Errorf("name %q results in empty sanitized filename", name)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dir, err)
	}
	existing, err := listMigrations(os.DirFS(dir))
	if err != nil {
		return "", err
	}

	version := now.UTC().Format(versionLayout)
	if n := len(existing); n > 0 {
		latest := sqlFileRe.FindStringSubmatch(existing[n-1])[1]
		if version <= latest {
			next, err := bumpVersion(latest)
			if err != nil {
				return "", err
			}
			version = next
		}
	}

	fullpath := filepath.Join(dir, fmt.Sprintf("%s_%s.sql", version, safe))
	template := fmt.Sprintf(`-- +goose Up
-- +goose StatementBegin
-- %s
-- +goose StatementEnd

-- +goose Down
-- +goose StatementBegin
-- rollback %s
-- +goose StatementEnd
`, safe, safe)

	f, err := os.OpenFile(fullpath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create migration %q: %w", fullpath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(template); err != nil {
		return "", fmt.Errorf("write migration %q: %w", fullpath, err)
	}
	return fullpath, nil
}

func bumpVersion(version string) (string, error) {
	t, err := time.Parse(versionLayout, version)
	if err != nil {
		n, perr := strconv.ParseInt(version, 10, 64)
		if perr != nil {
			return "", fmt.Errorf("parse migration version %q: %w", version, err)
		}
		return strconv.FormatInt(n+1, 10), nil
	}
	return t.Add(time.Second).Format(versionLayout), nil
}
