package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/3xpluto/go-ipset/internal/config"
)

// Loader gathers the raw entry list of a configured set.
type Loader struct {
	// Redis serves redis_keys; nil means sets with redis_keys fail to load.
	Redis redis.Cmdable
}

func (l Loader) Load(ctx context.Context, sc config.SetConfig) ([]string, error) {
	out := make([]string, 0, len(sc.Entries))
	out = append(out, sc.Entries...)

	for _, path := range sc.Files {
		lines, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, lines...)
	}

	for _, key := range sc.RedisKeys {
		if l.Redis == nil {
			return nil, fmt.Errorf("set %q: redis key %q but no redis client", sc.Name, key)
		}
		members, err := l.Redis.SMembers(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("set %q: smembers %s: %w", sc.Name, key, err)
		}
		// SMEMBERS order is unspecified
		sort.Strings(members)
		out = append(out, members...)
	}
	return out, nil
}

func ReadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	lines, err := ReadList(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

// ReadList reads one entry per line. '#' starts a comment; blank lines are
// skipped.
func ReadList(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
