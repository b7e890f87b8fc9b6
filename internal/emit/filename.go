package emit

import (
	"encoding/binary"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/wolfeidau/assetpipe/internal/builderr"
)

var hashToken = regexp.MustCompile(`\[hash(?::(\d+))?\]`)

func encodeHash(sum uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], sum)
	return base58.Encode(buf[:])
}

// expandFilename substitutes [name], [hash] and [hash:N] in pattern.
func expandFilename(pattern, name string, sum uint64) (string, error) {
	hash := encodeHash(sum)

	out := strings.ReplaceAll(pattern, "[name]", name)
	out = hashToken.ReplaceAllStringFunc(out, func(tok string) string {
		m := hashToken.FindStringSubmatch(tok)
		if m[1] == "" {
			return hash
		}
		n, _ := strconv.Atoi(m[1])
		if n > 0 && n < len(hash) {
			return hash[:n]
		}
		return hash
	})

	clean := path.Clean(out)
	if out == "" || path.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", builderr.Config(fmt.Sprintf("output file name %q for entry %q escapes the output directory", out, name), nil)
	}
	return clean, nil
}
