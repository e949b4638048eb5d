package pipeline

import (
	"regexp"

	"github.com/hazyhaar/savewatch/internal/catalog"
	"github.com/hazyhaar/savewatch/internal/detect"
)

// DefaultPrefix names files when no model file name is known.
const DefaultPrefix = "civitai_image"

var (
	extRe    = regexp.MustCompile(`\.[^.]+$`)
	unsafeRe = regexp.MustCompile(`[/\\?%*:|"<> \x00-\x1f]+`)
)

// Target picks the catalog entry a save is attributed to: the one matching
// the current secondary id, else the first entry. Nil when there are none.
func Target(v detect.View) *catalog.Entry {
	if len(v.Entries) == 0 {
		return nil
	}
	for i := range v.Entries {
		if v.Secondary != "" && v.Entries[i].ID == v.Secondary {
			return &v.Entries[i]
		}
	}
	return &v.Entries[0]
}

// Prefix derives the file name prefix from the target's primary file.
func Prefix(target *catalog.Entry) string {
	if target == nil || target.PrimaryFile == nil {
		return DefaultPrefix
	}
	return Sanitize(extRe.ReplaceAllString(target.PrimaryFile.Name, ""))
}

// Sanitize collapses runs of characters unsafe in file names into "_".
func Sanitize(name string) string {
	out := unsafeRe.ReplaceAllString(name, "_")
	if out == "" {
		return DefaultPrefix
	}
	return out
}
