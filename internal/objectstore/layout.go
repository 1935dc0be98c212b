package objectstore

// layout.go resolves object keys. Layouts are pure: the same input always
// yields the same key, which makes re-uploads overwrite rather than duplicate.
//
// Three layouts exist because the bucket has been reorganized over time:
//
//	legacy   {company}/{businessKey}/{filename}
//	central  {company}/{kind}/{yyyy}/{mm}/{dd}/{filename}
//	simple   {company}/{yyyy-mm-dd}/{filename}

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JonMunkholm/pqrsync/internal/core"
)

// NoBusinessKey replaces an empty business key in legacy keys.
const NoBusinessKey = "sin-radicado"

// KeyInput is everything a layout may use to build a key.
type KeyInput struct {
	Company     core.Company
	Kind        core.ArtifactKind
	BusinessKey string
	Date        time.Time
	Filename    string
}

// Layout maps an artifact to its object key.
type Layout interface {
	Name() string
	Key(in KeyInput) string
}

// LegacyLayout groups objects by submission number.
type LegacyLayout struct{}

func (LegacyLayout) Name() string { return "legacy" }

func (LegacyLayout) Key(in KeyInput) string {
	business := segment(in.BusinessKey)
	if business == "" {
		business = NoBusinessKey
	}
	return path.Join(in.Company.Slug(), business, filename(in.Filename))
}

// CentralLayout partitions objects by kind and date.
type CentralLayout struct{}

func (CentralLayout) Name() string { return "central" }

func (CentralLayout) Key(in KeyInput) string {
	kind := in.Kind
	if !kind.Valid() {
		kind = core.KindOther
	}
	d := dateOf(in)
	return path.Join(
		in.Company.Slug(),
		string(kind),
		d.Format("2006"),
		d.Format("01"),
		d.Format("02"),
		filename(in.Filename),
	)
}

// SimpleLayout partitions objects by day only.
type SimpleLayout struct{}

func (SimpleLayout) Name() string { return "simple" }

func (SimpleLayout) Key(in KeyInput) string {
	return path.Join(in.Company.Slug(), dateOf(in).Format("2006-01-02"), filename(in.Filename))
}

// ParseLayout returns the layout with the given name.
func ParseLayout(name string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "legacy":
		return LegacyLayout{}, nil
	case "central", "":
		return CentralLayout{}, nil
	case "simple":
		return SimpleLayout{}, nil
	default:
		return nil, fmt.Errorf("unknown layout %q (use legacy, central or simple)", name)
	}
}

// ResolveKey applies layout and the optional global prefix.
func ResolveKey(layout Layout, prefix string, in KeyInput) string {
	key := layout.Key(in)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// dateOf uses the artifact date, falling back to the Unix epoch so the key
// stays deterministic when no date is known.
func dateOf(in KeyInput) time.Time {
	if in.Date.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return in.Date.UTC()
}

// segment keeps a value from introducing extra path levels.
func segment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	return strings.Trim(s, ".")
}

func filename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return "unnamed"
	}
	return name
}
