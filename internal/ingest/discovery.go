package ingest

// discovery.go turns a root directory or an explicit file list into the work
// plan of a run.
//
// Every .json file is a record. Every other file is an artifact, attached to
// at most one record. In order of preference the owner is:
//
//   - a record whose fields name the file ("archivo": "respuesta.pdf"), in the
//     artifact's directory or one of its parents
//   - a record in the same directory whose stem the artifact's stem extends
//     ("2024001234.json" owns "2024001234_respuesta.pdf")
//   - a record in the same directory whose submission number the name contains
//   - the only record in the same directory
//
// Artifacts that match no record are uploaded on their own, keyed by the
// submission number and date their path carries, if any.

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/JonMunkholm/pqrsync/internal/core"
	"github.com/JonMunkholm/pqrsync/internal/logging"
)

// minSubmissionMatch is the shortest submission number matched inside an
// artifact file name; shorter numbers match too many unrelated files.
const minSubmissionMatch = 4

// Source names the files a run ingests. When Files is set, Root is only used
// to make reported paths relative.
type Source struct {
	Root  string
	Files []string
}

type recordItem struct {
	path    string
	rel     string
	company core.Company
	rec     core.Record
	raw     []byte
	loadErr error
	// refs holds the lower-cased file names the record's fields mention.
	refs map[string]bool

	artifacts []*artifactFile
}

// submission returns the normalized submission number, or "" when unknown.
func (it *recordItem) submission() string {
	if it.loadErr != nil || !it.company.Known() {
		return ""
	}
	def, _ := core.Lookup(it.company)
	v := core.CleanValue(it.rec.Get(def.SubmissionField))
	if spec, ok := def.Spec(def.SubmissionField); ok && spec.Normalizer != nil && v != "" {
		v = spec.Normalizer(v)
	}
	return v
}

// date returns the filing date used by date-partitioned layouts.
func (it *recordItem) date() time.Time {
	if it.company.Known() {
		def, _ := core.Lookup(it.company)
		if t, ok := core.ParseDate(it.rec.Get(def.DateField)); ok {
			return t
		}
	}
	return it.rec.ExtractedAt
}

type artifactFile struct {
	path    string
	rel     string
	company core.Company
	kind    core.ArtifactKind
}

// plan is the result of discovery.
type plan struct {
	records []*recordItem
	orphans []*artifactFile
}

func (p *plan) size() int {
	return len(p.records) + len(p.orphans)
}

// discover enumerates src. Setup problems (missing root, unreadable root,
// missing explicit file) are fatal; problems with a single file are recorded
// on its item.
func discover(ctx context.Context, src Source, company core.Company, recursive bool) (*plan, error) {
	paths, err := enumerate(ctx, src, recursive)
	if err != nil {
		return nil, core.Fatal(err)
	}

	p := &plan{}
	var artifacts []*artifactFile
	for _, path := range paths {
		rel := relPath(src.Root, path)
		if strings.EqualFold(filepath.Ext(path), ".json") {
			p.records = append(p.records, loadRecord(path, rel, company))
			continue
		}
		artifacts = append(artifacts, &artifactFile{
			path:    path,
			rel:     rel,
			company: companyFor(rel, company),
			kind:    core.KindFromPath(path),
		})
	}

	perDir := make(map[string]int)
	for _, r := range p.records {
		perDir[filepath.Dir(r.path)]++
	}
	for _, a := range artifacts {
		if owner := associate(a, p.records, perDir); owner != nil {
			owner.artifacts = append(owner.artifacts, a)
			continue
		}
		p.orphans = append(p.orphans, a)
	}

	logging.FromContext(ctx).Debug("discovery complete",
		"records", len(p.records),
		"artifacts", len(artifacts),
		"standalone", len(p.orphans),
	)
	return p, nil
}

// enumerate lists candidate files in a stable order.
func enumerate(ctx context.Context, src Source, recursive bool) ([]string, error) {
	if len(src.Files) > 0 {
		paths := make([]string, 0, len(src.Files))
		for _, f := range src.Files {
			info, err := os.Stat(f)
			if err != nil {
				return nil, fmt.Errorf("input file: %w", err)
			}
			if info.IsDir() {
				return nil, fmt.Errorf("input file %s is a directory", f)
			}
			if skipFile(filepath.Base(f)) {
				continue
			}
			paths = append(paths, f)
		}
		return paths, nil
	}

	if src.Root == "" {
		return nil, errors.New("no input: root directory or file list required")
	}
	info, err := os.Stat(src.Root)
	if err != nil {
		return nil, fmt.Errorf("inbox: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("inbox %s is not a directory", src.Root)
	}

	logger := logging.FromContext(ctx)
	var paths []string
	err = filepath.WalkDir(src.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == src.Root {
				return err
			}
			logger.Warn("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path == src.Root {
				return nil
			}
			if !recursive || strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || skipFile(d.Name()) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk inbox: %w", err)
	}
	return paths, nil
}

// skipFile reports whether a file never enters a run: hidden files and reports.
func skipFile(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, ReportPrefix)
}

func relPath(root, path string) string {
	if root == "" {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func loadRecord(path, rel string, company core.Company) *recordItem {
	it := &recordItem{path: path, rel: rel, company: companyFor(rel, company)}

	rec, raw, err := core.ReadRecordFile(path, it.company)
	it.raw = raw
	if err != nil {
		it.loadErr = err
		if !it.company.Known() && raw != nil {
			it.company = core.CompanyFromContent(raw)
		}
		return it
	}

	if !it.company.Known() {
		it.company = core.CompanyFromContent(raw)
	}
	rec.Company = it.company
	rec.SourceFile = rel
	it.rec = rec
	it.refs = referencedNames(rec.Fields)
	return it
}

// referenceExt matches the extension of a file name worth linking.
var referenceExt = regexp.MustCompile(`^\.[a-z][a-z0-9]{1,4}$`)

// referencedNames collects the file names mentioned by field values, such as
// a relative path, a Windows path or a download URL.
func referencedNames(fields map[string]string) map[string]bool {
	refs := make(map[string]bool)
	for _, v := range fields {
		v = strings.TrimSpace(v)
		if v == "" || len(v) > 1024 || strings.ContainsAny(v, "\r\n") {
			continue
		}
		if i := strings.IndexAny(v, "?#"); i >= 0 {
			v = v[:i]
		}
		name := path.Base(strings.ReplaceAll(v, `\`, "/"))
		if unescaped, err := url.PathUnescape(name); err == nil {
			name = unescaped
		}
		name = strings.ToLower(name)
		if !referenceExt.MatchString(path.Ext(name)) || name == path.Ext(name) {
			continue
		}
		refs[name] = true
	}
	return refs
}

// companyFor resolves a file's company: the run company when one was given,
// else a path segment naming a company or its inbox folder, else a file name
// prefix such as "afinia_".
func companyFor(rel string, explicit core.Company) core.Company {
	if explicit.Known() {
		return explicit
	}

	dir := filepath.ToSlash(filepath.Dir(rel))
	for _, seg := range strings.Split(dir, "/") {
		if c := companyForName(seg); c.Known() {
			return c
		}
	}

	base := strings.ToLower(filepath.Base(rel))
	for _, c := range core.Companies() {
		slug := c.Slug()
		if len(base) > len(slug) && strings.HasPrefix(base, slug) && strings.ContainsRune("_-. ", rune(base[len(slug)])) {
			return c
		}
	}
	return core.CompanyUnknown
}

func companyForName(name string) core.Company {
	if c := core.ParseCompany(name); c.Known() {
		return c
	}
	for _, def := range core.Definitions() {
		if def.Directory != "" && strings.EqualFold(def.Directory, name) {
			return def.Company
		}
	}
	return core.CompanyUnknown
}

// Association match kinds, weakest first.
const (
	matchNone = iota
	matchAlone
	matchSubmission
	matchStem
	matchReference
)

// associate picks the record that owns the artifact. Stronger kinds of match
// win; among equal kinds the longer (or nearer) match wins. perDir counts the
// records in each directory.
func associate(a *artifactFile, records []*recordItem, perDir map[string]int) *recordItem {
	dir := filepath.Dir(a.path)
	base := strings.ToLower(filepath.Base(a.path))
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	type match struct {
		kind int
		n    int
	}
	better := func(m, than match) bool {
		if m.kind != than.kind {
			return m.kind > than.kind
		}
		return m.n > than.n
	}

	var best *recordItem
	var bestMatch match
	for _, r := range records {
		rDir := filepath.Dir(r.path)

		var m match
		switch {
		case r.refs[base] && within(dir, rDir):
			m = match{matchReference, len(rDir)}
		case rDir != dir:
			continue
		default:
			rBase := strings.ToLower(filepath.Base(r.path))
			rStem := strings.TrimSuffix(rBase, filepath.Ext(rBase))
			sub := strings.ToLower(r.submission())
			switch {
			case stem == rStem || (strings.HasPrefix(stem, rStem) && strings.ContainsRune("_-. ", rune(stem[len(rStem)]))):
				m = match{matchStem, len(rStem)}
			case len(sub) >= minSubmissionMatch && strings.Contains(base, sub):
				m = match{matchSubmission, len(sub)}
			case perDir[dir] == 1:
				m = match{matchAlone, 1}
			}
		}

		if m.kind != matchNone && better(m, bestMatch) {
			best, bestMatch = r, m
		}
	}
	return best
}

// within reports whether dir is parent or a directory below it.
func within(dir, parent string) bool {
	rel, err := filepath.Rel(parent, dir)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

var (
	digitRun  = regexp.MustCompile(`\d+`)
	datedName = regexp.MustCompile(`(?:^|\D)(\d{4})[-_.]?(\d{2})[-_.]?(\d{2})(?:\D|$)`)
)

// pathHints derives the business key and date of a standalone artifact from
// its path, so its object key does not depend on when the file was copied.
// The business key is the parent directory or a digit run in the file name
// that fits the company's submission number; the date is a yyyy-mm-dd or
// yyyymmdd run in the file name. Either is empty when absent.
func pathHints(a *artifactFile) (business string, date time.Time) {
	base := filepath.Base(a.rel)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	if m := datedName.FindStringSubmatch(stem); m != nil {
		if t, err := time.Parse("20060102", m[1]+m[2]+m[3]); err == nil {
			date = t
		}
	}

	minLen, maxLen := 6, 20
	if def, ok := core.Lookup(a.company); ok {
		if spec, ok := def.Spec(def.SubmissionField); ok && spec.MinLen > 0 {
			minLen, maxLen = spec.MinLen, spec.MaxLen
		}
	}
	fits := func(s string) bool {
		if len(s) < minLen || (maxLen > 0 && len(s) > maxLen) {
			return false
		}
		// A bare yyyymmdd run is a date, not a submission number.
		_, err := time.Parse("20060102", s)
		return err != nil
	}

	if parent := filepath.Base(filepath.Dir(a.rel)); digitRun.FindString(parent) == parent && fits(parent) {
		return parent, date
	}
	for _, run := range digitRun.FindAllString(stem, -1) {
		if fits(run) {
			return run, date
		}
	}
	return "", date
}
