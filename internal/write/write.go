// Package write implements the pipeline's terminal stage: routing each
// OrganizedPost into the By-Domain and By-Entity trees, then emitting the
// per-domain posts.json index and the batch manifest — grounded on
// result_writer.py's WriterStage.
package write

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nativescout/crawler/internal/domain"
)

// domainInfo accumulates one domain's write-time state, mirroring the
// donor's domain_info_map entries.
type domainInfo struct {
	dirName string
	posts   []domain.PostRecord
	high    int
	pending int
	excluded int
}

// Config tunes a Writer.
type Config struct {
	OutputDir string
	BatchID   string
	// EntityMapping maps a lower-cased source_name alias to its canonical
	// entity name (the reverse index the donor builds from [entity_mapping]).
	EntityMapping map[string]string
	// KnownEntities constrains which LLM-provided primary_entity values are
	// honored; only names present here are accepted (internal/batch fills it
	// with every [entity_mapping] canonical name).
	KnownEntities map[string]bool
}

// Writer runs the Write stage. A single instance is used for one batch; it
// is not safe to reuse across batches since domain/entity stats accumulate.
type Writer struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	domains      map[domain.Domain]*domainInfo
	entityStats  map[string]int
	totalPosts   int
}

// New builds a Writer for one batch.
func New(cfg Config, log *slog.Logger) *Writer {
	return &Writer{
		cfg:         cfg,
		log:         log,
		domains:     map[domain.Domain]*domainInfo{},
		entityStats: map[string]int{},
	}
}

// Process writes one OrganizedPost to disk: the By-Domain master copy
// always, the By-Entity mirror only for accepted tiers. Per-file I/O errors
// are logged and do not abort the batch (§7 error 9).
func (w *Writer) Process(post domain.OrganizedPost) {
	tier := post.Tier()

	w.mu.Lock()
	info := w.domainInfoFor(post.Domain)
	w.mu.Unlock()

	filename := filenameFor(post.Event, post.PublishDate, post.Link)
	domainPath := filepath.Join(w.cfg.OutputDir, "By-Domain", info.dirName, string(tier))
	if err := os.MkdirAll(domainPath, 0o755); err != nil {
		w.log.Error("write: mkdir failed", "path", domainPath, "error", err)
		return
	}
	fullPath := filepath.Join(domainPath, filename)
	if err := os.WriteFile(fullPath, []byte(renderMarkdown(post)), 0o644); err != nil {
		w.log.Error("write: file write failed", "path", fullPath, "error", err)
		return
	}

	record := domain.PostRecord{
		Title:         post.Event,
		Summary:       post.KeyInfo,
		QualityScore:  post.QualityScore,
		QualityReason: post.QualityReason,
		Link:          post.Link,
		Date:          post.PublishDate,
		Category:      string(post.Category),
		PrimaryEntity: post.PrimaryEntity,
		SourceName:    post.SourceName,
		SourceType:    string(post.SourceType),
	}

	w.mu.Lock()
	info.posts = append(info.posts, record)
	switch tier {
	case domain.TierHigh:
		info.high++
	case domain.TierPending:
		info.pending++
	case domain.TierExcluded:
		info.excluded++
	}
	w.totalPosts++
	w.mu.Unlock()

	if tier == domain.TierHigh || tier == domain.TierPending {
		w.writeEntityView(post, fullPath, filename)
	}

	w.log.Info("write: saved post", "tier", tier, "domain", post.Domain, "filename", filename)
}

// RunStage adapts Process to pipeline.Drain's single-item sink shape.
func (w *Writer) RunStage(post domain.OrganizedPost) { w.Process(post) }

// domainInfoFor returns (creating if needed) the accumulator for a domain.
// It creates no directories; Process makes each tier directory when it
// first writes into it. Caller holds w.mu.
func (w *Writer) domainInfoFor(d domain.Domain) *domainInfo {
	if info, ok := w.domains[d]; ok {
		return info
	}
	info := &domainInfo{dirName: safeSegment(string(d))}
	w.domains[d] = info
	return info
}

// resolveEntity applies the §4.6 priority: source-name mapping, then the
// LLM's primary_entity constrained to the known list, then "Others".
func (w *Writer) resolveEntity(post domain.OrganizedPost) string {
	if post.SourceName != "" {
		if entity, ok := w.cfg.EntityMapping[strings.ToLower(post.SourceName)]; ok {
			return entity
		}
	}
	if post.PrimaryEntity != "" && w.cfg.KnownEntities[post.PrimaryEntity] {
		return post.PrimaryEntity
	}
	return "Others"
}

func (w *Writer) writeEntityView(post domain.OrganizedPost, sourcePath, filename string) {
	entity := w.resolveEntity(post)
	safeEntity := safeEntitySegment(entity)

	entityDir := filepath.Join(w.cfg.OutputDir, "By-Entity", safeEntity)
	if err := os.MkdirAll(entityDir, 0o755); err != nil {
		w.log.Error("write: entity mkdir failed", "entity", safeEntity, "error", err)
		return
	}

	data, err := os.ReadFile(sourcePath)
	if err != nil {
		w.log.Error("write: entity copy read failed", "path", sourcePath, "error", err)
		return
	}
	target := filepath.Join(entityDir, filename)
	if err := os.WriteFile(target, data, 0o644); err != nil {
		w.log.Error("write: entity copy write failed", "path", target, "error", err)
		return
	}

	w.mu.Lock()
	w.entityStats[safeEntity]++
	w.mu.Unlock()
}

// Finalize emits every domain's posts.json and the batch manifest, in that
// order, and returns the manifest (§4.6). Manifest write failure is the one
// error this stage propagates (§7 error 9).
func (w *Writer) Finalize() (domain.BatchManifest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	domainReports := make(map[string]string, len(w.domains))
	var totalHigh, totalPending, totalExcluded int

	for d, info := range w.domains {
		domainReports[string(d)] = info.dirName
		totalHigh += info.high
		totalPending += info.pending
		totalExcluded += info.excluded

		jsonPath := filepath.Join(w.cfg.OutputDir, "By-Domain", info.dirName, "posts.json")
		raw, err := json.MarshalIndent(info.posts, "", "  ")
		if err != nil {
			w.log.Error("write: marshal posts.json failed", "domain", d, "error", err)
			continue
		}
		if err := os.WriteFile(jsonPath, raw, 0o644); err != nil {
			w.log.Error("write: posts.json write failed", "domain", d, "error", err)
		}
	}

	manifest := domain.BatchManifest{
		BatchID:       w.cfg.BatchID,
		CreatedAt:     time.Now().UTC(),
		DomainReports: domainReports,
		Stats: domain.BatchStats{
			TotalPosts:  w.totalPosts,
			DomainCount: len(w.domains),
			QualityDistribution: domain.QualityDistribution{
				High:     totalHigh,
				Pending:  totalPending,
				Excluded: totalExcluded,
			},
			TopEntities: topEntities(w.entityStats),
		},
	}

	manifestPath := filepath.Join(w.cfg.OutputDir, "latest_batch.json")
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return manifest, fmt.Errorf("%w: marshal: %v", domain.ErrManifestWrite, err)
	}
	if err := os.MkdirAll(w.cfg.OutputDir, 0o755); err != nil {
		return manifest, fmt.Errorf("%w: mkdir: %v", domain.ErrManifestWrite, err)
	}
	if err := os.WriteFile(manifestPath, raw, 0o644); err != nil {
		return manifest, fmt.Errorf("%w: %v", domain.ErrManifestWrite, err)
	}
	w.log.Info("write: manifest written", "batch_id", manifest.BatchID, "total_posts", manifest.Stats.TotalPosts)
	return manifest, nil
}

// topEntities returns a copy of every entity's count, not cut down to a
// top-N. The counts cover only the accepted-tier posts mirrored into
// By-Entity; excluded posts are never counted.
func topEntities(stats map[string]int) map[string]int {
	out := make(map[string]int, len(stats))
	for k, v := range stats {
		out[k] = v
	}
	return out
}

// filenameFor renders the §4.6 filename-safety rule: non-alphanumeric
// (except - _) replaced with _, truncated to 50 chars, plus the first 6 hex
// chars of the link's MD5 (or "nolink").
func filenameFor(event, date, link string) string {
	safeEvent := safeSegment(event)
	if len(safeEvent) > 50 {
		safeEvent = safeEvent[:50]
	}
	if safeEvent == "" {
		safeEvent = "Untitled"
	}
	suffix := "nolink"
	if link != "" {
		sum := md5.Sum([]byte(link))
		suffix = fmt.Sprintf("%x", sum)[:6]
	}
	return fmt.Sprintf("%s_%s_%s.md", safeEvent, date, suffix)
}

func safeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// safeEntitySegment additionally allows spaces, matching the donor's entity
// directory sanitizer (entity names are often "Sam Altman"-shaped).
func safeEntitySegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.TrimSpace(b.String())
}

func renderMarkdown(post domain.OrganizedPost) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", orDefault(post.Event, "Untitled"))
	fmt.Fprintf(&b, "- **Date**: %s\n", orDefault(post.PublishDate, "Unknown"))
	fmt.Fprintf(&b, "- **Category**: %s\n", orDefault(string(post.Category), "Uncategorized"))
	fmt.Fprintf(&b, "- **Domain**: %s\n", post.Domain)
	fmt.Fprintf(&b, "- **Quality**: %s (%d/5)\n", stars(post.QualityScore), post.QualityScore)
	fmt.Fprintf(&b, "- **Reason**: %s\n", orDefault(post.QualityReason, "None"))
	fmt.Fprintf(&b, "- **Source_Type**: %s\n", post.SourceType)
	fmt.Fprintf(&b, "- **Source**: %s\n", orDefault(post.SourceName, "Unknown"))
	fmt.Fprintf(&b, "- **Link**: %s\n\n", post.Link)
	fmt.Fprintf(&b, "## Key Info\n%s\n\n", post.KeyInfo)
	fmt.Fprintf(&b, "## Details\n%s\n\n", post.Detail)
	if post.ExtraContent != "" {
		fmt.Fprintf(&b, "## Extra Content\n%s\n\n", post.ExtraContent)
	}
	if len(post.ExtraURLs) > 0 {
		b.WriteString("## External Links\n")
		for _, u := range post.ExtraURLs {
			fmt.Fprintf(&b, "- %s\n", u)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func stars(score int) string {
	if score < 0 {
		score = 0
	}
	if score > 5 {
		score = 5
	}
	return strings.Repeat("*", score) + strings.Repeat(".", 5-score)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// SortedEntities returns entity names sorted by descending count, for the
// donor's console summary / manifest preview.
func SortedEntities(stats map[string]int) []string {
	names := make([]string, 0, len(stats))
	for k := range stats {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return stats[names[i]] > stats[names[j]] })
	return names
}
