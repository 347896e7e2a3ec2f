package hivemind

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"sort"
	"strings"

	"github.com/hivemindhq/hivemind/internal/frontmatter"
)

// Strategy names the layer that repaired an orphaned mapping.
type Strategy string

const (
	StrategyBasename    Strategy = "basename"
	StrategyContentHash Strategy = "content-hash"
	StrategySimilarity  Strategy = "similarity"
	StrategyIdentifier  Strategy = "identifier"
	StrategyManual      Strategy = "manual"
)

// SimilarityFunc scores how likely candidate is the moved copy of the
// mapped document, in [0,1]. reference is the remote canonical content and
// may be empty when it could not be fetched. Implementations must be
// deterministic for identical inputs.
type SimilarityFunc func(mapping Mapping, reference, candidate []byte) float64

const defaultSimilarityThreshold = 0.9

// ResolutionAction is one of the three manual-resolution outcomes.
type ResolutionAction int

const (
	// ResolveRelink points the mapping at an existing file chosen by the
	// caller.
	ResolveRelink ResolutionAction = iota
	// ResolveRecreate seeds a new local file from the remote canonical
	// content and relinks to it.
	ResolveRecreate
	// ResolveAbandon removes the mapping entirely.
	ResolveAbandon
)

type Resolution struct {
	Action ResolutionAction
	// Path is the chosen file for ResolveRelink, or the target path for
	// ResolveRecreate (optional; defaults to the last known path).
	Path string
}

// Resolver is the external decision point for orphans no automatic
// strategy matched.
type Resolver interface {
	Resolve(ctx context.Context, mapping Mapping, meta DocumentMetadata) (Resolution, error)
}

type Relink struct {
	DocumentID string   `json:"documentId"`
	OldPath    string   `json:"oldPath"`
	NewPath    string   `json:"newPath"`
	Strategy   Strategy `json:"strategy"`
}

// RecoveryReport summarizes one reconciliation pass.
type RecoveryReport struct {
	Scanned    int       `json:"scanned"`
	Orphaned   int       `json:"orphaned"`
	Relinked   []Relink  `json:"relinked,omitempty"`
	Abandoned  []string  `json:"abandoned,omitempty"`
	Unresolved []Mapping `json:"unresolved,omitempty"`
}

// UnresolvedErr returns an UnresolvedError for the first orphan the pass
// could not repair, or nil when nothing was left behind.
func (r *RecoveryReport) UnresolvedErr() error {
	if r == nil || len(r.Unresolved) == 0 {
		return nil
	}
	m := r.Unresolved[0]
	last := m.LastKnownPath
	if last == "" {
		last = m.LocalPath
	}
	return &UnresolvedError{DocumentID: m.DocumentID, LastKnownPath: last}
}

type RecoveryEngineOptions struct {
	Mappings *MappingStore
	Files    FileTree
	Store    ContentStore
	// Resolver handles orphans the automatic strategies cannot repair.
	// Optional; without one such orphans are reported unresolved.
	Resolver Resolver
	// Similarity overrides the default content-similarity heuristic.
	Similarity SimilarityFunc
	// SimilarityThreshold is the score above which a candidate relinks.
	// Defaults to 0.9.
	SimilarityThreshold float64
	Logger              Logger
}

// RecoveryEngine repairs mappings whose local path no longer resolves to a
// file, using layered matching: unique basename, content (exact hash then
// similarity), embedded identifier, then manual resolution.
type RecoveryEngine struct {
	mappings   *MappingStore
	files      FileTree
	store      ContentStore
	resolver   Resolver
	similarity SimilarityFunc
	threshold  float64
	logger     Logger
}

func NewRecoveryEngine(opts RecoveryEngineOptions) (*RecoveryEngine, error) {
	if opts.Mappings == nil || opts.Files == nil {
		return nil, ErrInvalidInput
	}
	similarity := opts.Similarity
	if similarity == nil {
		similarity = DefaultSimilarity
	}
	threshold := opts.SimilarityThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = defaultSimilarityThreshold
	}
	return &RecoveryEngine{
		mappings:   opts.Mappings,
		files:      opts.Files,
		store:      opts.Store,
		resolver:   opts.Resolver,
		similarity: similarity,
		threshold:  threshold,
		logger:     opts.Logger,
	}, nil
}

// Reconcile checks every mapping against the vault and repairs the
// orphaned ones. A file claimed by one mapping in this pass (or owned by
// an intact mapping) is excluded from later candidate sets, so two orphans
// never relink to the same file.
func (e *RecoveryEngine) Reconcile(ctx context.Context) (*RecoveryReport, error) {
	allFiles, err := e.files.List()
	if err != nil {
		return nil, &IOError{Op: "list vault", Err: err}
	}
	mappings := e.mappings.All()
	report := &RecoveryReport{Scanned: len(mappings)}

	claimed := map[string]bool{}
	var orphans []Mapping
	for _, m := range mappings {
		if e.files.Exists(m.LocalPath) {
			claimed[m.LocalPath] = true
			continue
		}
		orphans = append(orphans, m)
	}
	report.Orphaned = len(orphans)

	for _, m := range orphans {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		free := unclaimedFiles(allFiles, claimed)
		newPath, strategy, ok := e.match(ctx, m, free)
		if ok {
			if err := e.relink(m, newPath, strategy, claimed, report); err != nil {
				e.logf("reconcile %s: relink to %s failed: %v", m.DocumentID, newPath, err)
				report.Unresolved = append(report.Unresolved, m)
			}
			continue
		}
		e.resolveManually(ctx, m, claimed, report)
	}
	return report, nil
}

// match runs the automatic strategies in order; the first success wins.
func (e *RecoveryEngine) match(ctx context.Context, m Mapping, free []string) (string, Strategy, bool) {
	// Both names the mapping has gone by are acceptable basenames: the
	// missing current path and the pre-rename one kept for recovery.
	wantBases := map[string]bool{}
	if m.LocalPath != "" {
		wantBases[stripExt(path.Base(m.LocalPath))] = true
	}
	if m.LastKnownPath != "" {
		wantBases[stripExt(path.Base(m.LastKnownPath))] = true
	}
	var byBasename []string
	for _, candidate := range free {
		if wantBases[stripExt(path.Base(candidate))] {
			byBasename = append(byBasename, candidate)
		}
	}
	if len(byBasename) == 1 {
		return byBasename[0], StrategyBasename, true
	}

	// Zero or multiple basename candidates: the content and identifier
	// layers consider every free file, not just the basename twins.
	candidates := free

	var reference []byte
	if e.store != nil {
		if data, err := e.store.Read(ctx, ContentKey(m.TeamID, m.DocumentID)); err == nil {
			reference = data
		}
	}

	bestPath := ""
	bestScore := 0.0
	for _, candidate := range candidates {
		content, err := e.files.Read(candidate)
		if err != nil {
			continue
		}
		if m.LastSyncedHash != "" && hashBytes(content) == m.LastSyncedHash {
			return candidate, StrategyContentHash, true
		}
		score := e.similarity(m, reference, content)
		if score > bestScore {
			bestScore = score
			bestPath = candidate
		}
	}
	if bestPath != "" && bestScore > e.threshold {
		return bestPath, StrategySimilarity, true
	}

	for _, candidate := range candidates {
		content, err := e.files.Read(candidate)
		if err != nil {
			continue
		}
		if id, ok := frontmatter.ReadID(content); ok && id == m.DocumentID {
			return candidate, StrategyIdentifier, true
		}
	}
	return "", "", false
}

func (e *RecoveryEngine) resolveManually(ctx context.Context, m Mapping, claimed map[string]bool, report *RecoveryReport) {
	if e.resolver == nil {
		e.logf("reconcile %s: no strategy matched and no resolver wired", m.DocumentID)
		report.Unresolved = append(report.Unresolved, m)
		return
	}
	resolution, err := e.resolver.Resolve(ctx, m, e.fetchMetadata(ctx, m))
	if err != nil {
		e.logf("reconcile %s: resolver failed: %v", m.DocumentID, err)
		report.Unresolved = append(report.Unresolved, m)
		return
	}
	switch resolution.Action {
	case ResolveRelink:
		if resolution.Path == "" || !e.files.Exists(resolution.Path) || claimed[resolution.Path] {
			e.logf("reconcile %s: resolver chose unusable path %q", m.DocumentID, resolution.Path)
			report.Unresolved = append(report.Unresolved, m)
			return
		}
		if err := e.relink(m, resolution.Path, StrategyManual, claimed, report); err != nil {
			e.logf("reconcile %s: manual relink failed: %v", m.DocumentID, err)
			report.Unresolved = append(report.Unresolved, m)
		}
	case ResolveRecreate:
		target, err := e.recreate(ctx, m, resolution.Path)
		if err != nil {
			e.logf("reconcile %s: recreate failed: %v", m.DocumentID, err)
			report.Unresolved = append(report.Unresolved, m)
			return
		}
		if err := e.relink(m, target, StrategyManual, claimed, report); err != nil {
			e.logf("reconcile %s: relink after recreate failed: %v", m.DocumentID, err)
			report.Unresolved = append(report.Unresolved, m)
		}
	case ResolveAbandon:
		if err := e.mappings.Remove(m.DocumentID); err != nil {
			e.logf("reconcile %s: abandon failed: %v", m.DocumentID, err)
			report.Unresolved = append(report.Unresolved, m)
			return
		}
		report.Abandoned = append(report.Abandoned, m.DocumentID)
	default:
		report.Unresolved = append(report.Unresolved, m)
	}
}

// recreate seeds a new local file from the remote canonical content.
func (e *RecoveryEngine) recreate(ctx context.Context, m Mapping, target string) (string, error) {
	if e.store == nil {
		return "", ErrInvalidInput
	}
	content, err := e.store.Read(ctx, ContentKey(m.TeamID, m.DocumentID))
	if err != nil {
		return "", &IOError{Op: "fetch canonical content", Path: m.DocumentID, Err: err}
	}
	if target == "" {
		target = m.LastKnownPath
	}
	if target == "" {
		meta := e.fetchMetadata(ctx, m)
		if meta.SuggestedName != "" {
			target = meta.SuggestedName + ".md"
		} else {
			target = m.DocumentID + ".md"
		}
	}
	if e.files.Exists(target) {
		return "", &ConflictError{DocumentID: m.DocumentID, LocalPath: target}
	}
	if _, ok := frontmatter.ReadID(content); !ok {
		content = frontmatter.InsertID(content, m.DocumentID)
	}
	if err := e.files.Write(target, content); err != nil {
		return "", &IOError{Op: "write", Path: target, Err: err}
	}
	return target, nil
}

// relink re-reads the target, records its hash as the synced state, and
// moves the mapping.
func (e *RecoveryEngine) relink(m Mapping, newPath string, strategy Strategy, claimed map[string]bool, report *RecoveryReport) error {
	content, err := e.files.Read(newPath)
	if err != nil {
		return &IOError{Op: "read", Path: newPath, Err: err}
	}
	if err := e.mappings.UpdatePath(m.DocumentID, newPath); err != nil {
		return err
	}
	if err := e.mappings.UpdateHash(m.DocumentID, hashBytes(content)); err != nil {
		return err
	}
	claimed[newPath] = true
	report.Relinked = append(report.Relinked, Relink{
		DocumentID: m.DocumentID,
		OldPath:    m.LocalPath,
		NewPath:    newPath,
		Strategy:   strategy,
	})
	return nil
}

func (e *RecoveryEngine) fetchMetadata(ctx context.Context, m Mapping) DocumentMetadata {
	meta := DocumentMetadata{DocumentID: m.DocumentID}
	if e.store == nil {
		return meta
	}
	data, err := e.store.Read(ctx, MetadataKey(m.TeamID, m.DocumentID))
	if err != nil {
		return meta
	}
	_ = json.Unmarshal(data, &meta)
	return meta
}

func (e *RecoveryEngine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func unclaimedFiles(all []string, claimed map[string]bool) []string {
	free := make([]string, 0, len(all))
	for _, f := range all {
		if !claimed[f] {
			free = append(free, f)
		}
	}
	sort.Strings(free)
	return free
}

func stripExt(base string) string {
	ext := path.Ext(base)
	return strings.TrimSuffix(base, ext)
}

// DefaultSimilarity is the stock content-matching heuristic: presence of
// the document identifier in the candidate carries the most weight, then
// line overlap with the canonical content, then line-count proximity.
func DefaultSimilarity(mapping Mapping, reference, candidate []byte) float64 {
	score := 0.0
	if mapping.DocumentID != "" && bytes.Contains(candidate, []byte(mapping.DocumentID)) {
		score += 0.5
	}
	if len(reference) == 0 {
		return score
	}
	refLines := splitLines(string(reference))
	candLines := splitLines(string(candidate))
	score += 0.35 * lineOverlap(refLines, candLines)
	score += 0.15 * lengthRatio(len(refLines), len(candLines))
	return score
}

func splitLines(s string) []string {
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}

// lineOverlap is the Jaccard index over the distinct non-blank lines of
// the two documents.
func lineOverlap(a, b []string) float64 {
	setA := map[string]bool{}
	for _, line := range a {
		if strings.TrimSpace(line) != "" {
			setA[line] = true
		}
	}
	setB := map[string]bool{}
	for _, line := range b {
		if strings.TrimSpace(line) != "" {
			setB[line] = true
		}
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	shared := 0
	for line := range setA {
		if setB[line] {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func lengthRatio(a, b int) float64 {
	if a == 0 && b == 0 {
		return 1
	}
	if a == 0 || b == 0 {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return float64(a) / float64(b)
}
