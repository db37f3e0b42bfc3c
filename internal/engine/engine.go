package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meshval/internal/analyzer"
	"meshval/internal/config"
	"meshval/internal/ctxlog"
	"meshval/internal/depgraph"
	"meshval/internal/domain"
	"meshval/internal/events"
	"meshval/internal/repo"
	"meshval/internal/specfile"
)

var (
	// ErrInvalidSpec is returned when an operation needs a valid spec and
	// the latest validation found blocking diagnostics.
	ErrInvalidSpec = errors.New("spec is invalid")
	// ErrNotValidated is returned when no validation run exists for the
	// current version of a spec.
	ErrNotValidated = errors.New("spec has not been validated")
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
	Results *ResultCache
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Now:     time.Now,
		Results: NewResultCache(cfg.Server.CacheSize),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) analyzer() analyzer.Analyzer {
	a := analyzer.Analyzer{}
	if e.Config != nil {
		a.MaxDepth = e.Config.Validation.MaxDepth
		a.Strict = e.Config.Validation.Strict
		a.Presets = e.Config.Validation.Presets
	}
	return a
}

// Report is one validation run together with its result.
type Report struct {
	Run    domain.ValidationRun `json:"run"`
	Result *analyzer.Result     `json:"result"`
	Cached bool                 `json:"cached"`
}

// analyze runs every phase over doc, reusing a cached result when the same
// document was validated with the same settings.
func (e Engine) analyze(ctx context.Context, doc any) (*analyzer.Result, bool, time.Duration, error) {
	a := e.analyzer()
	root, ok := doc.(map[string]any)
	if !ok {
		_, err := a.Validate(doc)
		return nil, false, 0, err
	}
	fp := analyzer.Fingerprint(root)
	key := resultKey(a, fp)
	if fp == "" {
		key = ""
	}
	if res, ok := e.Results.get(key); ok {
		ctxlog.FromContext(ctx).Debug("validation result cache hit", "fingerprint", res.Fingerprint)
		return res, true, 0, nil
	}
	start := time.Now()
	res, err := a.Validate(root)
	if err != nil {
		return nil, false, 0, err
	}
	elapsed := time.Since(start)
	if key != "" {
		e.Results.add(key, res)
	}
	ctxlog.FromContext(ctx).Debug("validated document",
		"fingerprint", res.Fingerprint, "valid", res.Valid,
		"errors", len(res.Errors), "warnings", len(res.Warnings),
		"cache_hits", res.Stats.Hits, "cache_misses", res.Stats.Misses,
		"duration", elapsed)
	return res, false, elapsed, nil
}

// ValidateDocument validates a document that is not stored and records
// the run.
func (e Engine) ValidateDocument(ctx context.Context, doc any, actorID string) (Report, error) {
	return e.validate(ctx, doc, "", 0, actorID)
}

// ValidateSpec validates a stored spec version (0 for the current one) and
// records the run.
func (e Engine) ValidateSpec(ctx context.Context, specID string, version int, actorID string) (Report, error) {
	v, doc, err := e.loadVersion(ctx, specID, version)
	if err != nil {
		return Report{}, err
	}
	return e.validate(ctx, doc, v.SpecID, v.Version, actorID)
}

func (e Engine) validate(ctx context.Context, doc any, specID string, version int, actorID string) (Report, error) {
	res, cached, elapsed, err := e.analyze(ctx, doc)
	if err != nil {
		return Report{}, err
	}
	body, err := json.Marshal(res)
	if err != nil {
		return Report{}, fmt.Errorf("marshal result: %w", err)
	}
	run := domain.ValidationRun{
		ID:           uuid.New().String(),
		SpecID:       specID,
		Version:      version,
		Fingerprint:  res.Fingerprint,
		Valid:        res.Valid,
		ErrorCount:   len(res.Errors),
		WarningCount: len(res.Warnings),
		CacheHits:    res.Stats.Hits,
		CacheMisses:  res.Stats.Misses,
		DurationMS:   elapsed.Milliseconds(),
		Result:       body,
		ActorID:      actorIDOrDefault(actorID),
		CreatedAt:    e.timestamp(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Report{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return Report{}, fmt.Errorf("insert validation run: %w", err)
	}
	payload := events.EventPayload{
		"valid":       run.Valid,
		"errors":      run.ErrorCount,
		"warnings":    run.WarningCount,
		"fingerprint": run.Fingerprint,
		"cached":      cached,
	}
	if version > 0 {
		payload["version"] = version
	}
	if err := e.Events.Append(ctx, tx, events.SpecValidated, specID, events.KindRun, run.ID, run.ActorID, payload); err != nil {
		return Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return Report{}, err
	}
	ctxlog.FromContext(ctx).Info("validation run recorded", "run", run.ID, "spec", specID, "version", version, "valid", run.Valid)
	return Report{Run: run, Result: res, Cached: cached}, nil
}

// SaveSpec stores doc as the next version of specID. Saving content equal
// to the current version is a no-op reported with created=false. Invalid
// documents are stored; validity is checked by ValidateSpec.
func (e Engine) SaveSpec(ctx context.Context, specID string, doc any, actorID string) (domain.SpecVersion, bool, error) {
	root, ok := doc.(map[string]any)
	if !ok {
		return domain.SpecVersion{}, false, fmt.Errorf("%w: got %T", analyzer.ErrNotMapping, doc)
	}
	body, err := specfile.Canonical(root)
	if err != nil {
		return domain.SpecVersion{}, false, fmt.Errorf("encode spec: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SpecVersion{}, false, err
	}
	defer tx.Rollback()
	v, created, err := e.Repo.PutSpecTx(ctx, tx, domain.SpecVersion{
		SpecID:      specID,
		ContentHash: analyzer.Fingerprint(root),
		Document:    body,
		ActorID:     actorIDOrDefault(actorID),
		CreatedAt:   e.timestamp(),
	})
	if err != nil {
		return domain.SpecVersion{}, false, err
	}
	if !created {
		return v, false, nil
	}
	if err := e.Events.Append(ctx, tx, events.SpecSaved, specID, events.KindSpec, specID, v.ActorID,
		events.EventPayload{"version": v.Version, "content_hash": v.ContentHash}); err != nil {
		return domain.SpecVersion{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SpecVersion{}, false, err
	}
	ctxlog.FromContext(ctx).Info("spec saved", "spec", specID, "version", v.Version)
	return v, true, nil
}

// GetSpec returns a stored version (0 for current) with its document.
func (e Engine) GetSpec(ctx context.Context, specID string, version int) (domain.SpecVersion, error) {
	return e.Repo.GetSpecVersion(ctx, specID, version)
}

func (e Engine) loadVersion(ctx context.Context, specID string, version int) (domain.SpecVersion, any, error) {
	v, err := e.Repo.GetSpecVersion(ctx, specID, version)
	if err != nil {
		return domain.SpecVersion{}, nil, err
	}
	doc, err := specfile.DecodeJSON(v.Document)
	if err != nil {
		return domain.SpecVersion{}, nil, fmt.Errorf("spec %s version %d: %w", specID, v.Version, err)
	}
	return v, doc, nil
}

// DeleteSpec removes a spec with its versions, backups and runs.
func (e Engine) DeleteSpec(ctx context.Context, specID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteSpecTx(ctx, tx, specID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.SpecDeleted, specID, events.KindSpec, specID, actorIDOrDefault(actorID), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ImpactReport answers "what changes if this node changes" for one spec
// version. ByKind groups the impacted node names by kind.
type ImpactReport struct {
	SpecID       string                     `json:"spec_id,omitempty"`
	Version      int                        `json:"version,omitempty"`
	Node         *depgraph.Node             `json:"node"`
	Impacted     []*depgraph.Node           `json:"impacted"`
	Dependencies []*depgraph.Node           `json:"dependencies"`
	Writers      []*depgraph.Node           `json:"writers"`
	ByKind       map[depgraph.Kind][]string `json:"by_kind"`
}

// Impact computes the impact of ref in a stored spec version.
func (e Engine) Impact(ctx context.Context, specID string, version int, ref string) (ImpactReport, error) {
	v, doc, err := e.loadVersion(ctx, specID, version)
	if err != nil {
		return ImpactReport{}, err
	}
	rep, err := e.ImpactOf(ctx, doc, ref)
	if err != nil {
		return ImpactReport{}, err
	}
	rep.SpecID, rep.Version = v.SpecID, v.Version
	return rep, nil
}

// ImpactOf computes the impact of ref in an unstored document. The graph is
// built even when the document has errors; unresolved references simply
// contribute no edges.
func (e Engine) ImpactOf(ctx context.Context, doc any, ref string) (ImpactReport, error) {
	res, _, _, err := e.analyze(ctx, doc)
	if err != nil {
		return ImpactReport{}, err
	}
	g := res.Graph
	n, err := g.Lookup(ref)
	if err != nil {
		return ImpactReport{}, err
	}
	impacted, err := g.ImpactedBy(n.ID)
	if err != nil {
		return ImpactReport{}, err
	}
	deps, err := g.DependenciesOf(n.ID)
	if err != nil {
		return ImpactReport{}, err
	}
	writers, err := g.Writers(n.ID)
	if err != nil {
		return ImpactReport{}, err
	}
	return ImpactReport{
		Node:         n,
		Impacted:     nonNil(impacted),
		Dependencies: nonNil(deps),
		Writers:      nonNil(writers),
		ByKind:       depgraph.GroupByKind(impacted),
	}, nil
}

func nonNil(ns []*depgraph.Node) []*depgraph.Node {
	if ns == nil {
		return []*depgraph.Node{}
	}
	return ns
}

// Backup snapshots the current version of a spec under label and prunes
// backups beyond the configured limit.
func (e Engine) Backup(ctx context.Context, specID, label, actorID string) (domain.Backup, error) {
	v, err := e.Repo.GetSpecVersion(ctx, specID, 0)
	if err != nil {
		return domain.Backup{}, err
	}
	now := e.timestamp()
	if label == "" {
		label = fmt.Sprintf("v%d %s", v.Version, now)
	}
	b := domain.Backup{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(specID+"|"+v.ContentHash+"|"+label+"|"+now)).String(),
		SpecID:      specID,
		Version:     v.Version,
		Label:       label,
		ContentHash: v.ContentHash,
		Document:    v.Document,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Backup{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBackupTx(ctx, tx, b); err != nil {
		return domain.Backup{}, fmt.Errorf("insert backup: %w", err)
	}
	keep := 0
	if e.Config != nil {
		keep = e.Config.Storage.MaxBackups
	}
	pruned, err := e.Repo.PruneBackupsTx(ctx, tx, specID, keep)
	if err != nil {
		return domain.Backup{}, fmt.Errorf("prune backups: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.SpecBackedUp, specID, events.KindBackup, b.ID, actorIDOrDefault(actorID),
		events.EventPayload{"version": b.Version, "label": b.Label, "pruned": pruned}); err != nil {
		return domain.Backup{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Backup{}, err
	}
	return b, nil
}

// Restore makes a backup's document the newest version of its spec.
// Restoring content equal to the current version adds no version.
func (e Engine) Restore(ctx context.Context, specID, backupID, actorID string) (domain.SpecVersion, error) {
	b, err := e.Repo.GetBackup(ctx, specID, backupID)
	if err != nil {
		return domain.SpecVersion{}, err
	}
	actor := actorIDOrDefault(actorID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SpecVersion{}, err
	}
	defer tx.Rollback()
	v, created, err := e.Repo.PutSpecTx(ctx, tx, domain.SpecVersion{
		SpecID:      specID,
		ContentHash: b.ContentHash,
		Document:    b.Document,
		ActorID:     actor,
		CreatedAt:   e.timestamp(),
	})
	if err != nil {
		return domain.SpecVersion{}, err
	}
	if err := e.Events.Append(ctx, tx, events.SpecRestored, specID, events.KindSpec, specID, actor,
		events.EventPayload{"backup_id": b.ID, "from_version": b.Version, "version": v.Version, "new_version": created}); err != nil {
		return domain.SpecVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SpecVersion{}, err
	}
	return v, nil
}

// History is everything recorded about one spec.
type History struct {
	Spec     domain.Spec            `json:"spec"`
	Versions []domain.SpecVersion   `json:"versions"`
	Backups  []domain.Backup        `json:"backups"`
	Runs     []domain.ValidationRun `json:"runs"`
}

func (e Engine) History(ctx context.Context, specID string, runLimit int) (History, error) {
	s, err := e.Repo.GetSpec(ctx, specID)
	if err != nil {
		return History{}, err
	}
	versions, err := e.Repo.ListVersions(ctx, specID)
	if err != nil {
		return History{}, err
	}
	backups, err := e.Repo.ListBackups(ctx, specID)
	if err != nil {
		return History{}, err
	}
	runs, err := e.Repo.ListRuns(ctx, specID, runLimit)
	if err != nil {
		return History{}, err
	}
	return History{Spec: s, Versions: versions, Backups: backups, Runs: runs}, nil
}

// GenerateGate is the contract for code and test generators: it returns
// the latest run of the current version and fails unless that run is
// valid.
func (e Engine) GenerateGate(ctx context.Context, specID string) (domain.ValidationRun, error) {
	s, err := e.Repo.GetSpec(ctx, specID)
	if err != nil {
		return domain.ValidationRun{}, err
	}
	run, err := e.Repo.LatestRun(ctx, specID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && run.Version != s.CurrentVersion) {
		return domain.ValidationRun{}, fmt.Errorf("%w: %s version %d", ErrNotValidated, specID, s.CurrentVersion)
	}
	if err != nil {
		return domain.ValidationRun{}, err
	}
	if !run.Valid {
		return run, fmt.Errorf("%w: %s version %d has %d error(s)", ErrInvalidSpec, specID, run.Version, run.ErrorCount)
	}
	return run, nil
}

func actorIDOrDefault(actorID string) string {
	if actorID == "" {
		return "local-user"
	}
	return actorID
}
