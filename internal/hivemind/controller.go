package hivemind

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/hivemindhq/hivemind/internal/frontmatter"
)

type ControllerOptions struct {
	Mappings *MappingStore
	Files    FileTree
	Store    ContentStore
	// QuietWindow is passed to the controller-owned orchestrator.
	QuietWindow time.Duration
	// Resolver is handed to the recovery engine for manual resolution.
	Resolver Resolver
	// Similarity overrides the recovery engine's content heuristic.
	Similarity SimilarityFunc
	Logger     Logger
	// User is recorded as the creator in published document metadata.
	User string
}

// Controller composes the mapping store, orchestrator, and recovery engine
// with the remote store's read/write/subscribe primitives into end-to-end
// two-way sync.
type Controller struct {
	mappings     *MappingStore
	files        FileTree
	store        ContentStore
	orchestrator *Orchestrator
	recovery     *RecoveryEngine
	subs         *subscriptionRegistry
	logger       Logger
	user         string
}

func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Mappings == nil || opts.Files == nil || opts.Store == nil {
		return nil, ErrInvalidInput
	}
	c := &Controller{
		mappings: opts.Mappings,
		files:    opts.Files,
		store:    opts.Store,
		subs:     newSubscriptionRegistry(),
		logger:   opts.Logger,
		user:     strings.TrimSpace(opts.User),
	}
	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Mappings:    opts.Mappings,
		Files:       opts.Files,
		Flush:       c.pushContent,
		QuietWindow: opts.QuietWindow,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.orchestrator = orchestrator
	recovery, err := NewRecoveryEngine(RecoveryEngineOptions{
		Mappings:   opts.Mappings,
		Files:      opts.Files,
		Store:      opts.Store,
		Resolver:   opts.Resolver,
		Similarity: opts.Similarity,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.recovery = recovery
	return c, nil
}

// Orchestrator exposes the event entry points for the surrounding watcher
// or editor surface.
func (c *Controller) Orchestrator() *Orchestrator {
	return c.orchestrator
}

// Mappings exposes the mapping table operations to the command layer.
func (c *Controller) Mappings() *MappingStore {
	return c.mappings
}

// Share turns the local file at path into a team-shared document: mints
// the identifier, embeds it in the file's metadata block, pushes the
// content and a metadata record, and subscribes to remote changes.
func (c *Controller) Share(ctx context.Context, filePath, teamID string) (string, error) {
	documentID, err := c.mappings.Create(filePath, teamID)
	if err != nil {
		return "", err
	}
	content, err := c.files.Read(filePath)
	if err != nil {
		_ = c.mappings.Remove(documentID)
		return "", &IOError{Op: "read", Path: filePath, Err: err}
	}
	tagged := frontmatter.InsertID(content, documentID)
	// The tag write is self-inflicted; the next modify event for this
	// path must not be pushed as an independent edit.
	c.orchestrator.MarkIgnored(filePath)
	if err := c.files.Write(filePath, tagged); err != nil {
		_ = c.mappings.Remove(documentID)
		return "", &IOError{Op: "write", Path: filePath, Err: err}
	}
	if err := c.store.Write(ctx, ContentKey(teamID, documentID), tagged); err != nil {
		// Roll the vault back too: a failed share must not leave the tag
		// embedded in the local file.
		c.orchestrator.MarkIgnored(filePath)
		if restoreErr := c.files.Write(filePath, content); restoreErr != nil {
			c.logf("share %s: rollback restore failed: %v", filePath, restoreErr)
		}
		_ = c.mappings.Remove(documentID)
		return "", &IOError{Op: "push content", Path: filePath, Err: err}
	}
	if err := c.publishMetadata(ctx, teamID, documentID, filePath); err != nil {
		c.logf("share %s: metadata publish failed: %v", filePath, err)
	}
	if err := c.mappings.UpdateHash(documentID, hashBytes(tagged)); err != nil {
		c.logf("share %s: hash update failed: %v", filePath, err)
	}
	if err := c.subscribe(ctx, teamID, documentID); err != nil {
		c.logf("share %s: subscribe failed: %v", filePath, err)
	}
	return documentID, nil
}

// Join maps an existing shared document to localPath, seeds the file from
// the remote canonical content, and subscribes.
func (c *Controller) Join(ctx context.Context, documentID, teamID, localPath string) error {
	if err := c.mappings.Join(documentID, teamID, localPath); err != nil {
		return err
	}
	content, err := c.store.Read(ctx, ContentKey(teamID, documentID))
	if err != nil {
		_ = c.mappings.Remove(documentID)
		return &IOError{Op: "fetch content", Path: documentID, Err: err}
	}
	if _, ok := frontmatter.ReadID(content); !ok {
		content = frontmatter.InsertID(content, documentID)
	}
	c.orchestrator.MarkIgnored(localPath)
	if err := c.files.Write(localPath, content); err != nil {
		_ = c.mappings.Remove(documentID)
		return &IOError{Op: "write", Path: localPath, Err: err}
	}
	if err := c.mappings.UpdateHash(documentID, hashBytes(content)); err != nil {
		c.logf("join %s: hash update failed: %v", documentID, err)
	}
	if err := c.subscribe(ctx, teamID, documentID); err != nil {
		c.logf("join %s: subscribe failed: %v", documentID, err)
	}
	return nil
}

// Unshare disconnects the file at path from its shared document: the
// subscription is torn down first, then the embedded tag is stripped, then
// the mapping is removed.
func (c *Controller) Unshare(ctx context.Context, filePath string) error {
	mapping, ok := c.mappings.FindByPath(filePath)
	if !ok {
		return ErrNotFound
	}
	c.subs.remove(mapping.DocumentID)
	if content, err := c.files.Read(filePath); err == nil {
		stripped := frontmatter.RemoveID(content)
		if !bytes.Equal(stripped, content) {
			c.orchestrator.MarkIgnored(filePath)
			if err := c.files.Write(filePath, stripped); err != nil {
				return &IOError{Op: "write", Path: filePath, Err: err}
			}
		}
	}
	return c.mappings.Remove(mapping.DocumentID)
}

// ResubscribeAll re-establishes subscriptions for every mapping present at
// process start. A failure for one mapping is logged and does not block
// the rest; the number of live subscriptions is returned.
func (c *Controller) ResubscribeAll(ctx context.Context) int {
	subscribed := 0
	for _, m := range c.mappings.All() {
		if err := c.subscribe(ctx, m.TeamID, m.DocumentID); err != nil {
			c.logf("resubscribe %s: %v", m.DocumentID, err)
			continue
		}
		subscribed++
	}
	return subscribed
}

// Reconcile runs one recovery pass and re-subscribes any mapping it
// relinked or recreated.
func (c *Controller) Reconcile(ctx context.Context) (*RecoveryReport, error) {
	report, err := c.recovery.Reconcile(ctx)
	if report != nil {
		for _, relink := range report.Relinked {
			if m, ok := c.mappings.FindByID(relink.DocumentID); ok {
				if subErr := c.subscribe(ctx, m.TeamID, m.DocumentID); subErr != nil {
					c.logf("reconcile %s: resubscribe failed: %v", m.DocumentID, subErr)
				}
			}
		}
		for _, documentID := range report.Abandoned {
			c.subs.remove(documentID)
		}
	}
	return report, err
}

// Close tears down every subscription and cancels pending flushes.
func (c *Controller) Close() {
	c.subs.clear()
	c.orchestrator.Close()
}

func (c *Controller) subscribe(ctx context.Context, teamID, documentID string) error {
	unsubscribe, err := c.store.Subscribe(ctx, ContentKey(teamID, documentID), func(data []byte) {
		c.applyRemote(documentID, data)
	})
	if err != nil {
		return err
	}
	c.subs.add(documentID, unsubscribe)
	return nil
}

// applyRemote brings the local file up to date with remote content. The
// comparison is by value, not hash, so a hash collision can never mask a
// legitimate difference.
func (c *Controller) applyRemote(documentID string, data []byte) {
	mapping, ok := c.mappings.FindByID(documentID)
	if !ok {
		c.logf("remote update for unmapped document %s dropped", documentID)
		return
	}
	local, err := c.files.Read(mapping.LocalPath)
	if err != nil {
		c.logf("remote update %s: local read failed, leaving for reconciliation: %v", documentID, err)
		return
	}
	if bytes.Equal(local, data) {
		return
	}
	c.orchestrator.MarkIgnored(mapping.LocalPath)
	if err := c.files.Write(mapping.LocalPath, data); err != nil {
		c.logf("remote update %s: local write failed: %v", documentID, err)
		return
	}
	if err := c.mappings.UpdateHash(documentID, hashBytes(data)); err != nil {
		c.logf("remote update %s: hash update failed: %v", documentID, err)
	}
}

// pushContent is the orchestrator's flush target.
func (c *Controller) pushContent(ctx context.Context, mapping Mapping, content []byte) error {
	return c.store.Write(ctx, ContentKey(mapping.TeamID, mapping.DocumentID), content)
}

func (c *Controller) publishMetadata(ctx context.Context, teamID, documentID, filePath string) error {
	mapping, _ := c.mappings.FindByID(documentID)
	meta := DocumentMetadata{
		DocumentID:    documentID,
		SuggestedName: stripExt(path.Base(filePath)),
		CreatedBy:     c.user,
		CreatedAt:     mapping.SharedAt,
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return c.store.Write(ctx, MetadataKey(teamID, documentID), payload)
}

func (c *Controller) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
