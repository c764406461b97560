package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/pkg/models"
)

// VectorStore wraps an embedded chromem database with one collection per
// user and namespace. It is shared by memory recall and playbook matching.
type VectorStore struct {
	db        *chromem.DB
	namespace string
	embed     chromem.EmbeddingFunc

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// EmbeddingFromConfig builds the embedding function the configuration
// names. The default keeps everything local through Ollama.
func EmbeddingFromConfig(cfg config.EmbeddingsConfig) chromem.EmbeddingFunc {
	switch cfg.Provider {
	case "openai":
		if cfg.BaseURL != "" {
			return chromem.NewEmbeddingFuncOpenAICompat(cfg.BaseURL, cfg.APIKey, cfg.Model, nil)
		}
		return chromem.NewEmbeddingFuncOpenAI(cfg.APIKey, chromem.EmbeddingModelOpenAI(cfg.Model))
	default:
		return chromem.NewEmbeddingFuncOllama(cfg.Model, cfg.BaseURL)
	}
}

// NewVectorStore opens (or creates) a persistent store under dir. An empty
// dir keeps everything in memory, which tests use. A nil embed falls back
// to a function that rejects every call, so callers must pass one for any
// store that will see real traffic.
func NewVectorStore(dir, namespace string, embed chromem.EmbeddingFunc) (*VectorStore, error) {
	if embed == nil {
		embed = func(ctx context.Context, text string) ([]float32, error) {
			return nil, fmt.Errorf("no embedding function configured")
		}
	}
	var db *chromem.DB
	var err error
	if dir == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store %s: %w", dir, err)
		}
	}
	return &VectorStore{
		db:          db,
		namespace:   namespace,
		embed:       embed,
		collections: map[string]*chromem.Collection{},
	}, nil
}

// collectionName derives a chromem-safe name from the namespace and user
// id. User ids are free-form, so they are hashed rather than sanitised.
func (v *VectorStore) collectionName(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return v.namespace + "-" + hex.EncodeToString(sum[:])[:16]
}

func (v *VectorStore) collection(userID string) (*chromem.Collection, error) {
	name := v.collectionName(userID)
	v.mu.Lock()
	defer v.mu.Unlock()
	if col, ok := v.collections[name]; ok {
		return col, nil
	}
	col, err := v.db.GetOrCreateCollection(name, map[string]string{"user": userID}, v.embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", name, err)
	}
	v.collections[name] = col
	return col, nil
}

// Add indexes one fragment for semantic recall.
func (v *VectorStore) Add(ctx context.Context, f *models.MemoryFragment) error {
	col, err := v.collection(f.UserID)
	if err != nil {
		return err
	}
	meta := map[string]string{
		"category":   f.Category,
		"source":     f.Source,
		"created_at": f.CreatedAt.UTC().Format(time.RFC3339),
	}
	doc := chromem.Document{ID: f.ID, Content: f.Content, Metadata: meta}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("index fragment %s: %w", f.ID, err)
	}
	return nil
}

// Upsert replaces any existing document with the same id. Delete-then-add
// keeps stale duplicates out after a regeneration.
func (v *VectorStore) Upsert(ctx context.Context, f *models.MemoryFragment) error {
	col, err := v.collection(f.UserID)
	if err != nil {
		return err
	}
	// Deleting a missing id is a no-op in chromem.
	_ = col.Delete(ctx, nil, nil, f.ID)
	return v.Add(ctx, f)
}

// Delete removes one document by id.
func (v *VectorStore) Delete(ctx context.Context, userID, id string) error {
	col, err := v.collection(userID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete fragment %s: %w", id, err)
	}
	return nil
}

// Search returns the nearest fragments to the query, scored by cosine
// similarity in [0,1].
func (v *VectorStore) Search(ctx context.Context, userID, query string, k int) ([]models.MemoryHit, error) {
	col, err := v.collection(userID)
	if err != nil {
		return nil, err
	}
	// chromem rejects nResults above the collection size.
	if count := col.Count(); k > count {
		k = count
	}
	if k <= 0 {
		return nil, nil
	}
	results, err := col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	hits := make([]models.MemoryHit, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		created, _ := time.Parse(time.RFC3339, r.Metadata["created_at"])
		hits = append(hits, models.MemoryHit{
			Fragment: models.MemoryFragment{
				ID:        r.ID,
				UserID:    userID,
				Content:   r.Content,
				Category:  r.Metadata["category"],
				Source:    r.Metadata["source"],
				CreatedAt: created,
			},
			Score:  score,
			Origin: "vector",
		})
	}
	return hits, nil
}
