// Package vectorstore mirrors chunk embeddings into a Qdrant collection and
// serves nearest-neighbour queries from it. SQLite stays the source of truth
// for chunk text; Qdrant holds only vectors keyed by chunk id.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/hurttlocker/lectern/internal/store"
)

const (
	DefaultCollection = "lectern_chunks"
	defaultGRPCPort   = 6334
)

// ErrDimensionMismatch is returned when an existing collection was created
// for a different vector size.
var ErrDimensionMismatch = errors.New("collection vector size mismatch")

// Point is one chunk vector.
type Point struct {
	ChunkID   int64
	LectureID int64
	Vector    []float32
}

// ChunkLoader resolves chunk ids returned by Qdrant to chunk rows.
type ChunkLoader interface {
	GetChunksByIDs(ctx context.Context, ids []int64) ([]store.Chunk, error)
}

// pointsClient is the subset of *qdrant.Client the index uses.
type pointsClient interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	GetCollectionInfo(ctx context.Context, name string) (*qdrant.CollectionInfo, error)
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Close() error
}

// Config locates a Qdrant server.
type Config struct {
	URL        string // "host:port" or "http(s)://host:port"; the port is gRPC
	Collection string
	APIKey     string
}

// QdrantIndex implements search.VectorIndex on a Qdrant collection.
type QdrantIndex struct {
	client     pointsClient
	collection string
	chunks     ChunkLoader
	logger     *zap.Logger
}

// ParseAddress splits a Qdrant URL into gRPC host, port and TLS flag.
func ParseAddress(raw string) (host string, port int, useTLS bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, false, errors.New("empty qdrant url")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid qdrant url: %w", err)
	}
	host = u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port = defaultGRPCPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 {
			return "", 0, false, fmt.Errorf("invalid qdrant port %q", p)
		}
	}
	return host, port, u.Scheme == "https", nil
}

// New connects to Qdrant. The collection is not touched until
// EnsureCollection or the first query.
func New(cfg Config, chunks ChunkLoader, logger *zap.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := ParseAddress(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}
	return newIndex(client, cfg.Collection, chunks, logger), nil
}

func newIndex(client pointsClient, collection string, chunks ChunkLoader, logger *zap.Logger) *QdrantIndex {
	if collection == "" {
		collection = DefaultCollection
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QdrantIndex{
		client:     client,
		collection: collection,
		chunks:     chunks,
		logger:     logger.With(zap.String("component", "qdrant"), zap.String("collection", collection)),
	}
}

// Collection returns the collection name.
func (q *QdrantIndex) Collection() string { return q.collection }

// Close releases the gRPC connection.
func (q *QdrantIndex) Close() error { return q.client.Close() }

// EnsureCollection creates the collection with cosine distance when it is
// missing, and checks the vector size when it exists.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("vector size must be positive, got %d", dims)
	}
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("checking collection: %w", err)
	}
	if !exists {
		err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dims),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("creating collection: %w", err)
		}
		q.logger.Info("collection created", zap.Int("vector_size", dims))
		return nil
	}

	info, err := q.client.GetCollectionInfo(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("getting collection info: %w", err)
	}
	actual := vectorSize(info)
	if actual == 0 {
		return fmt.Errorf("could not determine vector size of collection %q", q.collection)
	}
	if actual != dims {
		return fmt.Errorf("%w: %q has %d, embedder produces %d", ErrDimensionMismatch, q.collection, actual, dims)
	}
	return nil
}

func vectorSize(info *qdrant.CollectionInfo) int {
	if info == nil || info.GetConfig() == nil || info.GetConfig().GetParams() == nil {
		return 0
	}
	vc := info.GetConfig().GetParams().GetVectorsConfig()
	if vc == nil || vc.GetParams() == nil {
		return 0
	}
	return int(vc.GetParams().GetSize())
}

// Upsert writes points, replacing existing vectors for the same chunk.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		if p.ChunkID <= 0 {
			return fmt.Errorf("invalid chunk id %d", p.ChunkID)
		}
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(p.ChunkID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"chunk_id":   p.ChunkID,
				"lecture_id": p.LectureID,
			}),
		})
	}
	wait := true
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         structs,
	}); err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	q.logger.Debug("upserted points", zap.Int("count", len(points)))
	return nil
}

// SearchChunkEmbeddings returns up to limit chunks nearest to vector, best
// first. Points whose chunk no longer exists in SQLite are skipped, as are
// non-positive similarities.
func (q *QdrantIndex) SearchChunkEmbeddings(ctx context.Context, vector []float32, limit int) ([]store.ChunkMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	n := uint64(limit)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &n,
	})
	if err != nil {
		return nil, fmt.Errorf("querying qdrant: %w", err)
	}

	ids := make([]int64, 0, len(scored))
	scores := make(map[int64]float64, len(scored))
	for _, sp := range scored {
		if sp.GetScore() <= 0 || sp.GetId() == nil {
			continue
		}
		id := int64(sp.GetId().GetNum())
		if id <= 0 {
			continue
		}
		if _, dup := scores[id]; dup {
			continue
		}
		ids = append(ids, id)
		scores[id] = float64(sp.GetScore())
	}
	if len(ids) == 0 {
		return nil, nil
	}

	chunks, err := q.chunks.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}
	byID := make(map[int64]store.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	out := make([]store.ChunkMatch, 0, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			q.logger.Debug("qdrant point has no chunk", zap.Int64("chunk_id", id))
			continue
		}
		out = append(out, store.ChunkMatch{Chunk: c, Score: scores[id]})
	}
	return out, nil
}
