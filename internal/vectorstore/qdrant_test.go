package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"

	"github.com/hurttlocker/lectern/internal/store"
)

type fakeClient struct {
	exists   bool
	size     uint64
	created  *qdrant.CreateCollection
	upserts  []*qdrant.UpsertPoints
	query    *qdrant.QueryPoints
	scored   []*qdrant.ScoredPoint
	queryErr error
	closed   bool
}

func (f *fakeClient) CollectionExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeClient) CreateCollection(_ context.Context, req *qdrant.CreateCollection) error {
	f.created = req
	f.exists = true
	return nil
}

func (f *fakeClient) GetCollectionInfo(context.Context, string) (*qdrant.CollectionInfo, error) {
	return &qdrant.CollectionInfo{
		Config: &qdrant.CollectionConfig{
			Params: &qdrant.CollectionParams{
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{Size: f.size, Distance: qdrant.Distance_Cosine}),
			},
		},
	}, nil
}

func (f *fakeClient) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.upserts = append(f.upserts, req)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeClient) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.query = req
	return f.scored, f.queryErr
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

type mapLoader map[int64]store.Chunk

func (m mapLoader) GetChunksByIDs(_ context.Context, ids []int64) ([]store.Chunk, error) {
	var out []store.Chunk
	for _, id := range ids {
		if c, ok := m[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		raw     string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{raw: "localhost:6334", host: "localhost", port: 6334},
		{raw: "http://qdrant:7000", host: "qdrant", port: 7000},
		{raw: "https://cloud.qdrant.io", host: "cloud.qdrant.io", port: defaultGRPCPort, tls: true},
		{raw: "http://:6334", host: "localhost", port: 6334},
		{raw: "", wantErr: true},
		{raw: "http://host:notaport", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			host, port, useTLS, err := ParseAddress(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAddress(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if host != tt.host || port != tt.port || useTLS != tt.tls {
				t.Fatalf("got %s:%d tls=%v, want %s:%d tls=%v", host, port, useTLS, tt.host, tt.port, tt.tls)
			}
		})
	}
}

func TestEnsureCollection(t *testing.T) {
	ctx := context.Background()

	fc := &fakeClient{}
	idx := newIndex(fc, "", nil, nil)
	if idx.Collection() != DefaultCollection {
		t.Fatalf("expected default collection, got %q", idx.Collection())
	}
	if err := idx.EnsureCollection(ctx, 384); err != nil {
		t.Fatalf("EnsureCollection create: %v", err)
	}
	if fc.created == nil || fc.created.GetVectorsConfig().GetParams().GetSize() != 384 {
		t.Fatalf("collection not created with size 384: %+v", fc.created)
	}
	if fc.created.GetVectorsConfig().GetParams().GetDistance() != qdrant.Distance_Cosine {
		t.Fatal("collection must use cosine distance")
	}

	existing := &fakeClient{exists: true, size: 384}
	idx = newIndex(existing, "c", nil, nil)
	if err := idx.EnsureCollection(ctx, 384); err != nil {
		t.Fatalf("EnsureCollection existing: %v", err)
	}
	if existing.created != nil {
		t.Fatal("existing collection must not be recreated")
	}
	if err := idx.EnsureCollection(ctx, 768); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if err := idx.EnsureCollection(ctx, 0); err == nil {
		t.Fatal("expected error for zero dims")
	}
}

func TestUpsert(t *testing.T) {
	fc := &fakeClient{}
	idx := newIndex(fc, "c", nil, nil)
	ctx := context.Background()

	if err := idx.Upsert(ctx, nil); err != nil || len(fc.upserts) != 0 {
		t.Fatalf("empty upsert should be a no-op: %v", err)
	}
	err := idx.Upsert(ctx, []Point{
		{ChunkID: 7, LectureID: 2, Vector: []float32{0.1, 0.2}},
		{ChunkID: 9, LectureID: 3, Vector: []float32{0.3, 0.4}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(fc.upserts) != 1 {
		t.Fatalf("expected one upsert call, got %d", len(fc.upserts))
	}
	req := fc.upserts[0]
	if req.GetCollectionName() != "c" || !req.GetWait() || len(req.GetPoints()) != 2 {
		t.Fatalf("unexpected upsert request: %+v", req)
	}
	p := req.GetPoints()[0]
	if p.GetId().GetNum() != 7 {
		t.Fatalf("point id = %d, want 7", p.GetId().GetNum())
	}
	if got := p.GetPayload()["lecture_id"].GetIntegerValue(); got != 2 {
		t.Fatalf("lecture_id payload = %d, want 2", got)
	}

	if err := idx.Upsert(ctx, []Point{{ChunkID: 0, Vector: []float32{1}}}); err == nil {
		t.Fatal("expected error for zero chunk id")
	}
}

func TestSearchChunkEmbeddings(t *testing.T) {
	fc := &fakeClient{scored: []*qdrant.ScoredPoint{
		{Id: qdrant.NewIDNum(3), Score: 0.91},
		{Id: qdrant.NewIDNum(99), Score: 0.85}, // chunk deleted from SQLite
		{Id: qdrant.NewIDNum(1), Score: 0.80},
		{Id: qdrant.NewIDNum(3), Score: 0.70}, // duplicate
		{Id: qdrant.NewIDNum(2), Score: -0.1},
	}}
	loader := mapLoader{
		1: {ID: 1, LectureID: 10, Content: "entropy"},
		2: {ID: 2, LectureID: 10, Content: "unrelated"},
		3: {ID: 3, LectureID: 11, Content: "mitochondria"},
	}
	idx := newIndex(fc, "c", loader, nil)

	got, err := idx.SearchChunkEmbeddings(context.Background(), []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("SearchChunkEmbeddings: %v", err)
	}
	if fc.query.GetLimit() != 5 || fc.query.GetCollectionName() != "c" {
		t.Fatalf("unexpected query: %+v", fc.query)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(got), got)
	}
	if got[0].Chunk.ID != 3 || got[1].Chunk.ID != 1 {
		t.Fatalf("order not preserved: %d, %d", got[0].Chunk.ID, got[1].Chunk.ID)
	}
	if got[0].Score < 0.9 || got[0].Chunk.Content != "mitochondria" {
		t.Fatalf("unexpected first match: %+v", got[0])
	}
}

func TestSearchChunkEmbeddings_Error(t *testing.T) {
	fc := &fakeClient{queryErr: errors.New("unavailable")}
	idx := newIndex(fc, "c", mapLoader{}, nil)
	if _, err := idx.SearchChunkEmbeddings(context.Background(), []float32{1}, 3); err == nil {
		t.Fatal("expected query error to surface")
	}
	if err := idx.Close(); err != nil || !fc.closed {
		t.Fatalf("Close: %v closed=%v", err, fc.closed)
	}
}
