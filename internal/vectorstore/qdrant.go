package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"github.com/knoguchi/scout/internal/embedder"
)

const (
	// DefaultCollection is the collection holding every project's chunks.
	DefaultCollection = "scout_chunks"

	// DefaultMMRFetchK is the minimum candidate pool for MMR selection.
	DefaultMMRFetchK = 20

	// DefaultMMRLambda weights relevance against diversity.
	DefaultMMRLambda = 0.5
)

// pointsClient is the subset of *qdrant.Client used by QdrantStore.
type pointsClient interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	CreateFieldIndex(ctx context.Context, request *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Scroll(ctx context.Context, request *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, error)
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	Close() error
}

// QdrantStore implements VectorStore using Qdrant. Queries are embedded with
// the configured embedder before searching.
type QdrantStore struct {
	client     pointsClient
	embedder   embedder.Embedder
	collection string
	mmrFetchK  int
	mmrLambda  float32
}

// Option configures a QdrantStore.
type Option func(*QdrantStore)

// WithCollection sets the collection name.
func WithCollection(name string) Option {
	return func(s *QdrantStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithMMR sets the minimum candidate pool and the relevance weight for MMR.
func WithMMR(fetchK int, lambda float32) Option {
	return func(s *QdrantStore) {
		s.mmrFetchK = fetchK
		s.mmrLambda = lambda
	}
}

// NewQdrantStore creates a new Qdrant vector store client
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(url string, emb embedder.Embedder, opts ...Option) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return newQdrantStore(client, emb, opts...), nil
}

func newQdrantStore(client pointsClient, emb embedder.Embedder, opts ...Option) *QdrantStore {
	s := &QdrantStore{
		client:     client,
		embedder:   emb,
		collection: DefaultCollection,
		mmrFetchK:  DefaultMMRFetchK,
		mmrLambda:  DefaultMMRLambda,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Ping checks that Qdrant answers health checks.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

// EnsureCollection creates the collection sized for the embedder, plus
// payload indexes for the fields used in filters.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.embedder.Dimension()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	indexes := map[string]qdrant.FieldType{
		fieldProjectID: qdrant.FieldType_FieldTypeKeyword,
		fieldFileID:    qdrant.FieldType_FieldTypeKeyword,
		fieldIdx:       qdrant.FieldType_FieldTypeInteger,
	}
	for field, typ := range indexes {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      typ.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to index payload field %s: %w", field, err)
		}
	}
	return nil
}

// Upsert inserts or updates points.
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: map[string]*qdrant.Value{
				fieldProjectID: qdrant.NewValueString(p.ProjectID),
				fieldFileID:    qdrant.NewValueString(p.FileID),
				fieldIdx:       qdrant.NewValueInt(int64(p.Idx)),
				fieldPageNum:   qdrant.NewValueInt(int64(p.PageNum)),
				fieldText:      qdrant.NewValueString(p.Text),
			},
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// DeleteProject removes every point of a project.
func (s *QdrantStore) DeleteProject(ctx context.Context, projectID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{qdrant.NewMatch(fieldProjectID, projectID)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete project points: %w", err)
	}
	return nil
}

// SimilaritySearch returns the k nearest chunks to query.
func (s *QdrantStore) SimilaritySearch(ctx context.Context, query string, k int, filter Filter) ([]Extract, error) {
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return s.search(ctx, vector, k, filter, nil, false)
}

// SimilaritySearchWithScores returns up to k chunks scoring at least threshold.
func (s *QdrantStore) SimilaritySearchWithScores(ctx context.Context, query string, k int, filter Filter, threshold float32) ([]Extract, error) {
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return s.search(ctx, vector, k, filter, qdrant.PtrOf(threshold), false)
}

// MaxMarginalRelevanceSearch fetches max(2k, fetchK) nearest chunks with their
// stored vectors and keeps k by maximal marginal relevance.
func (s *QdrantStore) MaxMarginalRelevanceSearch(ctx context.Context, query string, k int, filter Filter) ([]Extract, error) {
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	pool, err := s.search(ctx, vector, max(2*k, s.mmrFetchK), filter, nil, true)
	if err != nil {
		return nil, err
	}
	if len(pool) <= 1 {
		return pool, nil
	}

	vectors := make([][]float32, len(pool))
	for i, e := range pool {
		vectors[i] = e.Vector
	}

	picked := maximalMarginalRelevance(vector, vectors, k, s.mmrLambda)
	out := make([]Extract, len(picked))
	for i, idx := range picked {
		out[i] = pool[idx]
	}
	return out, nil
}

// GetChunk returns the chunk at position idx of a file, or nil when absent.
func (s *QdrantStore) GetChunk(ctx context.Context, fileID string, idx int) (*Extract, error) {
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(fieldFileID, fileID),
				qdrant.NewMatchInt(fieldIdx, int64(idx)),
			},
		},
		Limit:       qdrant.PtrOf(uint32(1)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up chunk %s#%d: %w", fileID, idx, err)
	}
	if len(points) == 0 {
		return nil, nil
	}
	e := extractFromPayload(points[0].GetId().GetUuid(), points[0].GetPayload())
	return &e, nil
}

func (s *QdrantStore) search(ctx context.Context, vector []float32, limit int, filter Filter, threshold *float32, withVectors bool) ([]Extract, error) {
	req := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: threshold,
	}
	if withVectors {
		req.WithVectors = qdrant.NewWithVectors(true)
	}
	if filter.ProjectID != "" {
		req.Filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(fieldProjectID, filter.ProjectID)},
		}
	}

	response, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]Extract, 0, len(response))
	for _, point := range response {
		e := extractFromPayload(point.GetId().GetUuid(), point.GetPayload())
		e.Score = point.GetScore()
		e.Vector = denseVector(point.GetVectors())
		results = append(results, e)
	}
	return results, nil
}

// denseVector returns the unnamed dense vector of a point, or nil.
func denseVector(v *qdrant.VectorsOutput) []float32 {
	out := v.GetVector()
	if d := out.GetDense(); d != nil {
		return d.GetData()
	}
	// older servers fill the flat field
	return out.GetData()
}

func extractFromPayload(id string, payload map[string]*qdrant.Value) Extract {
	e := Extract{ID: id, Idx: -1}
	if v, ok := payload[fieldProjectID]; ok {
		e.ProjectID = v.GetStringValue()
	}
	if v, ok := payload[fieldFileID]; ok {
		e.FileID = v.GetStringValue()
	}
	if v, ok := payload[fieldIdx]; ok {
		e.Idx = int(v.GetIntegerValue())
	}
	if v, ok := payload[fieldPageNum]; ok {
		e.PageNum = int(v.GetIntegerValue())
	}
	if v, ok := payload[fieldText]; ok {
		e.Text = v.GetStringValue()
	}
	return e
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
