// Package semantic is the sole owner of all Qdrant operations (the
// vector store adapter). Payloads carry
// (document_id, chunk_id, project_id, embed_version, sha256).
package semantic

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/docpipe/ingestworker/pkg/resilience"
)

// pointsClient narrows pb.PointsClient to the RPCs VectorStore actually
// calls, so test fakes only need implement those few methods instead of
// the full generated gRPC interface (which also carries Recommend,
// Discover, Query, and batch variants this adapter never uses).
type pointsClient interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Get(ctx context.Context, in *pb.GetPoints, opts ...grpc.CallOption) (*pb.GetResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
	SetPayload(ctx context.Context, in *pb.SetPayloadPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
}

// collectionsClient narrows pb.CollectionsClient to the RPCs
// VectorStore calls.
type collectionsClient interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsClient
	collections collectionsClient
	collection  string
	breaker     *resilience.Breaker
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
// Calls that exercise the network (Search, Upsert) run through a circuit
// breaker so a wedged Qdrant instance fails fast under sustained errors
// instead of letting every caller queue up on its own timeout.
func New(addr string, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		breaker:     resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}, nil
}

// NewWithClients builds a VectorStore over already-constructed gRPC
// clients, letting tests substitute fakes implementing just the narrow
// pointsClient/collectionsClient surface without dialing a real
// connection.
func NewWithClients(points pointsClient, collections collectionsClient, collection string) *VectorStore {
	return &VectorStore{
		points:      points,
		collections: collections,
		collection:  collection,
		breaker:     resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

// Close closes the underlying gRPC connection, a no-op when built via
// NewWithClients.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	d := uint64(dims)
	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     d,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

// DeleteCollection deletes the collection entirely.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: v.collection,
	})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", v.collection, err)
	}
	return nil
}

// Reset removes every point in the collection without dropping the
// collection itself — a payload-less filter matches everything.
func (v *VectorStore) Reset(ctx context.Context) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: &pb.Filter{}},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: reset collection %s: %w", v.collection, err)
	}
	return nil
}

// Count returns the number of points currently stored.
func (v *VectorStore) Count(ctx context.Context) (uint64, error) {
	exact := true
	resp, err := v.points.Count(ctx, &pb.CountPoints{
		CollectionName: v.collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("semantic: count: %w", err)
	}
	return resp.GetResult().GetCount(), nil
}

func payloadToValues(payload map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(payload))
	for k, val := range payload {
		switch tv := val.(type) {
		case string:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case int64:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
		case float64:
			out[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
		case bool:
			out[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		default:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return out
}

// Upsert stores embedding records into Qdrant. Called by the Pipeline
// Executor's Store stage.
func (v *VectorStore) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Embedding},
				},
			},
			Payload: payloadToValues(r.Payload),
		}
	}

	wait := true
	err := v.breaker.Call(ctx, func(ctx context.Context) error {
		_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: v.collection,
			Wait:           &wait,
			Points:         points,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(records), err)
	}
	return nil
}

// Update overwrites the payload of an existing point without touching its
// vector (e.g. correcting project_id after a misfiled ingest).
func (v *VectorStore) Update(ctx context.Context, pointID string, payload map[string]any) error {
	wait := true
	_, err := v.points.SetPayload(ctx, &pb.SetPayloadPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Payload:        payloadToValues(payload),
		PointsSelector: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID}}}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: update payload %s: %w", pointID, err)
	}
	return nil
}

// Get retrieves points by id.
func (v *VectorStore) Get(ctx context.Context, pointIDs []string) ([]SearchResult, error) {
	ids := make([]*pb.PointId, len(pointIDs))
	for i, id := range pointIDs {
		ids[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
	}
	withPayload := &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
	resp, err := v.points.Get(ctx, &pb.GetPoints{
		CollectionName: v.collection,
		Ids:            ids,
		WithPayload:    withPayload,
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: get: %w", err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, p := range resp.GetResult() {
		results[i] = resultFromPayload(p.GetId().GetUuid(), 0, p.GetPayload())
	}
	return results, nil
}

// GetByFilter scrolls points matching metadata filters without a query
// vector, used by the keyword and metadata-only retriever modes.
func (v *VectorStore) GetByFilter(ctx context.Context, filters map[string]string, limit uint32, offset string) ([]SearchResult, error) {
	req := &pb.ScrollPoints{
		CollectionName: v.collection,
		Limit:          &limit,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if offset != "" {
		req.Offset = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: offset}}
	}
	if len(filters) > 0 {
		must := make([]*pb.Condition, 0, len(filters))
		for k, val := range filters {
			must = append(must, fieldMatch(k, val))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := v.points.Scroll(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: scroll: %w", err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, p := range resp.GetResult() {
		results[i] = resultFromPayload(p.GetId().GetUuid(), 0, p.GetPayload())
	}
	return results, nil
}

// DeleteByDocumentID removes all points matching a document_id, used for
// re-ingestion and reindexing.
func (v *VectorStore) DeleteByDocumentID(ctx context.Context, documentID string) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{
						fieldMatch("document_id", documentID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete by document_id %s: %w", documentID, err)
	}
	return nil
}

// Search performs k-NN similarity search. Called by engine/rag.
func (v *VectorStore) Search(ctx context.Context, embedding []float32, topK int) ([]SearchResult, error) {
	return v.SearchFiltered(ctx, embedding, topK, nil)
}

// SearchFiltered performs similarity search with optional metadata filters.
func (v *VectorStore) SearchFiltered(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}

	if len(filters) > 0 {
		must := make([]*pb.Condition, 0, len(filters))
		for k, val := range filters {
			must = append(must, fieldMatch(k, val))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	var resp *pb.SearchResponse
	err := v.breaker.Call(ctx, func(ctx context.Context) error {
		r, err := v.points.Search(ctx, req)
		resp = r
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		results[i] = resultFromPayload(r.GetId().GetUuid(), r.GetScore(), r.GetPayload())
	}
	return results, nil
}

func resultFromPayload(id string, score float32, payload map[string]*pb.Value) SearchResult {
	sr := SearchResult{ID: id, Score: score, Meta: make(map[string]string)}
	for k, val := range payload {
		s := val.GetStringValue()
		switch k {
		case "content":
			sr.Content = s
		case "document_id":
			sr.DocumentID = s
		case "chunk_id":
			sr.ChunkID = s
		case "project_id":
			sr.ProjectID = s
		case "embed_version":
			sr.EmbedVersion = s
		case "sha256":
			sr.SHA256 = s
		default:
			sr.Meta[k] = s
		}
	}
	return sr
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
