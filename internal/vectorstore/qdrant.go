package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config holds connection settings for a Qdrant instance.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Client wraps gRPC connections to Qdrant's collections and points services.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// NewClient dials the Qdrant gRPC endpoint and returns a ready Client.
func NewClient(cfg Config) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// EnsureCollection creates the named collection if it does not already exist.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension uint64) error {
	_, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err == nil {
		return nil
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// Upsert inserts or updates a single point in the given collection.
func (c *Client) Upsert(ctx context.Context, collection string, id string, vector []float32, payload map[string]string) error {
	_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}}},
				Payload: toPayload(payload),
			},
		},
	})
	return err
}

// Search performs a nearest-neighbor search restricted to points whose
// payload matches every key/value pair in filter exactly. Namespace scoping
// rides on this filter; it is never optional for memory queries.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, topK uint64, filter map[string]string) ([]*SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          topK,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filter) > 0 {
		req.Filter = matchFilter(filter)
	}

	resp, err := c.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	results := make([]*SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		results = append(results, &SearchResult{
			ID:      r.Id.GetUuid(),
			Score:   r.Score,
			Payload: fromPayload(r.Payload),
		})
	}
	return results, nil
}

// Fetch retrieves a single point's payload by ID. Returns nil when the
// point does not exist.
func (c *Client) Fetch(ctx context.Context, collection string, id string) (*SearchResult, error) {
	resp, err := c.points.Get(ctx, &pb.GetPoints{
		CollectionName: collection,
		Ids:            []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", collection, id, err)
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	r := resp.Result[0]
	return &SearchResult{
		ID:      r.Id.GetUuid(),
		Payload: fromPayload(r.Payload),
	}, nil
}

// SetPayload overwrites the given payload keys on a single point, leaving
// other keys intact.
func (c *Client) SetPayload(ctx context.Context, collection string, id string, payload map[string]string) error {
	_, err := c.points.SetPayload(ctx, &pb.SetPayloadPoints{
		CollectionName: collection,
		Payload:        toPayload(payload),
		PointsSelector: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("set payload %s/%s: %w", collection, id, err)
	}
	return nil
}

// SearchResult holds a single vector search hit.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func matchFilter(filter map[string]string) *pb.Filter {
	must := make([]*pb.Condition, 0, len(filter))
	for k, v := range filter {
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   k,
					Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: v}},
				},
			},
		})
	}
	return &pb.Filter{Must: must}
}

func toPayload(payload map[string]string) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(payload))
	for k, v := range payload {
		out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	return out
}

func fromPayload(payload map[string]*pb.Value) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		if sv, ok := v.Kind.(*pb.Value_StringValue); ok {
			out[k] = sv.StringValue
		}
	}
	return out
}
