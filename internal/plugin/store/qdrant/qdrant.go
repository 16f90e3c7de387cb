// Package qdrant provides a MemoryStore backed by a Qdrant collection.
// Rows are points whose payload carries the fact, tenant, metadata and
// timestamps; k-NN uses the collection's HNSW cosine index.
package qdrant

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/model"
	registrymigrate "github.com/recallhq/recall/internal/registry/migrate"
	registrystore "github.com/recallhq/recall/internal/registry/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const scrollPageSize = 256

type qdrantMigrator struct{}

func (m *qdrantMigrator) Name() string { return "qdrant" }
func (m *qdrantMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.StoreType != "qdrant" || !cfg.MigrateAtStart {
		return nil
	}

	log.Info("Running migration", "name", m.Name())
	migrateCtx, cancel := context.WithTimeout(ctx, cfg.QdrantStartupTimeout)
	defer cancel()

	conn, err := grpc.NewClient(address(cfg), dialOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("qdrant migrate: connect: %w", err)
	}
	defer conn.Close()

	client := pb.NewCollectionsClient(conn)

	_, err = client.Get(migrateCtx, &pb.GetCollectionInfoRequest{CollectionName: cfg.QdrantCollectionName})
	if err == nil {
		return nil // collection exists
	}

	_, err = client.Create(migrateCtx, &pb.CreateCollection{
		CollectionName: cfg.QdrantCollectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     effectiveDimension(cfg),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 newUint64(16),
			EfConstruct:       newUint64(64),
			FullScanThreshold: newUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant migrate: create collection: %w", err)
	}
	log.Info("Created Qdrant collection", "name", cfg.QdrantCollectionName)
	return nil
}

func init() {
	registrystore.Register(registrystore.Plugin{
		Name:   "qdrant",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 200, Migrator: &qdrantMigrator{}})
}

func load(ctx context.Context) (registrystore.MemoryStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("qdrant: missing config in context")
	}
	conn, err := grpc.NewClient(address(cfg), dialOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect: %w", err)
	}
	return &Store{
		points:         pb.NewPointsClient(conn),
		conn:           conn,
		collectionName: cfg.QdrantCollectionName,
		dim:            int(effectiveDimension(cfg)),
	}, nil
}

func address(cfg *config.Config) string {
	return fmt.Sprintf("%s:%d", cfg.QdrantHost, cfg.QdrantPort)
}

// Store implements MemoryStore over the Qdrant gRPC API.
type Store struct {
	points         pb.PointsClient
	conn           *grpc.ClientConn
	collectionName string
	dim            int
}

func (s *Store) Name() string { return "qdrant" }

func (s *Store) Insert(ctx context.Context, userID, content string, embedding []float32, metadata map[string]string) (*model.Memory, error) {
	if len(embedding) != s.dim {
		return nil, &registrystore.DimensionError{Want: s.dim, Got: len(embedding)}
	}
	now := model.Now()
	if metadata == nil {
		metadata = map[string]string{}
	}
	m := model.Memory{
		ID:        uuid.New(),
		UserID:    userID,
		Content:   content,
		Embedding: embedding,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.upsert(ctx, m); err != nil {
		return nil, &registrystore.StorageError{Op: "insert", Err: err}
	}
	out := m.Clone()
	return &out, nil
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, req registrystore.UpdateRequest) (*model.Memory, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	if req.Content != nil {
		m.Content = *req.Content
	}
	if req.Embedding != nil {
		if len(req.Embedding) != s.dim {
			return nil, &registrystore.DimensionError{Want: s.dim, Got: len(req.Embedding)}
		}
		m.Embedding = req.Embedding
	}
	if req.Metadata != nil {
		m.Metadata = req.Metadata
	}
	m.UpdatedAt = model.Now()
	if err := s.upsert(ctx, *m); err != nil {
		return nil, &registrystore.StorageError{Op: "update", Err: err}
	}
	out := m.Clone()
	return &out, nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collectionName,
		Wait:           newBool(true),
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{pointID(id)}},
			},
		},
	})
	if err != nil {
		return &registrystore.StorageError{Op: "delete", Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.Memory, error) {
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.collectionName,
		Ids:            []*pb.PointId{pointID(id)},
		WithPayload:    withPayload(),
		WithVectors:    withVectors(),
	})
	if err != nil {
		return nil, &registrystore.StorageError{Op: "get", Err: err}
	}
	if len(resp.GetResult()) == 0 {
		return nil, nil
	}
	pt := resp.GetResult()[0]
	return fromPayload(id, pt.GetPayload(), pt.GetVectors().GetVector().GetData())
}

func (s *Store) List(ctx context.Context, userID string, opts registrystore.ListOptions) ([]model.Memory, error) {
	all, err := s.scrollTenant(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(all) {
			return []model.Memory{}, nil
		}
		all = all[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(all) {
		all = all[:opts.Limit]
	}
	return all, nil
}

func (s *Store) Count(ctx context.Context, userID string) (int64, error) {
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: s.collectionName,
		Filter:         tenantFilter(userID),
		Exact:          &exact,
	})
	if err != nil {
		return 0, &registrystore.StorageError{Op: "count", Err: err}
	}
	return int64(resp.GetResult().GetCount()), nil
}

func (s *Store) Clear(ctx context.Context, userID string) error {
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collectionName,
		Wait:           newBool(true),
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: tenantFilter(userID)},
		},
	})
	if err != nil {
		return &registrystore.StorageError{Op: "clear", Err: err}
	}
	return nil
}

func (s *Store) QueryByEmbedding(ctx context.Context, embedding []float32, userID string, k int) ([]model.Memory, error) {
	if k <= 0 {
		return []model.Memory{}, nil
	}
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collectionName,
		Vector:         embedding,
		Limit:          uint64(k),
		WithPayload:    withPayload(),
		WithVectors:    withVectors(),
		Filter:         tenantFilter(userID),
	})
	if err != nil {
		return nil, &registrystore.StorageError{Op: "query", Err: err}
	}

	out := make([]model.Memory, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		id, err := uuid.Parse(pt.GetId().GetUuid())
		if err != nil {
			continue
		}
		m, err := fromPayload(id, pt.GetPayload(), pt.GetVectors().GetVector().GetData())
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) upsert(ctx context.Context, m model.Memory) error {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collectionName,
		Wait:           newBool(true),
		Points: []*pb.PointStruct{{
			Id: pointID(m.ID),
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: m.Embedding},
				},
			},
			Payload: map[string]*pb.Value{
				"user_id":    {Kind: &pb.Value_StringValue{StringValue: m.UserID}},
				"content":    {Kind: &pb.Value_StringValue{StringValue: m.Content}},
				"metadata":   {Kind: &pb.Value_StringValue{StringValue: string(meta)}},
				"created_at": {Kind: &pb.Value_IntegerValue{IntegerValue: m.CreatedAt.UnixMilli()}},
				"updated_at": {Kind: &pb.Value_IntegerValue{IntegerValue: m.UpdatedAt.UnixMilli()}},
			},
		}},
	})
	return err
}

func (s *Store) scrollTenant(ctx context.Context, userID string) ([]model.Memory, error) {
	var out []model.Memory
	var offset *pb.PointId
	for {
		limit := uint32(scrollPageSize)
		resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: s.collectionName,
			Filter:         tenantFilter(userID),
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    withPayload(),
			WithVectors:    withVectors(),
		})
		if err != nil {
			return nil, &registrystore.StorageError{Op: "list", Err: err}
		}
		for _, pt := range resp.GetResult() {
			id, err := uuid.Parse(pt.GetId().GetUuid())
			if err != nil {
				continue
			}
			m, err := fromPayload(id, pt.GetPayload(), pt.GetVectors().GetVector().GetData())
			if err != nil {
				return nil, err
			}
			out = append(out, *m)
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			return out, nil
		}
	}
}

func fromPayload(id uuid.UUID, payload map[string]*pb.Value, vector []float32) (*model.Memory, error) {
	m := model.Memory{ID: id, Embedding: vector}
	if v, ok := payload["user_id"]; ok {
		m.UserID = v.GetStringValue()
	}
	if v, ok := payload["content"]; ok {
		m.Content = v.GetStringValue()
	}
	if v, ok := payload["metadata"]; ok {
		if err := json.Unmarshal([]byte(v.GetStringValue()), &m.Metadata); err != nil {
			return nil, &registrystore.StorageError{Op: "decode", Err: fmt.Errorf("bad metadata for %s: %w", id, err)}
		}
	}
	if v, ok := payload["created_at"]; ok {
		m.CreatedAt = msToTime(v.GetIntegerValue())
	}
	if v, ok := payload["updated_at"]; ok {
		m.UpdatedAt = msToTime(v.GetIntegerValue())
	}
	return &m, nil
}

func tenantFilter(userID string) *pb.Filter {
	return &pb.Filter{
		Must: []*pb.Condition{
			{
				ConditionOneOf: &pb.Condition_Field{
					Field: &pb.FieldCondition{
						Key: "user_id",
						Match: &pb.Match{
							MatchValue: &pb.Match_Keyword{Keyword: userID},
						},
					},
				},
			},
		},
	}
}

func pointID(id uuid.UUID) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id.String()}}
}

func withPayload() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

func withVectors() *pb.WithVectorsSelector {
	return &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}}
}

func newUint64(v uint64) *uint64 { return &v }

func newBool(v bool) *bool { return &v }

func effectiveDimension(cfg *config.Config) uint64 {
	if cfg.EmbeddingDimensions > 0 {
		return uint64(cfg.EmbeddingDimensions)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.EmbedType)) {
	case "local":
		return 384
	default:
		return 1536
	}
}

func dialOptions(cfg *config.Config) []grpc.DialOption {
	opts := make([]grpc.DialOption, 0, 2)
	if cfg.QdrantUseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(nil)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if strings.TrimSpace(cfg.QdrantAPIKey) != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(apiKeyCredentials{
			apiKey:     cfg.QdrantAPIKey,
			requireTLS: cfg.QdrantUseTLS,
		}))
	}
	return opts
}

type apiKeyCredentials struct {
	apiKey     string
	requireTLS bool
}

func (a apiKeyCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"api-key": a.apiKey}, nil
}

func (a apiKeyCredentials) RequireTransportSecurity() bool {
	return a.requireTLS
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

var _ registrystore.MemoryStore = (*Store)(nil)
