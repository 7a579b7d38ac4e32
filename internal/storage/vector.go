// Package storage implements the Storage Service (C6): a multi-tier write
// path over a vector store, an optional full-text tier, and an optional
// cache, per spec §4.6. Writes to the optional tiers are best-effort — a
// failure there is logged and does not fail the call.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"
)

// PAYLOAD_ID_FIELD stores the caller-supplied point id when it is not
// itself a UUID, since Qdrant point ids must be UUIDs or unsigned integers.
const PAYLOAD_ID_FIELD = "_original_id"

// Point is a single vector-store record. Vectors is named (§4.6 "vectors are
// named") so one point can host multiple modalities (text/code/media); a
// search specifies which named vector to query.
type Point struct {
	ID      string
	Vectors map[string][]float32
	Payload map[string]any
}

// SearchParams parametrizes a named-vector similarity search.
type SearchParams struct {
	Vector         []float32
	VectorName     string
	Limit          int
	Filter         map[string]any
	ScoreThreshold float64
}

// VectorResult is a single similarity-search hit.
type VectorResult struct {
	ID       string
	Score    float64
	Payload  map[string]any
	Metadata map[string]any // deprecated alias kept for callers migrating off map[string]string payloads
}

// ScrollParams parametrizes a paginated collection walk.
type ScrollParams struct {
	Filter     map[string]any
	Limit      int
	Offset     string
	WithVector bool
}

// CollectionInfo summarizes collection state for diagnostics and the
// `qdrant hnsw`/`qdrant vacuum` CLI subcommands.
type CollectionInfo struct {
	PointsCount  uint64
	VectorsCount uint64
	Status       string
}

// VectorStore is the Storage Service's vector tier contract (spec §4.6).
type VectorStore interface {
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, params SearchParams) ([]VectorResult, error)
	Scroll(ctx context.Context, collection string, params ScrollParams) ([]Point, string, error)
	Retrieve(ctx context.Context, collection string, ids []string) ([]Point, error)
	SetPayload(ctx context.Context, collection string, ids []string, patch map[string]any) error
	Delete(ctx context.Context, collection string, ids []string) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, name string, namedVectorsWithDim map[string]int, distance string) error
	DropCollection(ctx context.Context, name string) error
	GetCollectionInfo(ctx context.Context, name string) (CollectionInfo, error)
	WithHNSWDisabled(ctx context.Context, collection string, action func() error) error
	SetHNSW(ctx context.Context, collection string, enabled bool) error
	Close() error
}

type qdrantVector struct {
	client *qdrant.Client
}

// NewQdrantVector connects to Qdrant over gRPC (default port 6334). An API
// key may be supplied as the dsn's `api_key` query parameter.
func NewQdrantVector(dsn string) (VectorStore, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("storage: invalid qdrant port: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create qdrant client: %w", err)
	}
	return &qdrantVector{client: client}, nil
}

func pointUUID(id string) (uuidStr string, original string) {
	if _, err := uuid.Parse(id); err == nil {
		return id, ""
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), id
}

func distanceOf(metric string) qdrant.Distance {
	switch strings.ToLower(strings.TrimSpace(metric)) {
	case "l2", "euclidean":
		return qdrant.Distance_Euclid
	case "ip", "dot":
		return qdrant.Distance_Dot
	case "manhattan":
		return qdrant.Distance_Manhattan
	default:
		return qdrant.Distance_Cosine
	}
}

func (q *qdrantVector) CollectionExists(ctx context.Context, name string) (bool, error) {
	return q.client.CollectionExists(ctx, name)
}

func (q *qdrantVector) CreateCollection(ctx context.Context, name string, namedVectorsWithDim map[string]int, distance string) error {
	cfg := make(map[string]*qdrant.VectorParams, len(namedVectorsWithDim))
	for name, dim := range namedVectorsWithDim {
		if dim <= 0 {
			return fmt.Errorf("storage: named vector %q requires dimension > 0", name)
		}
		cfg[name] = &qdrant.VectorParams{Size: uint64(dim), Distance: distanceOf(distance)}
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig:  qdrant.NewVectorsConfigMap(cfg),
	})
}

// DropCollection implements the `qdrant drop` CLI subcommand's backing
// operation (spec §6.1).
func (q *qdrantVector) DropCollection(ctx context.Context, name string) error {
	return q.client.DeleteCollection(ctx, name)
}

func (q *qdrantVector) GetCollectionInfo(ctx context.Context, name string) (CollectionInfo, error) {
	info, err := q.client.GetCollectionInfo(ctx, name)
	if err != nil {
		return CollectionInfo{}, err
	}
	ci := CollectionInfo{Status: info.GetStatus().String()}
	if info.PointsCount != nil {
		ci.PointsCount = *info.PointsCount
	}
	if info.VectorsCount != nil {
		ci.VectorsCount = *info.VectorsCount
	}
	return ci, nil
}

func (q *qdrantVector) Upsert(ctx context.Context, collection string, points []Point) error {
	batch := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		uuidStr, original := pointUUID(p.ID)
		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = v
		}
		if original != "" {
			payload[PAYLOAD_ID_FIELD] = original
		}
		named := make(map[string][]float32, len(p.Vectors))
		for name, v := range p.Vectors {
			cp := make([]float32, len(v))
			copy(cp, v)
			named[name] = cp
		}
		batch = append(batch, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsMap(named),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: collection, Points: batch})
	return err
}

func (q *qdrantVector) Search(ctx context.Context, collection string, params SearchParams) ([]VectorResult, error) {
	limit := uint64(params.Limit)
	if limit == 0 {
		limit = 10
	}
	vectorName := params.VectorName
	if vectorName == "" {
		vectorName = "text"
	}
	vec := make([]float32, len(params.Vector))
	copy(vec, params.Vector)

	var qf *qdrant.Filter
	if len(params.Filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(params.Filter))
		for k, v := range params.Filter {
			switch tv := v.(type) {
			case string:
				must = append(must, qdrant.NewMatch(k, tv))
			case bool:
				must = append(must, qdrant.NewMatchBool(k, tv))
			case int:
				must = append(must, qdrant.NewMatchInt(k, int64(tv)))
			}
		}
		qf = &qdrant.Filter{Must: must}
	}

	req := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vec),
		Using:          &vectorName,
		Limit:          &limit,
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if params.ScoreThreshold > 0 {
		threshold := float32(params.ScoreThreshold)
		req.ScoreThreshold = &threshold
	}

	hits, err := q.client.Query(ctx, req)
	if err != nil {
		return nil, err
	}
	results := make([]VectorResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, VectorResult{ID: originalIDOf(hit.Id, hit.Payload), Score: float64(hit.Score), Payload: payloadToAny(hit.Payload)})
	}
	return results, nil
}

func (q *qdrantVector) Scroll(ctx context.Context, collection string, params ScrollParams) ([]Point, string, error) {
	limit := uint32(params.Limit)
	if limit == 0 {
		limit = 100
	}
	req := &qdrant.ScrollPoints{
		CollectionName: collection,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(params.WithVector),
	}
	if len(params.Filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(params.Filter))
		for k, v := range params.Filter {
			switch tv := v.(type) {
			case string:
				must = append(must, qdrant.NewMatch(k, tv))
			case bool:
				must = append(must, qdrant.NewMatchBool(k, tv))
			case int:
				must = append(must, qdrant.NewMatchInt(k, int64(tv)))
			}
		}
		req.Filter = &qdrant.Filter{Must: must}
	}
	if params.Offset != "" {
		req.Offset = qdrant.NewIDUUID(params.Offset)
	}
	rows, err := q.client.Scroll(ctx, req)
	if err != nil {
		return nil, "", err
	}
	out := make([]Point, 0, len(rows))
	var nextOffset string
	for _, row := range rows {
		out = append(out, Point{ID: originalIDOf(row.Id, row.Payload), Payload: payloadToAny(row.Payload)})
		nextOffset = row.Id.GetUuid()
	}
	return out, nextOffset, nil
}

func (q *qdrantVector) Retrieve(ctx context.Context, collection string, ids []string) ([]Point, error) {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		uuidStr, _ := pointUUID(id)
		pointIDs = append(pointIDs, qdrant.NewIDUUID(uuidStr))
	}
	rows, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(rows))
	for _, row := range rows {
		out = append(out, Point{ID: originalIDOf(row.Id, row.Payload), Payload: payloadToAny(row.Payload)})
	}
	return out, nil
}

func (q *qdrantVector) SetPayload(ctx context.Context, collection string, ids []string, patch map[string]any) error {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		uuidStr, _ := pointUUID(id)
		pointIDs = append(pointIDs, qdrant.NewIDUUID(uuidStr))
	}
	_, err := q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: collection,
		Payload:        qdrant.NewValueMap(patch),
		PointsSelector: qdrant.NewPointsSelectorIDs(pointIDs),
	})
	return err
}

func (q *qdrantVector) Delete(ctx context.Context, collection string, ids []string) error {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		uuidStr, _ := pointUUID(id)
		pointIDs = append(pointIDs, qdrant.NewIDUUID(uuidStr))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	return err
}

// WithHNSWDisabled toggles the collection's HNSW `m` parameter to 0 before
// action and restores it afterward (spec §4.4 "HNSW toggle"), for bulk
// ingests where building the index incrementally would be wasted work.
func (q *qdrantVector) WithHNSWDisabled(ctx context.Context, collection string, action func() error) error {
	zero := uint64(0)
	if err := q.client.UpdateCollection(ctx, &qdrant.UpdateCollection{
		CollectionName: collection,
		HnswConfig:     &qdrant.HnswConfigDiff{M: &zero},
	}); err != nil {
		log.Warn().Err(err).Str("collection", collection).Msg("storage: disable hnsw failed, continuing without toggle")
		return action()
	}
	defer func() {
		restore := uint64(16)
		if err := q.client.UpdateCollection(ctx, &qdrant.UpdateCollection{
			CollectionName: collection,
			HnswConfig:     &qdrant.HnswConfigDiff{M: &restore},
		}); err != nil {
			log.Warn().Err(err).Str("collection", collection).Msg("storage: re-enable hnsw failed")
		}
	}()
	return action()
}

// SetHNSW persistently sets the collection's HNSW `m` parameter, for the
// `qdrant hnsw on|off` CLI subcommand (spec §6.1) — unlike WithHNSWDisabled,
// the change outlives the call.
func (q *qdrantVector) SetHNSW(ctx context.Context, collection string, enabled bool) error {
	m := uint64(16)
	if !enabled {
		m = 0
	}
	return q.client.UpdateCollection(ctx, &qdrant.UpdateCollection{
		CollectionName: collection,
		HnswConfig:     &qdrant.HnswConfigDiff{M: &m},
	})
}

func (q *qdrantVector) Close() error { return q.client.Close() }

func originalIDOf(id *qdrant.PointId, payload map[string]*qdrant.Value) string {
	if payload != nil {
		if v, ok := payload[PAYLOAD_ID_FIELD]; ok {
			return v.GetStringValue()
		}
	}
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return id.String()
}

func payloadToAny(payload map[string]*qdrant.Value) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == PAYLOAD_ID_FIELD {
			continue
		}
		out[k] = qdrantValueToAny(v)
	}
	return out
}

func qdrantValueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	default:
		return nil
	}
}
