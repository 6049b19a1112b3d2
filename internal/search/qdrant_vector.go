package search

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"

	"evermem/internal/memtypes"
)

// Qdrant only allows UUIDs and positive integers as point IDs, so the
// original record id is stored in the payload and the point id is a
// deterministic UUID derived from it.
const payloadIDField = "_original_id"

// QdrantVector is the cosine-ANN adapter over a single Qdrant collection.
type QdrantVector struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrantVector connects to Qdrant (the Go client speaks gRPC, port 6334
// by default) and ensures the collection exists with cosine distance.
// An API key may be passed as a query parameter on the DSN.
func NewQdrantVector(ctx context.Context, dsn, collection string, dimensions int) (*QdrantVector, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("qdrant requires dimensions > 0")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant DSN: %w", err)
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
		return nil, fmt.Errorf("invalid port in qdrant DSN: %w", err)
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
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	qv := &QdrantVector{client: client, collection: collection, dimension: dimensions}
	if err := qv.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return qv, nil
}

func (q *QdrantVector) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func pointID(id string) (string, bool) {
	if _, err := uuid.Parse(id); err == nil {
		return id, false
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), true
}

// Upsert writes the doc's vector and scope payload.
func (q *QdrantVector) Upsert(ctx context.Context, doc Doc, vector []float32) error {
	if len(vector) != q.dimension {
		return fmt.Errorf("vector dimension %d, collection wants %d", len(vector), q.dimension)
	}
	uid, mapped := pointID(doc.ID)
	payload := map[string]any{
		"record_type": string(doc.Type),
		"user_id":     doc.UserID,
		"group_id":    doc.GroupID,
		"ts":          float64(doc.Timestamp.UTC().Unix()),
		"content":     doc.Content,
	}
	if len(doc.Participants) > 0 {
		parts := make([]any, len(doc.Participants))
		for i, p := range doc.Participants {
			parts[i] = p
		}
		payload["participants"] = parts
	}
	for k, v := range doc.Metadata {
		payload["md_"+k] = v
	}
	if mapped {
		payload[payloadIDField] = doc.ID
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	wait := true
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uid),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	return err
}

// Search runs filtered cosine ANN; radius > 0 becomes a score threshold.
func (q *QdrantVector) Search(ctx context.Context, vector []float32, f Filter, limit int, radius float64) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	var must []*qdrant.Condition
	if f.Type != "" {
		must = append(must, qdrant.NewMatch("record_type", string(f.Type)))
	}
	if f.UserID != "" {
		must = append(must, qdrant.NewMatch("user_id", f.UserID))
	}
	if f.PersonalOnly {
		must = append(must, qdrant.NewMatch("group_id", ""))
	} else if f.GroupID != "" {
		must = append(must, qdrant.NewMatch("group_id", f.GroupID))
	}
	if f.Participant != "" {
		must = append(must, qdrant.NewMatch("participants", f.Participant))
	}
	if f.From != nil || f.To != nil {
		r := &qdrant.Range{}
		if f.From != nil {
			gte := float64(f.From.UTC().Unix())
			r.Gte = &gte
		}
		if f.To != nil {
			lte := float64(f.To.UTC().Unix())
			r.Lte = &lte
		}
		must = append(must, qdrant.NewRange("ts", r))
	}
	var filter *qdrant.Filter
	if len(must) > 0 {
		filter = &qdrant.Filter{Must: must}
	}

	lim := uint64(limit)
	query := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &lim,
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if radius > 0 {
		th := float32(radius)
		query.ScoreThreshold = &th
	}
	points, err := q.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make([]Hit, 0, len(points))
	for _, hit := range points {
		doc := Doc{Metadata: map[string]string{}}
		var originalID string
		for k, v := range hit.Payload {
			switch k {
			case payloadIDField:
				originalID = v.GetStringValue()
			case "record_type":
				doc.Type = memtypes.DataSource(v.GetStringValue())
			case "user_id":
				doc.UserID = v.GetStringValue()
			case "group_id":
				doc.GroupID = v.GetStringValue()
			case "content":
				doc.Content = v.GetStringValue()
			case "ts":
				doc.Timestamp = time.Unix(int64(v.GetDoubleValue()), 0).UTC()
			case "participants":
				if lv := v.GetListValue(); lv != nil {
					for _, item := range lv.Values {
						doc.Participants = append(doc.Participants, item.GetStringValue())
					}
				}
			default:
				if strings.HasPrefix(k, "md_") {
					doc.Metadata[strings.TrimPrefix(k, "md_")] = v.GetStringValue()
				}
			}
		}
		id := originalID
		if id == "" {
			id = hit.Id.GetUuid()
		}
		doc.ID = id
		out = append(out, Hit{ID: id, Score: float64(hit.Score), Doc: doc})
	}
	return out, nil
}

func (q *QdrantVector) Delete(ctx context.Context, id string) error {
	uid, _ := pointID(id)
	wait := true
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(uid)),
	})
	return err
}

// Refresh is a no-op; qdrant acknowledges writes before they are searchable
// only when write consistency is relaxed, which this adapter does not do.
func (q *QdrantVector) Refresh(context.Context) error { return nil }

// Close releases the underlying gRPC connection.
func (q *QdrantVector) Close() error { return q.client.Close() }

// Dimension reports the collection's vector size.
func (q *QdrantVector) Dimension() int { return q.dimension }
