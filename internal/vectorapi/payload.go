package vectorapi

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/futlize/vectordb/internal/dberr"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

// Payloads travel as structpb.Struct. Ids are written as decimal strings so
// the full uint64 range survives JSON-style number handling; readers also
// accept plain numbers up to 2^53.

type CreateIndexRequest struct {
	Name         string `json:"name" yaml:"name"`
	Dimensions   int    `json:"dimensions" yaml:"dimensions"`
	Similarity   string `json:"similarity" yaml:"similarity"`
	Optimization string `json:"optimization,omitempty" yaml:"optimization"`
	Capacity     uint64 `json:"capacity,omitempty" yaml:"capacity"`
}

type IndexRef struct {
	ID uint64 `json:"id"`
}

type Index struct {
	ID           uint64 `json:"id"`
	Name         string `json:"name"`
	Dimensions   int    `json:"dimensions"`
	Similarity   string `json:"similarity"`
	Optimization string `json:"optimization"`
	Capacity     uint64 `json:"capacity"`
	Count        int    `json:"count"`
}

type IndexList struct {
	Indexes []Index `json:"indexes"`
}

type CreateEntryRequest struct {
	IndexID   uint64    `json:"index_id"`
	ID        uint64    `json:"id"`
	Embedding []float32 `json:"embedding"`
}

type Entry struct {
	IndexID uint64 `json:"index_id"`
	ID      uint64 `json:"id"`
}

type SearchRequest struct {
	IndexID   uint64    `json:"index_id"`
	K         int       `json:"k"`
	Embedding []float32 `json:"embedding"`
}

type Match struct {
	ID       uint64  `json:"id"`
	Distance float32 `json:"distance"`
}

type SearchResponse struct {
	Matches []Match  `json:"matches"`
	Skipped []uint64 `json:"skipped,omitempty"`
}

func (r CreateIndexRequest) Struct() *structpb.Struct {
	fields := map[string]*structpb.Value{
		"name":         structpb.NewStringValue(r.Name),
		"dimensions":   structpb.NewNumberValue(float64(r.Dimensions)),
		"similarity":   structpb.NewStringValue(r.Similarity),
		"optimization": structpb.NewStringValue(r.Optimization),
	}
	if r.Capacity > 0 {
		fields["capacity"] = idValue(r.Capacity)
	}
	return &structpb.Struct{Fields: fields}
}

func ParseCreateIndexRequest(s *structpb.Struct) (CreateIndexRequest, error) {
	dims, err := intField(s, "dimensions")
	if err != nil {
		return CreateIndexRequest{}, err
	}
	capacity, err := optionalUint64Field(s, "capacity")
	if err != nil {
		return CreateIndexRequest{}, err
	}
	return CreateIndexRequest{
		Name:         stringField(s, "name"),
		Dimensions:   dims,
		Similarity:   stringField(s, "similarity"),
		Optimization: stringField(s, "optimization"),
		Capacity:     capacity,
	}, nil
}

func (r IndexRef) Struct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{"id": idValue(r.ID)}}
}

func ParseIndexRef(s *structpb.Struct) (IndexRef, error) {
	id, err := uint64Field(s, "id")
	if err != nil {
		return IndexRef{}, err
	}
	return IndexRef{ID: id}, nil
}

func (idx Index) Struct() *structpb.Struct {
	return &structpb.Struct{Fields: idx.fields()}
}

func (idx Index) fields() map[string]*structpb.Value {
	return map[string]*structpb.Value{
		"id":           idValue(idx.ID),
		"name":         structpb.NewStringValue(idx.Name),
		"dimensions":   structpb.NewNumberValue(float64(idx.Dimensions)),
		"similarity":   structpb.NewStringValue(idx.Similarity),
		"optimization": structpb.NewStringValue(idx.Optimization),
		"capacity":     idValue(idx.Capacity),
		"count":        structpb.NewNumberValue(float64(idx.Count)),
	}
}

func ParseIndex(s *structpb.Struct) (Index, error) {
	var (
		idx Index
		err error
	)
	if idx.ID, err = uint64Field(s, "id"); err != nil {
		return Index{}, err
	}
	if idx.Dimensions, err = intField(s, "dimensions"); err != nil {
		return Index{}, err
	}
	if idx.Capacity, err = optionalUint64Field(s, "capacity"); err != nil {
		return Index{}, err
	}
	if idx.Count, err = intField(s, "count"); err != nil {
		return Index{}, err
	}
	idx.Name = stringField(s, "name")
	idx.Similarity = stringField(s, "similarity")
	idx.Optimization = stringField(s, "optimization")
	return idx, nil
}

func (l IndexList) Struct() *structpb.Struct {
	values := make([]*structpb.Value, 0, len(l.Indexes))
	for _, idx := range l.Indexes {
		values = append(values, structpb.NewStructValue(idx.Struct()))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"indexes": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

func ParseIndexList(s *structpb.Struct) (IndexList, error) {
	list := IndexList{Indexes: []Index{}}
	for i, v := range s.GetFields()["indexes"].GetListValue().GetValues() {
		item := v.GetStructValue()
		if item == nil {
			return IndexList{}, invalid("indexes[%d]: expected object", i)
		}
		idx, err := ParseIndex(item)
		if err != nil {
			return IndexList{}, fmt.Errorf("indexes[%d]: %w", i, err)
		}
		list.Indexes = append(list.Indexes, idx)
	}
	return list, nil
}

func (r CreateEntryRequest) Struct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"index_id":  idValue(r.IndexID),
		"id":        idValue(r.ID),
		"embedding": floatsValue(r.Embedding),
	}}
}

func ParseCreateEntryRequest(s *structpb.Struct) (CreateEntryRequest, error) {
	var (
		req CreateEntryRequest
		err error
	)
	if req.IndexID, err = uint64Field(s, "index_id"); err != nil {
		return CreateEntryRequest{}, err
	}
	if req.ID, err = uint64Field(s, "id"); err != nil {
		return CreateEntryRequest{}, err
	}
	if req.Embedding, err = floatsField(s, "embedding"); err != nil {
		return CreateEntryRequest{}, err
	}
	return req, nil
}

func (e Entry) Struct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"index_id": idValue(e.IndexID),
		"id":       idValue(e.ID),
	}}
}

func ParseEntry(s *structpb.Struct) (Entry, error) {
	indexID, err := uint64Field(s, "index_id")
	if err != nil {
		return Entry{}, err
	}
	id, err := uint64Field(s, "id")
	if err != nil {
		return Entry{}, err
	}
	return Entry{IndexID: indexID, ID: id}, nil
}

func (r SearchRequest) Struct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"index_id":  idValue(r.IndexID),
		"k":         structpb.NewNumberValue(float64(r.K)),
		"embedding": floatsValue(r.Embedding),
	}}
}

func ParseSearchRequest(s *structpb.Struct) (SearchRequest, error) {
	var (
		req SearchRequest
		err error
	)
	if req.IndexID, err = uint64Field(s, "index_id"); err != nil {
		return SearchRequest{}, err
	}
	if req.K, err = intField(s, "k"); err != nil {
		return SearchRequest{}, err
	}
	if req.Embedding, err = floatsField(s, "embedding"); err != nil {
		return SearchRequest{}, err
	}
	return req, nil
}

func (r SearchResponse) Struct() *structpb.Struct {
	matches := make([]*structpb.Value, 0, len(r.Matches))
	for _, m := range r.Matches {
		matches = append(matches, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"id":       idValue(m.ID),
			"distance": structpb.NewNumberValue(float64(m.Distance)),
		}}))
	}
	skipped := make([]*structpb.Value, 0, len(r.Skipped))
	for _, id := range r.Skipped {
		skipped = append(skipped, idValue(id))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"matches": structpb.NewListValue(&structpb.ListValue{Values: matches}),
		"skipped": structpb.NewListValue(&structpb.ListValue{Values: skipped}),
	}}
}

func ParseSearchResponse(s *structpb.Struct) (SearchResponse, error) {
	resp := SearchResponse{Matches: []Match{}}
	for i, v := range s.GetFields()["matches"].GetListValue().GetValues() {
		item := v.GetStructValue()
		if item == nil {
			return SearchResponse{}, invalid("matches[%d]: expected object", i)
		}
		id, err := uint64Field(item, "id")
		if err != nil {
			return SearchResponse{}, fmt.Errorf("matches[%d]: %w", i, err)
		}
		resp.Matches = append(resp.Matches, Match{
			ID:       id,
			Distance: float32(item.GetFields()["distance"].GetNumberValue()),
		})
	}
	for i, v := range s.GetFields()["skipped"].GetListValue().GetValues() {
		id, err := parseUint64Value("skipped", v)
		if err != nil {
			return SearchResponse{}, fmt.Errorf("skipped[%d]: %w", i, err)
		}
		resp.Skipped = append(resp.Skipped, id)
	}
	return resp, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", dberr.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func idValue(id uint64) *structpb.Value {
	return structpb.NewStringValue(strconv.FormatUint(id, 10))
}

func floatsValue(values []float32) *structpb.Value {
	list := make([]*structpb.Value, len(values))
	for i, v := range values {
		list[i] = structpb.NewNumberValue(float64(v))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: list})
}

func stringField(s *structpb.Struct, key string) string {
	return strings.TrimSpace(s.GetFields()[key].GetStringValue())
}

func uint64Field(s *structpb.Struct, key string) (uint64, error) {
	v, ok := s.GetFields()[key]
	if !ok || v == nil {
		return 0, invalid("%s is required", key)
	}
	return parseUint64Value(key, v)
}

func optionalUint64Field(s *structpb.Struct, key string) (uint64, error) {
	v, ok := s.GetFields()[key]
	if !ok || v == nil {
		return 0, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return 0, nil
	}
	return parseUint64Value(key, v)
}

// maxExactNumber is the largest integer a float64 number value holds exactly.
const maxExactNumber = 1 << 53

func parseUint64Value(key string, v *structpb.Value) (uint64, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(strings.TrimSpace(kind.StringValue), 10, 64)
		if err != nil {
			return 0, invalid("%s: %q is not an unsigned integer", key, kind.StringValue)
		}
		return n, nil
	case *structpb.Value_NumberValue:
		f := kind.NumberValue
		if f < 0 || f > maxExactNumber || f != math.Trunc(f) {
			return 0, invalid("%s: %v is not an unsigned integer", key, f)
		}
		return uint64(f), nil
	default:
		return 0, invalid("%s: expected string or number", key)
	}
}

func intField(s *structpb.Struct, key string) (int, error) {
	v, ok := s.GetFields()[key]
	if !ok || v == nil {
		return 0, invalid("%s is required", key)
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(strings.TrimSpace(kind.StringValue), 10, 32)
		if err != nil {
			return 0, invalid("%s: %q is not an integer", key, kind.StringValue)
		}
		return int(n), nil
	case *structpb.Value_NumberValue:
		f := kind.NumberValue
		if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
			return 0, invalid("%s: %v is not an integer", key, f)
		}
		return int(f), nil
	default:
		return 0, invalid("%s: expected number", key)
	}
}

func floatsField(s *structpb.Struct, key string) ([]float32, error) {
	v, ok := s.GetFields()[key]
	if !ok || v == nil {
		return nil, invalid("%s is required", key)
	}
	list := v.GetListValue()
	if list == nil {
		return nil, invalid("%s: expected list of numbers", key)
	}
	out := make([]float32, len(list.GetValues()))
	for i, item := range list.GetValues() {
		num, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, invalid("%s[%d]: expected number", key, i)
		}
		out[i] = float32(num.NumberValue)
	}
	return out, nil
}
