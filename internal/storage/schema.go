package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Collection names a logical record collection.
type Collection string

const (
	Stories       Collection = "stories"
	Favorites     Collection = "favorites"
	UserFavorites Collection = "favorites_by_user"
	Outbox        Collection = "outbox"
)

// Index names, matching the secondary indexes of each collection.
const (
	IndexCreatedAt = "by-createdAt"
	IndexUser      = "by-user"
)

// LatestVersion is the newest schema this build knows how to create.
const LatestVersion = 3

type Index struct {
	Name  string
	Field string
}

type Schema struct {
	Collection    Collection
	KeyPath       []string
	AutoIncrement bool
	Indexes       []Index
	// Since is the schema version that introduced the collection.
	Since int
}

var schemas = []Schema{
	{
		Collection: Favorites,
		KeyPath:    []string{"id"},
		Indexes:    []Index{{Name: IndexCreatedAt, Field: "createdAt"}},
		Since:      1,
	},
	{
		Collection: UserFavorites,
		KeyPath:    []string{"userId", "id"},
		Indexes:    []Index{{Name: IndexUser, Field: "userId"}},
		Since:      2,
	},
	{
		Collection: Stories,
		KeyPath:    []string{"id"},
		Indexes:    []Index{{Name: IndexCreatedAt, Field: "createdAt"}},
		Since:      3,
	},
	{
		Collection:    Outbox,
		KeyPath:       []string{"id"},
		AutoIncrement: true,
		Indexes:       []Index{{Name: IndexCreatedAt, Field: "createdAt"}},
		Since:         3,
	},
}

func lookupSchema(c Collection) (Schema, bool) {
	for _, s := range schemas {
		if s.Collection == c {
			return s, true
		}
	}
	return Schema{}, false
}

func indexBucketName(c Collection, index string) []byte {
	return []byte("idx/" + string(c) + "/" + index)
}

// Key identifies a record by the values of its collection's key path.
type Key []any

// document is a record decoded into generic JSON form so key and index
// fields can be read without knowing the concrete type.
type document map[string]any

func toDocument(record any) ([]byte, document, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding record: %w", err)
	}
	var doc document
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, &StorageError{Reason: "record must encode to a JSON object"}
	}
	return raw, doc, nil
}

// keyFromDocument reads the key path fields of doc. A missing or empty
// field is a StorageError.
func (s Schema) keyFromDocument(doc document) (Key, error) {
	key := make(Key, 0, len(s.KeyPath))
	for _, field := range s.KeyPath {
		v, ok := doc[field]
		if !ok || v == nil || v == "" {
			return nil, &StorageError{
				Collection: s.Collection,
				Reason:     fmt.Sprintf("record is missing key field %q", field),
			}
		}
		key = append(key, v)
	}
	return key, nil
}

func (s Schema) encodeKey(key Key) ([]byte, error) {
	if len(key) != len(s.KeyPath) {
		return nil, &StorageError{
			Collection: s.Collection,
			Reason:     fmt.Sprintf("key has %d parts, want %d", len(key), len(s.KeyPath)),
		}
	}
	if s.AutoIncrement {
		id, err := toUint64(key[0])
		if err != nil {
			return nil, &StorageError{Collection: s.Collection, Reason: err.Error()}
		}
		return itob(id), nil
	}
	parts := make([]string, len(key))
	for i, part := range key {
		str, err := scalarString(part)
		if err != nil {
			return nil, &StorageError{Collection: s.Collection, Reason: err.Error()}
		}
		if str == "" {
			return nil, &StorageError{
				Collection: s.Collection,
				Reason:     fmt.Sprintf("key field %q is empty", s.KeyPath[i]),
			}
		}
		if err := checkKeyPart(s.Collection, s.KeyPath[i], str); err != nil {
			return nil, err
		}
		parts[i] = str
	}
	return []byte(strings.Join(parts, "\x00")), nil
}

// indexValue normalizes an index lookup value the same way record fields
// are normalized: through a JSON round trip.
func indexValue(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return "", err
	}
	return scalarString(generic)
}

// checkKeyPart rejects NUL, the separator between key parts and between an
// index value and its primary key.
func checkKeyPart(c Collection, field, value string) error {
	if strings.IndexByte(value, 0) >= 0 {
		return &StorageError{
			Collection: c,
			Reason:     fmt.Sprintf("field %q contains a NUL byte", field),
		}
	}
	return nil
}

// indexedValues checks every index field of doc before it is written.
func (s Schema) indexedValues(doc document) error {
	for _, idx := range s.Indexes {
		v, ok := doc[idx.Field]
		if !ok || v == nil {
			continue
		}
		value, err := scalarString(v)
		if err != nil {
			continue
		}
		if err := checkKeyPart(s.Collection, idx.Field, value); err != nil {
			return err
		}
	}
	return nil
}

func indexEntryKey(value string, primary []byte) []byte {
	out := make([]byte, 0, len(value)+1+len(primary))
	out = append(out, value...)
	out = append(out, 0)
	return append(out, primary...)
}

func scalarString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported key value of type %T", v)
	}
}

func toUint64(v any) (uint64, error) {
	switch t := v.(type) {
	case uint64:
		return t, nil
	case int:
		if t < 0 {
			return 0, fmt.Errorf("negative id %d", t)
		}
		return uint64(t), nil
	case int64:
		if t < 0 {
			return 0, fmt.Errorf("negative id %d", t)
		}
		return uint64(t), nil
	case json.Number:
		return strconv.ParseUint(t.String(), 10, 64)
	case float64:
		if t < 0 {
			return 0, fmt.Errorf("negative id %v", t)
		}
		return uint64(t), nil
	default:
		return 0, fmt.Errorf("auto-increment key must be numeric, got %T", v)
	}
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
